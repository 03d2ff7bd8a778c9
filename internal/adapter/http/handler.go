package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/slotgrid/bookcore/internal/app"
	"github.com/slotgrid/bookcore/internal/canon"
	"github.com/slotgrid/bookcore/internal/domain"
	"github.com/slotgrid/bookcore/internal/realtime"
)

const dateFormat = "2006-01-02"

// ViolationResponse is one constraint failure or advisory.
type ViolationResponse struct {
	Code       string `json:"code" doc:"Machine-readable violation code"`
	Message    string `json:"message" doc:"Human-readable explanation"`
	ResourceID string `json:"resource_id,omitempty" doc:"Resource the violation applies to"`
}

// EvaluationResponse is the outcome of one booking evaluation.
type EvaluationResponse struct {
	Allowed    bool                `json:"allowed" doc:"Whether the booking passes all constraints"`
	Violations []ViolationResponse `json:"violations,omitempty" doc:"Blocking constraint failures"`
	Warnings   []ViolationResponse `json:"warnings,omitempty" doc:"Non-blocking advisories"`
}

// SlotResponse is one candidate slot for a day.
type SlotResponse struct {
	Time       string              `json:"time" doc:"Slot start as HH:MM wall clock"`
	Start      string              `json:"start" doc:"Slot start timestamp (ISO 8601)"`
	Available  bool                `json:"available" doc:"Whether the slot is bookable"`
	Violations []ViolationResponse `json:"violations,omitempty" doc:"Why the slot is unavailable"`
	Warnings   []ViolationResponse `json:"warnings,omitempty" doc:"Non-blocking advisories"`
}

// AnalyticsPointResponse is one labeled value in an aggregate series.
type AnalyticsPointResponse struct {
	Label string  `json:"label" doc:"Series label (day or resource)"`
	Value float64 `json:"value" doc:"Aggregate value"`
}

// AnalyticsResponse is one metric aggregated over a date range.
type AnalyticsResponse struct {
	Metric string                   `json:"metric" doc:"Metric name"`
	From   string                   `json:"from" doc:"Range start (inclusive)"`
	To     string                   `json:"to" doc:"Range end (exclusive)"`
	Points []AnalyticsPointResponse `json:"points" doc:"Aggregate series"`
}

// SyncStatusResponse reports one tenant's realtime channel state.
type SyncStatusResponse struct {
	TenantID string                  `json:"tenant_id" doc:"Tenant identifier"`
	Status   string                  `json:"status" doc:"Channel status" enum:"disconnected,connecting,connected,error,failed"`
	Presence []PresenceEntryResponse `json:"presence,omitempty" doc:"Clients on the channel"`
}

// PresenceEntryResponse is one connected client.
type PresenceEntryResponse struct {
	ClientID string         `json:"client_id" doc:"Client identifier"`
	Metadata map[string]any `json:"metadata,omitempty" doc:"Client metadata"`
}

// CacheStatsResponse exposes rule-cache counters.
type CacheStatsResponse struct {
	Hits   uint64 `json:"hits" doc:"Cache hits"`
	Misses uint64 `json:"misses" doc:"Cache misses"`
}

func toViolations(vs []domain.Violation) []ViolationResponse {
	if len(vs) == 0 {
		return nil
	}
	out := make([]ViolationResponse, len(vs))
	for i, v := range vs {
		out[i] = ViolationResponse{Code: v.Code, Message: v.Message, ResourceID: v.ResourceID}
	}
	return out
}

// --- Get rules ---

type GetRulesInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
	Force    bool   `query:"force" required:"false" doc:"Bypass the cache and reload from the store"`
}

type GetRulesOutput struct {
	Body canon.RuleSetDoc
}

// --- Update rule ---

type UpdateRuleInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
	Field    string `path:"field" doc:"Canonical rule field name (snake_case or camelCase)"`
	Body     struct {
		Value any `json:"value" doc:"New value for the field"`
	}
}

type UpdateRuleOutput struct {
	Body canon.RuleSetDoc
}

// --- Evaluate booking ---

type EvaluateInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
	Body     struct {
		Date            string `json:"date" doc:"Booking date (YYYY-MM-DD)"`
		Time            string `json:"time" doc:"Start time (HH:MM)"`
		ResourceID      string `json:"resource_id" doc:"Resource to book"`
		ServiceID       string `json:"service_id" doc:"Service being booked"`
		DurationMinutes int    `json:"duration_minutes" doc:"Booking length in minutes"`
	}
}

type EvaluateOutput struct {
	Body EvaluationResponse
}

// --- Available slots ---

type SlotsInput struct {
	TenantID        string `path:"tenantId" doc:"Tenant identifier"`
	Date            string `query:"date" doc:"Day to generate slots for (YYYY-MM-DD)"`
	ResourceID      string `query:"resource_id" doc:"Resource to book"`
	ServiceID       string `query:"service_id" doc:"Service being booked"`
	DurationMinutes int    `query:"duration_minutes" doc:"Booking length in minutes"`
	IntervalMinutes int    `query:"interval_minutes" required:"false" doc:"Slot granularity; defaults to the tenant's configured interval"`
}

type SlotsOutput struct {
	Body []SlotResponse
}

// --- Analytics ---

type AnalyticsInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
	Metric   string `query:"metric" doc:"Metric name" enum:"bookings_per_day,resource_utilization"`
	From     string `query:"from" doc:"Range start (YYYY-MM-DD, inclusive)"`
	To       string `query:"to" doc:"Range end (YYYY-MM-DD, exclusive)"`
}

type AnalyticsOutput struct {
	Body AnalyticsResponse
}

// --- Realtime sync ---

type SubscribeInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
}

type SyncStatusInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
}

type SyncStatusOutput struct {
	Body SyncStatusResponse
}

type UnsubscribeInput struct {
	TenantID string `path:"tenantId" doc:"Tenant identifier"`
}

type UnsubscribeOutput struct{}

// --- Cache stats ---

type CacheStatsOutput struct {
	Body CacheStatsResponse
}

// Register adds all rule API routes to the Huma API. The realtime
// manager is optional; sync routes are registered only when present.
func Register(api huma.API, svc *app.Session, rt *realtime.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "get-rules",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{tenantId}/rules",
		Summary:     "Get the tenant's booking rules",
		Tags:        []string{"Rules"},
	}, func(ctx context.Context, input *GetRulesInput) (*GetRulesOutput, error) {
		rs, err := svc.LoadRules(ctx, input.TenantID, input.Force)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetRulesOutput{Body: canon.FromDomain(rs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/api/v1/tenants/{tenantId}/rules/{field}",
		Summary:     "Update one rule field",
		Tags:        []string{"Rules"},
	}, func(ctx context.Context, input *UpdateRuleInput) (*UpdateRuleOutput, error) {
		rs, err := svc.UpdateRule(ctx, input.TenantID, input.Field, input.Body.Value)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &UpdateRuleOutput{Body: canon.FromDomain(rs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-booking",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{tenantId}/evaluate",
		Summary:     "Evaluate a candidate booking against the tenant's rules",
		Tags:        []string{"Evaluation"},
	}, func(ctx context.Context, input *EvaluateInput) (*EvaluateOutput, error) {
		date, err := time.Parse(dateFormat, input.Body.Date)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("date must be YYYY-MM-DD")
		}

		result, err := svc.EvaluateBooking(ctx, domain.BookingRequest{
			TenantID:        input.TenantID,
			Date:            date,
			Time:            input.Body.Time,
			ResourceID:      input.Body.ResourceID,
			ServiceID:       input.Body.ServiceID,
			DurationMinutes: input.Body.DurationMinutes,
		})
		if err != nil {
			var vErr *domain.ValidationError
			if errors.As(err, &vErr) {
				return nil, huma.Error422UnprocessableEntity(vErr.Error())
			}
			if errors.Is(err, domain.ErrRuleSetNotFound) {
				return nil, huma.Error404NotFound("rule set not found")
			}
			// Infrastructure failures still answer with the fail-closed
			// result so callers see a deny with a diagnostic code.
		}

		return &EvaluateOutput{Body: EvaluationResponse{
			Allowed:    result.Allowed,
			Violations: toViolations(result.Violations),
			Warnings:   toViolations(result.Warnings),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-available-slots",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{tenantId}/slots",
		Summary:     "List candidate slots for a day",
		Tags:        []string{"Evaluation"},
	}, func(ctx context.Context, input *SlotsInput) (*SlotsOutput, error) {
		date, err := time.Parse(dateFormat, input.Date)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("date must be YYYY-MM-DD")
		}

		slots, err := svc.AvailableSlots(ctx, input.TenantID, date,
			input.ResourceID, input.ServiceID, input.DurationMinutes, input.IntervalMinutes)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]SlotResponse, len(slots))
		for i, s := range slots {
			resp[i] = SlotResponse{
				Time:       s.Time,
				Start:      s.Start.Format(time.RFC3339),
				Available:  s.Available,
				Violations: toViolations(s.Violations),
				Warnings:   toViolations(s.Warnings),
			}
		}
		return &SlotsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-analytics",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{tenantId}/analytics",
		Summary:     "Aggregate booking analytics",
		Tags:        []string{"Analytics"},
	}, func(ctx context.Context, input *AnalyticsInput) (*AnalyticsOutput, error) {
		from, err := time.Parse(dateFormat, input.From)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("from must be YYYY-MM-DD")
		}
		to, err := time.Parse(dateFormat, input.To)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("to must be YYYY-MM-DD")
		}

		report, err := svc.Analytics(ctx, input.TenantID, input.Metric, from, to)
		if err != nil {
			return nil, toHumaError(err)
		}

		points := make([]AnalyticsPointResponse, len(report.Points))
		for i, p := range report.Points {
			points[i] = AnalyticsPointResponse{Label: p.Label, Value: p.Value}
		}
		return &AnalyticsOutput{Body: AnalyticsResponse{
			Metric: report.Metric,
			From:   report.From.Format(dateFormat),
			To:     report.To.Format(dateFormat),
			Points: points,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cache-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/cache/stats",
		Summary:     "Rule cache hit/miss counters",
		Tags:        []string{"Diagnostics"},
	}, func(_ context.Context, _ *struct{}) (*CacheStatsOutput, error) {
		stats := svc.CacheStats()
		return &CacheStatsOutput{Body: CacheStatsResponse{Hits: stats.Hits, Misses: stats.Misses}}, nil
	})

	if rt != nil {
		registerSync(api, rt)
	}
}

func registerSync(api huma.API, rt *realtime.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "subscribe-sync",
		Method:        http.MethodPost,
		Path:          "/api/v1/tenants/{tenantId}/sync",
		Summary:       "Open the tenant's realtime rules channel",
		Tags:          []string{"Sync"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *SubscribeInput) (*SyncStatusOutput, error) {
		// The session must outlive this request.
		err := rt.Subscribe(context.WithoutCancel(ctx), input.TenantID, realtime.Callbacks{})
		if err != nil && errors.Is(err, realtime.ErrAlreadySubscribed) {
			return nil, huma.Error409Conflict(err.Error())
		}
		// A failed first attempt still leaves the session retrying;
		// report the current status either way.
		return &SyncStatusOutput{Body: syncStatus(rt, input.TenantID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sync-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{tenantId}/sync",
		Summary:     "Realtime channel status and presence",
		Tags:        []string{"Sync"},
	}, func(_ context.Context, input *SyncStatusInput) (*SyncStatusOutput, error) {
		return &SyncStatusOutput{Body: syncStatus(rt, input.TenantID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unsubscribe-sync",
		Method:        http.MethodDelete,
		Path:          "/api/v1/tenants/{tenantId}/sync",
		Summary:       "Close the tenant's realtime rules channel",
		Tags:          []string{"Sync"},
		DefaultStatus: http.StatusNoContent,
	}, func(_ context.Context, input *UnsubscribeInput) (*UnsubscribeOutput, error) {
		rt.Unsubscribe(input.TenantID)
		return &UnsubscribeOutput{}, nil
	})
}

func syncStatus(rt *realtime.Manager, tenantID string) SyncStatusResponse {
	resp := SyncStatusResponse{
		TenantID: tenantID,
		Status:   string(rt.Status(tenantID)),
	}
	for _, p := range rt.Presence(tenantID) {
		resp.Presence = append(resp.Presence, PresenceEntryResponse{ClientID: p.ClientID, Metadata: p.Metadata})
	}
	return resp
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrRuleSetNotFound) {
		return huma.Error404NotFound("rule set not found")
	}
	if errors.Is(err, domain.ErrUnknownMetric) {
		return huma.Error422UnprocessableEntity(err.Error())
	}

	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return huma.Error422UnprocessableEntity(vErr.Error())
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return huma.Error409Conflict(conflict.Error())
	}

	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) {
		return huma.Error503ServiceUnavailable("rule store unavailable")
	}

	return huma.Error500InternalServerError("internal server error")
}
