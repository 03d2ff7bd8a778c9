// Package app exposes the rule session facade: the single entry point
// higher layers use for rule loading, booking evaluation, slot
// derivation, rule updates and analytics passthrough.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/domain"
)

// RetryPolicy bounds external-store retries at the facade level.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the production defaults for store calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// loadCall coalesces concurrent identical fetches for one tenant.
type loadCall struct {
	done chan struct{}
	rs   domain.RuleSet
	err  error
}

// Session orchestrates the rule core. It is cache-first: evaluator and
// slot calls operate on whatever rule set is currently cached, loading
// on demand, and rule updates write through to the authoritative store
// before touching local state.
type Session struct {
	store     domain.RuleStore
	ledger    domain.BookingLedger
	analytics domain.AnalyticsStore
	publisher domain.ChangePublisher
	cache     *cache.RuleCache

	retry        RetryPolicy
	storeTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	loadMu   chan struct{} // guards inflight; chan-based so waiters stay cancellable
	inflight map[string]*loadCall
}

// Option customizes a Session.
type Option func(*Session)

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) { s.retry = p }
}

// WithStoreTimeout bounds each individual external store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Session) { s.storeTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock overrides the evaluation clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates the facade with the given collaborators.
func NewSession(store domain.RuleStore, ledger domain.BookingLedger, analytics domain.AnalyticsStore, publisher domain.ChangePublisher, ruleCache *cache.RuleCache, opts ...Option) *Session {
	s := &Session{
		store:        store,
		ledger:       ledger,
		analytics:    analytics,
		publisher:    publisher,
		cache:        ruleCache,
		retry:        DefaultRetryPolicy(),
		storeTimeout: 5 * time.Second,
		log:          slog.Default(),
		now:          time.Now,
		loadMu:       make(chan struct{}, 1),
		inflight:     make(map[string]*loadCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadRules returns the tenant's rule set, cache-first unless force.
// Concurrent identical loads for the same tenant are coalesced into a
// single external fetch.
func (s *Session) LoadRules(ctx context.Context, tenantID string, force bool) (domain.RuleSet, error) {
	if !force {
		if rs, ok := s.cache.Get(tenantID); ok {
			return rs, nil
		}
	}

	call, leader, err := s.joinLoad(ctx, tenantID)
	if err != nil {
		return domain.RuleSet{}, err
	}

	if !leader {
		select {
		case <-call.done:
			return call.rs, call.err
		case <-ctx.Done():
			return domain.RuleSet{}, ctx.Err()
		}
	}

	rs, fetchErr := s.fetchRules(ctx, tenantID)
	if fetchErr == nil {
		s.cache.Set(tenantID, rs)
	}

	call.rs, call.err = rs, fetchErr
	close(call.done)

	s.loadMu <- struct{}{}
	delete(s.inflight, tenantID)
	<-s.loadMu

	return rs, fetchErr
}

// joinLoad registers interest in a tenant fetch, reporting whether the
// caller became the leader responsible for performing it.
func (s *Session) joinLoad(ctx context.Context, tenantID string) (*loadCall, bool, error) {
	select {
	case s.loadMu <- struct{}{}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	defer func() { <-s.loadMu }()

	if call, ok := s.inflight[tenantID]; ok {
		return call, false, nil
	}
	call := &loadCall{done: make(chan struct{})}
	s.inflight[tenantID] = call
	return call, true, nil
}

// fetchRules pulls from the external store with capped backoff retries.
func (s *Session) fetchRules(ctx context.Context, tenantID string) (domain.RuleSet, error) {
	var rs domain.RuleSet
	err := s.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		rs, err = s.store.Get(callCtx, tenantID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrRuleSetNotFound) {
			return domain.RuleSet{}, err
		}
		return domain.RuleSet{}, &domain.StoreError{Op: "get", Err: err}
	}
	return rs, nil
}

// EvaluateBooking decides a candidate appointment against the tenant's
// current rules, loading them on demand. Infrastructure failures fail
// closed: the result is never Allowed on an error path, and the error
// is returned alongside the diagnostic result rather than swallowed.
func (s *Session) EvaluateBooking(ctx context.Context, req domain.BookingRequest) (domain.EvaluationResult, error) {
	if err := req.Validate(); err != nil {
		return failClosed(domain.CodeInvalidRequest, err.Error(), req.ResourceID), err
	}

	rs, err := s.LoadRules(ctx, req.TenantID, false)
	if err != nil {
		s.log.Warn("evaluation failing closed: rules unavailable", "tenant_id", req.TenantID, "error", err)
		return failClosed(domain.CodeNoRulesLoaded, "rule set unavailable", req.ResourceID),
			fmt.Errorf("loading rules: %w", err)
	}

	booked, err := s.bookedIntervals(ctx, req.TenantID, req.ResourceID, req.Date)
	if err != nil {
		s.log.Warn("evaluation failing closed: ledger unavailable", "tenant_id", req.TenantID, "error", err)
		return failClosed(domain.CodeEvaluationFailed, "booked intervals unavailable", req.ResourceID),
			fmt.Errorf("loading booked intervals: %w", err)
	}

	return domain.Evaluate(&rs, req, booked, s.now()), nil
}

// AvailableSlots derives the bookable slots for a day. A store failure
// degrades to no slots plus the error, never a crash.
func (s *Session) AvailableSlots(ctx context.Context, tenantID string, date time.Time, resourceID, serviceID string, durationMinutes, intervalMinutes int) ([]domain.Slot, error) {
	rs, err := s.LoadRules(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	booked, err := s.bookedIntervals(ctx, tenantID, resourceID, date)
	if err != nil {
		return nil, fmt.Errorf("loading booked intervals: %w", err)
	}

	return domain.GenerateSlots(&rs, date, resourceID, serviceID, durationMinutes, intervalMinutes, booked, s.now()), nil
}

// UpdateRule writes one canonical rule field through to the external
// store, then invalidates and reloads the local cache. Local state is
// never optimistically mutated; the store's version number stays
// authoritative. On ConflictError the cache is refreshed so the caller
// sees the concurrent winner.
func (s *Session) UpdateRule(ctx context.Context, tenantID, field string, value any) (domain.RuleSet, error) {
	var updated domain.RuleSet
	var conflict *domain.ConflictError
	err := s.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		updated, err = s.store.UpdateField(callCtx, tenantID, field, value)
		if errors.As(err, &conflict) {
			// Not retryable: the caller must observe the newer version.
			return nil
		}
		return err
	})
	if err != nil {
		return domain.RuleSet{}, &domain.StoreError{Op: "update", Err: err}
	}

	if conflict != nil {
		s.cache.Invalidate(tenantID)
		rs, loadErr := s.LoadRules(ctx, tenantID, true)
		if loadErr != nil {
			s.log.Warn("reload after update conflict failed", "tenant_id", tenantID, "error", loadErr)
		}
		return rs, conflict
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRuleChange(ctx, updated); err != nil {
			s.log.Warn("publishing rule change failed", "tenant_id", tenantID, "error", err)
		}
	}

	s.cache.Invalidate(tenantID)
	if _, err := s.LoadRules(ctx, tenantID, true); err != nil {
		s.log.Warn("reload after update failed", "tenant_id", tenantID, "error", err)
	}

	return updated, nil
}

// Analytics passes an aggregate query through to the analytics store.
func (s *Session) Analytics(ctx context.Context, tenantID, metric string, from, to time.Time) (domain.AnalyticsReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	report, err := s.analytics.Aggregate(callCtx, tenantID, metric, from, to)
	if err != nil {
		return domain.AnalyticsReport{}, &domain.StoreError{Op: "analytics", Err: err}
	}
	return report, nil
}

// CacheStats exposes the underlying rule-cache counters.
func (s *Session) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Session) bookedIntervals(ctx context.Context, tenantID, resourceID string, date time.Time) ([]domain.BookedInterval, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.ledger.BookedIntervals(callCtx, tenantID, resourceID, date)
}

// withRetry runs fn with a bounded per-call timeout and capped
// exponential backoff between attempts.
func (s *Session) withRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	delay := s.retry.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var vErr *domain.ValidationError
		if errors.Is(err, domain.ErrRuleSetNotFound) || errors.As(err, &vErr) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > s.retry.MaxDelay && s.retry.MaxDelay > 0 {
			delay = s.retry.MaxDelay
		}
	}
	return lastErr
}

func failClosed(code, message, resourceID string) domain.EvaluationResult {
	return domain.EvaluationResult{
		Allowed: false,
		Violations: []domain.Violation{{
			Code:       code,
			Message:    message,
			ResourceID: resourceID,
		}},
	}
}
