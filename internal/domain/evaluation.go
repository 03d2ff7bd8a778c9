package domain

import (
	"fmt"
	"time"
)

// Violation codes. Violations block a booking; warnings do not.
const (
	CodeNoRulesLoaded    = "NO_RULES_LOADED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeClosedDay        = "CLOSED_DAY"
	CodeOutsideHours     = "OUTSIDE_BUSINESS_HOURS"
	CodeBlackout         = "BLACKOUT_PERIOD"
	CodeAdvanceTooSoon   = "ADVANCE_WINDOW_TOO_SOON"
	CodeAdvanceTooFar    = "ADVANCE_WINDOW_TOO_FAR"
	CodeBufferConflict   = "BUFFER_CONFLICT"
	CodeEvaluationFailed = "EVALUATION_FAILED"

	WarnNearWindowEdge = "NEAR_ADVANCE_WINDOW_EDGE"
)

// Violation is a single constraint failure or advisory.
type Violation struct {
	Code       string
	Message    string
	ResourceID string
}

// EvaluationResult is the outcome of evaluating one BookingRequest.
// A result with Allowed=false always carries at least one violation.
type EvaluationResult struct {
	Allowed    bool
	Violations []Violation
	Warnings   []Violation
}

func deny(violations ...Violation) EvaluationResult {
	return EvaluationResult{Allowed: false, Violations: violations}
}

// Evaluate decides whether a proposed booking is legal under the given
// rule set. It runs the constraint passes in a fixed order and
// short-circuits on the first pass that produces violations, but still
// collects every violation within that pass. Business-rule violations
// are data, never errors; a nil rule set or an internal failure yields a
// fail-closed result rather than a panic.
func Evaluate(rs *RuleSet, req BookingRequest, booked []BookedInterval, now time.Time) (result EvaluationResult) {
	// Allowing an unvalidated booking is worse than blocking a valid one.
	defer func() {
		if r := recover(); r != nil {
			result = deny(Violation{
				Code:       CodeEvaluationFailed,
				Message:    fmt.Sprintf("internal evaluation failure: %v", r),
				ResourceID: req.ResourceID,
			})
		}
	}()

	if rs == nil {
		return deny(Violation{Code: CodeNoRulesLoaded, Message: "no rule set loaded for tenant"})
	}

	if err := req.Validate(); err != nil {
		return deny(Violation{Code: CodeInvalidRequest, Message: err.Error()})
	}

	c := rs.Effective(req.ResourceID)

	interval, err := req.Interval()
	if err != nil {
		return deny(Violation{Code: CodeInvalidRequest, Message: err.Error()})
	}

	if v := checkBusinessHours(c, req); len(v) > 0 {
		return deny(v...)
	}
	if v := checkBlackouts(c, req, interval); len(v) > 0 {
		return deny(v...)
	}
	window, warnings := checkAdvanceWindow(c, rs.WindowEdgeWarnMinutes, req, interval, now)
	if len(window) > 0 {
		return deny(window...)
	}
	if v := checkBuffer(c, req, interval, booked); len(v) > 0 {
		return deny(v...)
	}

	return EvaluationResult{Allowed: true, Warnings: warnings}
}

func checkBusinessHours(c Constraints, req BookingRequest) []Violation {
	hours, ok := c.Hours[req.Date.Weekday()]
	if !ok || hours.Closed {
		return []Violation{{
			Code:       CodeClosedDay,
			Message:    fmt.Sprintf("tenant is closed on %s", req.Date.Weekday()),
			ResourceID: req.ResourceID,
		}}
	}

	openMin, err := ParseClock(hours.Open)
	if err != nil {
		panic(fmt.Sprintf("malformed open time %q: %v", hours.Open, err))
	}
	closeMin, err := ParseClock(hours.Close)
	if err != nil {
		panic(fmt.Sprintf("malformed close time %q: %v", hours.Close, err))
	}

	startMin, _ := ParseClock(req.Time)
	endMin := startMin + req.DurationMinutes

	if startMin < openMin || endMin > closeMin {
		return []Violation{{
			Code: CodeOutsideHours,
			Message: fmt.Sprintf("requested %s+%dm is outside business hours %s-%s",
				req.Time, req.DurationMinutes, hours.Open, hours.Close),
			ResourceID: req.ResourceID,
		}}
	}
	return nil
}

// checkBlackouts collects every blackout intersecting the request.
// Resource-scoped blackouts always apply. A tenant-wide blackout is
// suppressed when a resource-scoped allowance covers the whole request
// interval: the more specific rule wins.
func checkBlackouts(c Constraints, req BookingRequest, interval TimePeriod) []Violation {
	allowed := func() bool {
		for _, a := range c.Allowances {
			if a.Contains(interval) {
				return true
			}
		}
		return false
	}

	var violations []Violation
	for _, b := range c.Blackouts {
		if !b.Period().Overlaps(interval) {
			continue
		}
		if b.ResourceID == "" && allowed() {
			continue
		}
		violations = append(violations, Violation{
			Code: CodeBlackout,
			Message: fmt.Sprintf("request overlaps blackout %s to %s",
				b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339)),
			ResourceID: req.ResourceID,
		})
	}
	return violations
}

func checkAdvanceWindow(c Constraints, warnEdge int, req BookingRequest, interval TimePeriod, now time.Time) ([]Violation, []Violation) {
	lead := int(interval.Start.Sub(now) / time.Minute)

	if c.AdvanceWindow.MinLeadMinutes > 0 && lead < c.AdvanceWindow.MinLeadMinutes {
		return []Violation{{
			Code: CodeAdvanceTooSoon,
			Message: fmt.Sprintf("booking starts in %d minutes, minimum lead time is %d",
				lead, c.AdvanceWindow.MinLeadMinutes),
			ResourceID: req.ResourceID,
		}}, nil
	}
	if c.AdvanceWindow.MaxLeadMinutes > 0 && lead > c.AdvanceWindow.MaxLeadMinutes {
		return []Violation{{
			Code: CodeAdvanceTooFar,
			Message: fmt.Sprintf("booking starts in %d minutes, maximum lead time is %d",
				lead, c.AdvanceWindow.MaxLeadMinutes),
			ResourceID: req.ResourceID,
		}}, nil
	}

	var warnings []Violation
	if warnEdge > 0 {
		nearMin := c.AdvanceWindow.MinLeadMinutes > 0 && lead < c.AdvanceWindow.MinLeadMinutes+warnEdge
		nearMax := c.AdvanceWindow.MaxLeadMinutes > 0 && lead > c.AdvanceWindow.MaxLeadMinutes-warnEdge
		if nearMin || nearMax {
			warnings = append(warnings, Violation{
				Code:       WarnNearWindowEdge,
				Message:    fmt.Sprintf("booking lead time of %d minutes is near the advance-window edge", lead),
				ResourceID: req.ResourceID,
			})
		}
	}
	return nil, warnings
}

// checkBuffer rejects a request whose interval, padded by the buffer on
// both sides, overlaps any existing booking padded the same way.
func checkBuffer(c Constraints, req BookingRequest, interval TimePeriod, booked []BookedInterval) []Violation {
	pad := time.Duration(c.BufferMinutes) * time.Minute
	padded := TimePeriod{Start: interval.Start.Add(-pad), End: interval.End.Add(pad)}

	var violations []Violation
	for _, b := range booked {
		existing := TimePeriod{Start: b.Start.Add(-pad), End: b.End.Add(pad)}
		if padded.Overlaps(existing) {
			violations = append(violations, Violation{
				Code: CodeBufferConflict,
				Message: fmt.Sprintf("request conflicts with existing booking %s to %s (buffer %dm)",
					b.Start.Format("15:04"), b.End.Format("15:04"), c.BufferMinutes),
				ResourceID: req.ResourceID,
			})
		}
	}
	return violations
}
