package domain

import "time"

// BookingRequest is a candidate appointment. It is ephemeral: built per
// evaluation call and never persisted by this core.
type BookingRequest struct {
	TenantID        string
	Date            time.Time // date portion only; time-of-day lives in Time
	Time            string    // "HH:MM" wall clock
	ResourceID      string
	ServiceID       string
	DurationMinutes int
}

// Validate checks structural well-formedness. Business rules are the
// evaluator's job; this only rejects requests that cannot be evaluated.
func (r BookingRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	case r.Date.IsZero():
		return &ValidationError{Field: "date", Reason: "required"}
	case r.Time == "":
		return &ValidationError{Field: "time", Reason: "required"}
	case r.ResourceID == "":
		return &ValidationError{Field: "resource_id", Reason: "required"}
	case r.ServiceID == "":
		return &ValidationError{Field: "service_id", Reason: "required"}
	case r.DurationMinutes <= 0:
		return &ValidationError{Field: "duration_minutes", Reason: "must be positive"}
	}

	if _, err := ParseClock(r.Time); err != nil {
		return &ValidationError{Field: "time", Reason: "must be HH:MM"}
	}
	return nil
}

// Interval returns the requested appointment as a half-open [start, end)
// interval in the date's location.
func (r BookingRequest) Interval() (TimePeriod, error) {
	mins, err := ParseClock(r.Time)
	if err != nil {
		return TimePeriod{}, err
	}

	day := time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), 0, 0, 0, 0, r.Date.Location())
	start := day.Add(time.Duration(mins) * time.Minute)
	return TimePeriod{
		Start: start,
		End:   start.Add(time.Duration(r.DurationMinutes) * time.Minute),
	}, nil
}

// BookedInterval is an already-committed appointment interval on a
// resource, as reported by the booking ledger.
type BookedInterval struct {
	Start time.Time
	End   time.Time
}
