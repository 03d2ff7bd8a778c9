package domain

import (
	"time"
)

// Slot is one evaluated candidate interval within a day. Produced only
// by GenerateSlots, never persisted.
type Slot struct {
	Time       string
	Start      time.Time
	Available  bool
	Violations []Violation
	Warnings   []Violation
}

// GenerateSlots derives the candidate slots for one date, resource and
// service. Candidates start at the effective opening time and step by
// intervalMinutes (or the rule set's default granularity when zero);
// generation stops once a candidate plus its duration and trailing
// buffer would run past closing. Every candidate is delegated to
// Evaluate, so a slot is available exactly when the equivalent booking
// request would be allowed. A closed day yields no slots.
func GenerateSlots(rs *RuleSet, date time.Time, resourceID, serviceID string, durationMinutes, intervalMinutes int, booked []BookedInterval, now time.Time) []Slot {
	if rs == nil || durationMinutes <= 0 {
		return nil
	}

	c := rs.Effective(resourceID)

	hours, ok := c.Hours[date.Weekday()]
	if !ok || hours.Closed {
		return nil
	}

	openMin, err := ParseClock(hours.Open)
	if err != nil {
		return nil
	}
	closeMin, err := ParseClock(hours.Close)
	if err != nil {
		return nil
	}

	if intervalMinutes <= 0 {
		intervalMinutes = c.DefaultInterval()
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())

	var slots []Slot
	for startMin := openMin; startMin+durationMinutes+c.BufferMinutes <= closeMin; startMin += intervalMinutes {
		start := day.Add(time.Duration(startMin) * time.Minute)
		req := BookingRequest{
			TenantID:        rs.TenantID,
			Date:            date,
			Time:            start.Format("15:04"),
			ResourceID:      resourceID,
			ServiceID:       serviceID,
			DurationMinutes: durationMinutes,
		}

		result := Evaluate(rs, req, booked, now)
		slots = append(slots, Slot{
			Time:       req.Time,
			Start:      start,
			Available:  result.Allowed,
			Violations: result.Violations,
			Warnings:   result.Warnings,
		})
	}

	return slots
}
