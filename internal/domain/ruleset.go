package domain

import (
	"fmt"
	"time"
)

// DayHours describes one weekday's opening window. Times are "HH:MM"
// wall-clock strings in the tenant's timezone. Closed means the tenant
// does not take bookings that day regardless of Open/Close.
type DayHours struct {
	Open   string
	Close  string
	Closed bool
}

// AdvanceWindow bounds how far ahead of "now" a booking may start,
// in minutes of lead time.
type AdvanceWindow struct {
	MinLeadMinutes int
	MaxLeadMinutes int
}

// TimePeriod is a half-open interval [Start, End).
type TimePeriod struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect.
func (p TimePeriod) Overlaps(other TimePeriod) bool {
	return p.Start.Before(other.End) && other.Start.Before(p.End)
}

// Contains reports whether other lies entirely inside p.
func (p TimePeriod) Contains(other TimePeriod) bool {
	return !other.Start.Before(p.Start) && !other.End.After(p.End)
}

// BlackoutPeriod blocks all bookings during [Start, End). An empty
// ResourceID makes the blackout tenant-wide; otherwise it applies only
// to the named resource.
type BlackoutPeriod struct {
	Start      time.Time
	End        time.Time
	ResourceID string
}

// Period returns the blackout as a TimePeriod.
func (b BlackoutPeriod) Period() TimePeriod {
	return TimePeriod{Start: b.Start, End: b.End}
}

// ResourceOverride is a partial, per-resource override of the tenant
// defaults. Nil/empty fields inherit the tenant value; set fields win.
// Allowances are periods during which tenant-wide blackouts do not
// apply to this resource (resource-scoped rules take precedence).
type ResourceOverride struct {
	BusinessHours map[time.Weekday]DayHours
	SlotIntervals []int
	BufferMinutes *int
	AdvanceWindow *AdvanceWindow
	Allowances    []TimePeriod
}

// RuleSet is the full booking-constraint configuration for one tenant.
// Version strictly increases with every persisted change; stale updates
// carrying a version not greater than the cached one are discarded.
type RuleSet struct {
	TenantID              string
	BusinessHours         map[time.Weekday]DayHours
	SlotIntervals         []int
	BufferMinutes         int
	AdvanceWindow         AdvanceWindow
	Blackouts             []BlackoutPeriod
	Overrides             map[string]ResourceOverride
	WindowEdgeWarnMinutes int
	Version               int64
	UpdatedAt             time.Time
}

// Constraints is the effective, per-resource view of a RuleSet after
// override resolution. All evaluation reads go through this.
type Constraints struct {
	Hours         map[time.Weekday]DayHours
	SlotIntervals []int
	BufferMinutes int
	AdvanceWindow AdvanceWindow
	Blackouts     []BlackoutPeriod
	Allowances    []TimePeriod
}

// Effective resolves tenant defaults against the override for the given
// resource, field by field. Resource-scoped blackouts for other
// resources are dropped; tenant-wide ones are kept and later filtered
// against the override's allowances during evaluation.
func (rs *RuleSet) Effective(resourceID string) Constraints {
	c := Constraints{
		Hours:         rs.BusinessHours,
		SlotIntervals: rs.SlotIntervals,
		BufferMinutes: rs.BufferMinutes,
		AdvanceWindow: rs.AdvanceWindow,
	}

	for _, b := range rs.Blackouts {
		if b.ResourceID == "" || b.ResourceID == resourceID {
			c.Blackouts = append(c.Blackouts, b)
		}
	}

	ov, ok := rs.Overrides[resourceID]
	if !ok {
		return c
	}

	if ov.BusinessHours != nil {
		c.Hours = ov.BusinessHours
	}
	if len(ov.SlotIntervals) > 0 {
		c.SlotIntervals = ov.SlotIntervals
	}
	if ov.BufferMinutes != nil {
		c.BufferMinutes = *ov.BufferMinutes
	}
	if ov.AdvanceWindow != nil {
		c.AdvanceWindow = *ov.AdvanceWindow
	}
	c.Allowances = ov.Allowances

	return c
}

// DefaultInterval returns the first configured slot granularity, or a
// conservative fallback when none is configured.
func (c Constraints) DefaultInterval() int {
	if len(c.SlotIntervals) > 0 && c.SlotIntervals[0] > 0 {
		return c.SlotIntervals[0]
	}
	return 30
}

// ParseClock parses an "HH:MM" wall-clock string into minutes from
// midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
