package canon

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/slotgrid/bookcore/internal/domain"
)

// RuleSetDoc is the canonical JSON document for a rule set: snake_case
// keys, lowercase weekday names, RFC 3339 timestamps. Adapters that
// persist or transmit rule sets speak this form; the domain types stay
// free of serialization concerns.
type RuleSetDoc struct {
	TenantID              string                 `json:"tenant_id"`
	BusinessHours         map[string]DayHoursDoc `json:"business_hours"`
	SlotIntervals         []int                  `json:"slot_intervals"`
	BufferMinutes         int                    `json:"buffer_minutes"`
	AdvanceWindow         AdvanceWindowDoc       `json:"advance_window"`
	Blackouts             []BlackoutDoc          `json:"blackouts,omitempty"`
	Overrides             map[string]OverrideDoc `json:"overrides,omitempty"`
	WindowEdgeWarnMinutes int                    `json:"window_edge_warn_minutes,omitempty"`
	Version               int64                  `json:"version"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// DayHoursDoc mirrors domain.DayHours.
type DayHoursDoc struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// AdvanceWindowDoc mirrors domain.AdvanceWindow.
type AdvanceWindowDoc struct {
	MinLeadMinutes int `json:"min_lead_minutes"`
	MaxLeadMinutes int `json:"max_lead_minutes"`
}

// PeriodDoc mirrors domain.TimePeriod.
type PeriodDoc struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BlackoutDoc mirrors domain.BlackoutPeriod.
type BlackoutDoc struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ResourceID string    `json:"resource_id,omitempty"`
}

// OverrideDoc mirrors domain.ResourceOverride.
type OverrideDoc struct {
	BusinessHours map[string]DayHoursDoc `json:"business_hours,omitempty"`
	SlotIntervals []int                  `json:"slot_intervals,omitempty"`
	BufferMinutes *int                   `json:"buffer_minutes,omitempty"`
	AdvanceWindow *AdvanceWindowDoc      `json:"advance_window,omitempty"`
	Allowances    []PeriodDoc            `json:"allowances,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func weekdayName(d time.Weekday) string {
	switch d {
	case time.Sunday:
		return "sunday"
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	default:
		return "saturday"
	}
}

// FromDomain converts a domain rule set into its canonical document.
func FromDomain(rs domain.RuleSet) RuleSetDoc {
	doc := RuleSetDoc{
		TenantID:              rs.TenantID,
		BusinessHours:         hoursFromDomain(rs.BusinessHours),
		SlotIntervals:         rs.SlotIntervals,
		BufferMinutes:         rs.BufferMinutes,
		AdvanceWindow:         AdvanceWindowDoc(rs.AdvanceWindow),
		WindowEdgeWarnMinutes: rs.WindowEdgeWarnMinutes,
		Version:               rs.Version,
		UpdatedAt:             rs.UpdatedAt,
	}

	for _, b := range rs.Blackouts {
		doc.Blackouts = append(doc.Blackouts, BlackoutDoc(b))
	}

	if len(rs.Overrides) > 0 {
		doc.Overrides = make(map[string]OverrideDoc, len(rs.Overrides))
		keys := make([]string, 0, len(rs.Overrides))
		for k := range rs.Overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			doc.Overrides[k] = overrideFromDomain(rs.Overrides[k])
		}
	}

	return doc
}

// ToDomain converts a canonical document back into the domain type.
// Unknown weekday names are rejected rather than silently dropped.
func (d RuleSetDoc) ToDomain() (domain.RuleSet, error) {
	hours, err := hoursToDomain(d.BusinessHours)
	if err != nil {
		return domain.RuleSet{}, err
	}

	rs := domain.RuleSet{
		TenantID:              d.TenantID,
		BusinessHours:         hours,
		SlotIntervals:         d.SlotIntervals,
		BufferMinutes:         d.BufferMinutes,
		AdvanceWindow:         domain.AdvanceWindow(d.AdvanceWindow),
		WindowEdgeWarnMinutes: d.WindowEdgeWarnMinutes,
		Version:               d.Version,
		UpdatedAt:             d.UpdatedAt,
	}

	for _, b := range d.Blackouts {
		rs.Blackouts = append(rs.Blackouts, domain.BlackoutPeriod(b))
	}

	if len(d.Overrides) > 0 {
		rs.Overrides = make(map[string]domain.ResourceOverride, len(d.Overrides))
		for resourceID, ov := range d.Overrides {
			dov, err := ov.toDomain()
			if err != nil {
				return domain.RuleSet{}, fmt.Errorf("override for resource %q: %w", resourceID, err)
			}
			rs.Overrides[resourceID] = dov
		}
	}

	return rs, nil
}

// DecodeRuleSet normalizes an arbitrary JSON payload to canonical field
// form and decodes it into a domain rule set. Payloads arriving in
// camelCase are accepted and canonicalized on the way in.
func DecodeRuleSet(raw []byte) (domain.RuleSet, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.RuleSet{}, fmt.Errorf("decoding rule set payload: %w", err)
	}

	normalized, err := json.Marshal(Normalize(payload, true))
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("normalizing rule set payload: %w", err)
	}

	var doc RuleSetDoc
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return domain.RuleSet{}, fmt.Errorf("decoding rule set document: %w", err)
	}

	return doc.ToDomain()
}

// EncodeRuleSet marshals a domain rule set as its canonical document.
func EncodeRuleSet(rs domain.RuleSet) ([]byte, error) {
	return json.Marshal(FromDomain(rs))
}

func hoursFromDomain(hours map[time.Weekday]domain.DayHours) map[string]DayHoursDoc {
	if hours == nil {
		return nil
	}
	out := make(map[string]DayHoursDoc, len(hours))
	for day, h := range hours {
		out[weekdayName(day)] = DayHoursDoc(h)
	}
	return out
}

func hoursToDomain(hours map[string]DayHoursDoc) (map[time.Weekday]domain.DayHours, error) {
	if hours == nil {
		return nil, nil
	}
	out := make(map[time.Weekday]domain.DayHours, len(hours))
	for name, h := range hours {
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		out[day] = domain.DayHours(h)
	}
	return out, nil
}

func overrideFromDomain(ov domain.ResourceOverride) OverrideDoc {
	doc := OverrideDoc{
		BusinessHours: hoursFromDomain(ov.BusinessHours),
		SlotIntervals: ov.SlotIntervals,
		BufferMinutes: ov.BufferMinutes,
	}
	if ov.AdvanceWindow != nil {
		w := AdvanceWindowDoc(*ov.AdvanceWindow)
		doc.AdvanceWindow = &w
	}
	for _, a := range ov.Allowances {
		doc.Allowances = append(doc.Allowances, PeriodDoc(a))
	}
	return doc
}

func (d OverrideDoc) toDomain() (domain.ResourceOverride, error) {
	hours, err := hoursToDomain(d.BusinessHours)
	if err != nil {
		return domain.ResourceOverride{}, err
	}

	ov := domain.ResourceOverride{
		BusinessHours: hours,
		SlotIntervals: d.SlotIntervals,
		BufferMinutes: d.BufferMinutes,
	}
	if d.AdvanceWindow != nil {
		w := domain.AdvanceWindow(*d.AdvanceWindow)
		ov.AdvanceWindow = &w
	}
	for _, a := range d.Allowances {
		ov.Allowances = append(ov.Allowances, domain.TimePeriod(a))
	}
	return ov, nil
}
