package domain_test

import (
	"testing"
	"time"

	"github.com/slotgrid/bookcore/internal/domain"
)

func TestEffective_NoOverride_UsesTenantDefaults(t *testing.T) {
	rs := baseRuleSet()
	rs.BufferMinutes = 5
	rs.AdvanceWindow = domain.AdvanceWindow{MinLeadMinutes: 60}

	c := rs.Effective("r-unknown")

	if c.BufferMinutes != 5 {
		t.Errorf("BufferMinutes = %d, want 5", c.BufferMinutes)
	}
	if c.AdvanceWindow.MinLeadMinutes != 60 {
		t.Errorf("MinLeadMinutes = %d, want 60", c.AdvanceWindow.MinLeadMinutes)
	}
	if c.DefaultInterval() != 30 {
		t.Errorf("DefaultInterval = %d, want 30", c.DefaultInterval())
	}
}

func TestEffective_OverrideWinsFieldByField(t *testing.T) {
	buffer := 20
	rs := baseRuleSet()
	rs.BufferMinutes = 5
	rs.AdvanceWindow = domain.AdvanceWindow{MinLeadMinutes: 60}
	rs.Overrides = map[string]domain.ResourceOverride{
		"r-1": {
			BufferMinutes: &buffer,
			SlotIntervals: []int{15},
		},
	}

	c := rs.Effective("r-1")

	// Overridden fields win.
	if c.BufferMinutes != 20 {
		t.Errorf("BufferMinutes = %d, want 20", c.BufferMinutes)
	}
	if c.DefaultInterval() != 15 {
		t.Errorf("DefaultInterval = %d, want 15", c.DefaultInterval())
	}

	// Unset fields inherit.
	if c.AdvanceWindow.MinLeadMinutes != 60 {
		t.Errorf("MinLeadMinutes = %d, want inherited 60", c.AdvanceWindow.MinLeadMinutes)
	}
	if len(c.Hours) != 7 {
		t.Errorf("Hours not inherited: %d entries", len(c.Hours))
	}
}

func TestEffective_FiltersBlackoutsByResource(t *testing.T) {
	rs := baseRuleSet()
	rs.Blackouts = []domain.BlackoutPeriod{
		{Start: at("10:00"), End: at("11:00")},
		{Start: at("12:00"), End: at("13:00"), ResourceID: "r-1"},
		{Start: at("14:00"), End: at("15:00"), ResourceID: "r-2"},
	}

	c := rs.Effective("r-1")

	if len(c.Blackouts) != 2 {
		t.Fatalf("len(Blackouts) = %d, want 2 (tenant-wide + r-1)", len(c.Blackouts))
	}
	for _, b := range c.Blackouts {
		if b.ResourceID == "r-2" {
			t.Error("r-2 blackout leaked into r-1 constraints")
		}
	}
}

func TestTimePeriod_Overlaps(t *testing.T) {
	base := domain.TimePeriod{Start: at("10:00"), End: at("11:00")}

	cases := []struct {
		name  string
		other domain.TimePeriod
		want  bool
	}{
		{"identical", domain.TimePeriod{Start: at("10:00"), End: at("11:00")}, true},
		{"contained", domain.TimePeriod{Start: at("10:15"), End: at("10:45")}, true},
		{"partial front", domain.TimePeriod{Start: at("09:30"), End: at("10:30")}, true},
		{"touching end is exclusive", domain.TimePeriod{Start: at("11:00"), End: at("12:00")}, false},
		{"touching start is exclusive", domain.TimePeriod{Start: at("09:00"), End: at("10:00")}, false},
		{"disjoint", domain.TimePeriod{Start: at("13:00"), End: at("14:00")}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := base.Overlaps(c.other); got != c.want {
				t.Errorf("Overlaps = %v, want %v", got, c.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	mins, err := domain.ParseClock("09:30")
	if err != nil {
		t.Fatalf("ParseClock failed: %v", err)
	}
	if mins != 570 {
		t.Errorf("ParseClock(09:30) = %d, want 570", mins)
	}

	if _, err := domain.ParseClock("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
	if _, err := domain.ParseClock("oops"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestBookingRequest_Validate(t *testing.T) {
	valid := domain.BookingRequest{
		TenantID:        "t-1",
		Date:            testDate,
		Time:            "10:00",
		ResourceID:      "r-1",
		ServiceID:       "s-1",
		DurationMinutes: 30,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*domain.BookingRequest)
		field  string
	}{
		{"missing tenant", func(r *domain.BookingRequest) { r.TenantID = "" }, "tenant_id"},
		{"missing date", func(r *domain.BookingRequest) { r.Date = time.Time{} }, "date"},
		{"missing time", func(r *domain.BookingRequest) { r.Time = "" }, "time"},
		{"missing resource", func(r *domain.BookingRequest) { r.ResourceID = "" }, "resource_id"},
		{"missing service", func(r *domain.BookingRequest) { r.ServiceID = "" }, "service_id"},
		{"zero duration", func(r *domain.BookingRequest) { r.DurationMinutes = 0 }, "duration_minutes"},
		{"bad clock", func(r *domain.BookingRequest) { r.Time = "9am" }, "time"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := valid
			c.mutate(&req)

			err := req.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			vErr, ok := err.(*domain.ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if vErr.Field != c.field {
				t.Errorf("Field = %q, want %q", vErr.Field, c.field)
			}
		})
	}
}
