package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slotgrid/bookcore/internal/app"
	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/domain"
)

type stubStore struct {
	mu       sync.Mutex
	getCalls int
	updCalls int

	getFn    func(ctx context.Context, tenantID string) (domain.RuleSet, error)
	updateFn func(ctx context.Context, tenantID, field string, value any) (domain.RuleSet, error)
}

func (s *stubStore) Get(ctx context.Context, tenantID string) (domain.RuleSet, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	return s.getFn(ctx, tenantID)
}

func (s *stubStore) UpdateField(ctx context.Context, tenantID, field string, value any) (domain.RuleSet, error) {
	s.mu.Lock()
	s.updCalls++
	s.mu.Unlock()
	return s.updateFn(ctx, tenantID, field, value)
}

func (s *stubStore) gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func (s *stubStore) updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updCalls
}

type stubLedger struct {
	intervals []domain.BookedInterval
	err       error
}

func (l *stubLedger) BookedIntervals(_ context.Context, _, _ string, _ time.Time) ([]domain.BookedInterval, error) {
	return l.intervals, l.err
}

type stubAnalytics struct {
	report domain.AnalyticsReport
	err    error
}

func (a *stubAnalytics) Aggregate(_ context.Context, _, _ string, _, _ time.Time) (domain.AnalyticsReport, error) {
	return a.report, a.err
}

type stubPublisher struct {
	mu        sync.Mutex
	published []domain.RuleSet
	err       error
}

func (p *stubPublisher) PublishRuleChange(_ context.Context, rs domain.RuleSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, rs)
	return p.err
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

var (
	sessDate = time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)
	sessNow  = time.Date(2026, time.September, 7, 6, 0, 0, 0, time.UTC)
)

func sessionRuleSet(version int64) domain.RuleSet {
	hours := make(map[time.Weekday]domain.DayHours)
	for d := time.Sunday; d <= time.Saturday; d++ {
		hours[d] = domain.DayHours{Open: "09:00", Close: "17:00"}
	}
	return domain.RuleSet{
		TenantID:      "tenant-a",
		BusinessHours: hours,
		SlotIntervals: []int{30},
		BufferMinutes: 0,
		AdvanceWindow: domain.AdvanceWindow{MinLeadMinutes: 60, MaxLeadMinutes: 20160},
		Version:       version,
		UpdatedAt:     sessNow,
	}
}

func sessionRequest() domain.BookingRequest {
	return domain.BookingRequest{
		TenantID:        "tenant-a",
		Date:            sessDate,
		Time:            "10:00",
		ResourceID:      "room-1",
		ServiceID:       "svc-1",
		DurationMinutes: 30,
	}
}

func fastRetry() app.Option {
	return app.WithRetryPolicy(app.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
}

func newSession(t *testing.T, store *stubStore, ledger *stubLedger, analytics *stubAnalytics, publisher *stubPublisher) *app.Session {
	t.Helper()
	c, err := cache.New(16, 0)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	if ledger == nil {
		ledger = &stubLedger{}
	}
	if analytics == nil {
		analytics = &stubAnalytics{}
	}
	return app.NewSession(store, ledger, analytics, publisher, c,
		fastRetry(),
		app.WithClock(func() time.Time { return sessNow }),
	)
}

func TestLoadRules_CacheFirst(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	s := newSession(t, store, nil, nil, nil)
	ctx := context.Background()

	rs, err := s.LoadRules(ctx, "tenant-a", false)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if rs.Version != 1 {
		t.Errorf("version = %d, want 1", rs.Version)
	}

	if _, err := s.LoadRules(ctx, "tenant-a", false); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if got := store.gets(); got != 1 {
		t.Errorf("store fetches = %d, want 1 (second load must come from cache)", got)
	}

	stats := s.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestLoadRules_ForceBypassesCache(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	s := newSession(t, store, nil, nil, nil)
	ctx := context.Background()

	if _, err := s.LoadRules(ctx, "tenant-a", false); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := s.LoadRules(ctx, "tenant-a", true); err != nil {
		t.Fatalf("forced load failed: %v", err)
	}
	if got := store.gets(); got != 2 {
		t.Errorf("store fetches = %d, want 2", got)
	}
}

func TestLoadRules_CoalescesConcurrentLoads(t *testing.T) {
	gate := make(chan struct{})
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			<-gate
			return sessionRuleSet(7), nil
		},
	}
	s := newSession(t, store, nil, nil, nil)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]domain.RuleSet, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.LoadRules(ctx, "tenant-a", false)
		}(i)
	}

	// Let all callers pile up behind the single in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Version != 7 {
			t.Errorf("caller %d version = %d, want 7", i, results[i].Version)
		}
	}
	if got := store.gets(); got != 1 {
		t.Errorf("store fetches = %d, want 1 coalesced fetch", got)
	}
}

func TestLoadRules_NotFoundIsNotRetried(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return domain.RuleSet{}, domain.ErrRuleSetNotFound
		},
	}
	s := newSession(t, store, nil, nil, nil)

	_, err := s.LoadRules(context.Background(), "missing", false)
	if !errors.Is(err, domain.ErrRuleSetNotFound) {
		t.Fatalf("expected ErrRuleSetNotFound, got %v", err)
	}
	if got := store.gets(); got != 1 {
		t.Errorf("store fetches = %d, want 1 (not-found must not retry)", got)
	}
}

func TestLoadRules_RetriesTransientErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return domain.RuleSet{}, errors.New("connection reset")
			}
			return sessionRuleSet(2), nil
		},
	}
	s := newSession(t, store, nil, nil, nil)

	rs, err := s.LoadRules(context.Background(), "tenant-a", false)
	if err != nil {
		t.Fatalf("load failed after retries: %v", err)
	}
	if rs.Version != 2 {
		t.Errorf("version = %d, want 2", rs.Version)
	}
	if got := store.gets(); got != 3 {
		t.Errorf("store fetches = %d, want 3", got)
	}
}

func TestLoadRules_ExhaustedRetriesReturnStoreError(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return domain.RuleSet{}, errors.New("down")
		},
	}
	s := newSession(t, store, nil, nil, nil)

	_, err := s.LoadRules(context.Background(), "tenant-a", false)
	var storeErr *domain.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if got := store.gets(); got != 3 {
		t.Errorf("store fetches = %d, want 3 attempts", got)
	}
}

func TestEvaluateBooking_Allowed(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	s := newSession(t, store, &stubLedger{}, nil, nil)

	result, err := s.EvaluateBooking(context.Background(), sessionRequest())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allowed, got violations %+v", result.Violations)
	}
}

func TestEvaluateBooking_InvalidRequestShortCircuits(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	s := newSession(t, store, &stubLedger{}, nil, nil)

	req := sessionRequest()
	req.Time = "25:99"
	result, err := s.EvaluateBooking(context.Background(), req)

	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if result.Allowed {
		t.Error("malformed request must not be allowed")
	}
	if len(result.Violations) == 0 || result.Violations[0].Code != domain.CodeInvalidRequest {
		t.Errorf("violations = %+v, want %s", result.Violations, domain.CodeInvalidRequest)
	}
	if got := store.gets(); got != 0 {
		t.Errorf("store fetches = %d, want 0 for invalid request", got)
	}
}

func TestEvaluateBooking_FailsClosedWhenRulesUnavailable(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return domain.RuleSet{}, errors.New("store down")
		},
	}
	s := newSession(t, store, &stubLedger{}, nil, nil)

	result, err := s.EvaluateBooking(context.Background(), sessionRequest())
	if err == nil {
		t.Fatal("expected an error alongside the fail-closed result")
	}
	if result.Allowed {
		t.Error("store outage must never allow a booking")
	}
	if len(result.Violations) != 1 || result.Violations[0].Code != domain.CodeNoRulesLoaded {
		t.Errorf("violations = %+v, want single %s", result.Violations, domain.CodeNoRulesLoaded)
	}
}

func TestEvaluateBooking_FailsClosedWhenLedgerUnavailable(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	ledger := &stubLedger{err: errors.New("ledger down")}
	s := newSession(t, store, ledger, nil, nil)

	result, err := s.EvaluateBooking(context.Background(), sessionRequest())
	if err == nil {
		t.Fatal("expected an error alongside the fail-closed result")
	}
	if result.Allowed {
		t.Error("ledger outage must never allow a booking")
	}
	if len(result.Violations) != 1 || result.Violations[0].Code != domain.CodeEvaluationFailed {
		t.Errorf("violations = %+v, want single %s", result.Violations, domain.CodeEvaluationFailed)
	}
}

func TestAvailableSlots(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return sessionRuleSet(1), nil
		},
	}
	s := newSession(t, store, &stubLedger{}, nil, nil)

	slots, err := s.AvailableSlots(context.Background(), "tenant-a", sessDate, "room-1", "svc-1", 30, 30)
	if err != nil {
		t.Fatalf("slots failed: %v", err)
	}
	// 09:00 through 16:30 at 30-minute steps.
	if len(slots) != 16 {
		t.Fatalf("len(slots) = %d, want 16", len(slots))
	}
	for _, slot := range slots {
		if !slot.Available {
			t.Errorf("slot %s unexpectedly unavailable: %+v", slot.Time, slot.Violations)
		}
	}
}

func TestAvailableSlots_DegradesOnStoreFailure(t *testing.T) {
	store := &stubStore{
		getFn: func(_ context.Context, _ string) (domain.RuleSet, error) {
			return domain.RuleSet{}, errors.New("store down")
		},
	}
	s := newSession(t, store, &stubLedger{}, nil, nil)

	slots, err := s.AvailableSlots(context.Background(), "tenant-a", sessDate, "room-1", "svc-1", 30, 30)
	if err == nil {
		t.Fatal("expected error when the store is down")
	}
	if slots != nil {
		t.Errorf("slots = %+v, want nil on failure", slots)
	}
}

func TestUpdateRule_WriteThrough(t *testing.T) {
	current := sessionRuleSet(1)
	store := &stubStore{}
	store.getFn = func(_ context.Context, _ string) (domain.RuleSet, error) {
		return current, nil
	}
	store.updateFn = func(_ context.Context, _, field string, value any) (domain.RuleSet, error) {
		current.BufferMinutes = 15
		current.Version++
		return current, nil
	}
	publisher := &stubPublisher{}
	s := newSession(t, store, &stubLedger{}, nil, publisher)
	ctx := context.Background()

	if _, err := s.LoadRules(ctx, "tenant-a", false); err != nil {
		t.Fatalf("priming load failed: %v", err)
	}

	updated, err := s.UpdateRule(ctx, "tenant-a", "buffer_minutes", 15)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}
	if updated.BufferMinutes != 15 {
		t.Errorf("buffer = %d, want 15", updated.BufferMinutes)
	}
	if publisher.count() != 1 {
		t.Errorf("published %d changes, want 1", publisher.count())
	}

	// The cache must have been refreshed with the stored version.
	rs, err := s.LoadRules(ctx, "tenant-a", false)
	if err != nil {
		t.Fatalf("post-update load failed: %v", err)
	}
	if rs.Version != 2 {
		t.Errorf("cached version after update = %d, want 2", rs.Version)
	}
}

func TestUpdateRule_ConflictReturnsStoreState(t *testing.T) {
	winner := sessionRuleSet(5)
	store := &stubStore{}
	store.getFn = func(_ context.Context, _ string) (domain.RuleSet, error) {
		return winner, nil
	}
	store.updateFn = func(_ context.Context, tenantID, _ string, _ any) (domain.RuleSet, error) {
		return domain.RuleSet{}, &domain.ConflictError{
			TenantID:        tenantID,
			ExpectedVersion: 4,
			StoreVersion:    5,
		}
	}
	s := newSession(t, store, &stubLedger{}, nil, &stubPublisher{})

	rs, err := s.UpdateRule(context.Background(), "tenant-a", "buffer_minutes", 15)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.StoreVersion != 5 {
		t.Errorf("conflict store version = %d, want 5", conflict.StoreVersion)
	}
	if rs.Version != 5 {
		t.Errorf("returned rule set version = %d, want the concurrent winner 5", rs.Version)
	}
	if got := store.updates(); got != 1 {
		t.Errorf("update calls = %d, want 1 (conflicts must not retry)", got)
	}
}

func TestUpdateRule_PublishFailureIsNonFatal(t *testing.T) {
	current := sessionRuleSet(1)
	store := &stubStore{}
	store.getFn = func(_ context.Context, _ string) (domain.RuleSet, error) {
		return current, nil
	}
	store.updateFn = func(_ context.Context, _, _ string, _ any) (domain.RuleSet, error) {
		current.Version++
		return current, nil
	}
	publisher := &stubPublisher{err: errors.New("broker down")}
	s := newSession(t, store, &stubLedger{}, nil, publisher)

	updated, err := s.UpdateRule(context.Background(), "tenant-a", "buffer_minutes", 15)
	if err != nil {
		t.Fatalf("update must succeed despite publish failure: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
}

func TestAnalytics_Passthrough(t *testing.T) {
	report := domain.AnalyticsReport{
		Metric: "bookings_per_day",
		Points: []domain.AnalyticsPoint{{Label: "2026-09-07", Value: 12}},
	}
	s := newSession(t, &stubStore{}, nil, &stubAnalytics{report: report}, nil)

	got, err := s.Analytics(context.Background(), "tenant-a", "bookings_per_day", sessDate, sessDate.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}
	if len(got.Points) != 1 || got.Points[0].Value != 12 {
		t.Errorf("report = %+v, want the stored aggregate", got)
	}
}

func TestAnalytics_WrapsStoreFailure(t *testing.T) {
	s := newSession(t, &stubStore{}, nil, &stubAnalytics{err: errors.New("down")}, nil)

	_, err := s.Analytics(context.Background(), "tenant-a", "bookings_per_day", sessDate, sessDate)
	var storeErr *domain.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}
