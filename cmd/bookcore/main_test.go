package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	handler "github.com/slotgrid/bookcore/internal/adapter/http"
	"github.com/slotgrid/bookcore/internal/adapter/sqlite"
	"github.com/slotgrid/bookcore/internal/app"
	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/domain"
)

// testPublisher is a local ChangePublisher for the smoke test.
// The smoke test verifies HTTP wiring, not River.
type testPublisher struct{}

func (p *testPublisher) PublishRuleChange(_ context.Context, _ domain.RuleSet) error {
	return nil
}

// TestSmoke wires the stack like main() and verifies it responds.
func TestSmoke(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"

	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ruleCache, err := cache.New(64, 0)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	svc := app.NewSession(store, store, store, &testPublisher{}, ruleCache)

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("bookcore", "0.1.0"))
	handler.Register(api, svc, nil)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	// Seed one tenant directly, then fetch its rules over HTTP.
	rs := domain.RuleSet{
		TenantID: "smoke-tenant",
		BusinessHours: map[time.Weekday]domain.DayHours{
			time.Monday: {Open: "09:00", Close: "17:00"},
		},
		SlotIntervals: []int{30},
		AdvanceWindow: domain.AdvanceWindow{MinLeadMinutes: 60, MaxLeadMinutes: 525600},
		Version:       1,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := store.Save(context.Background(), rs); err != nil {
		t.Fatalf("seeding rules: %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/api/v1/tenants/smoke-tenant/rules", nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET rules failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["tenant_id"] != "smoke-tenant" {
		t.Errorf("tenant_id = %v, want smoke-tenant", doc["tenant_id"])
	}
}

// TestRun exercises the real run() function end-to-end: OTel, River, HTTP
// server, and graceful shutdown. It uses the stdout OTel exporter and a
// temp database to avoid external dependencies.
func TestRun(t *testing.T) {
	t.Setenv("DB_PATH", t.TempDir()+"/test-run.db")
	t.Setenv("HTTP_HOST", "127.0.0.1")
	t.Setenv("HTTP_PORT", "19876")
	t.Setenv("OTEL_EXPORTER", "stdout")
	t.Setenv("OTEL_ENVIRONMENT", "test")

	// Discard OTel stdout exporter output during the test.
	origStdout := os.Stdout
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening /dev/null: %v", err)
	}
	os.Stdout = devNull
	t.Cleanup(func() {
		os.Stdout = origStdout
		devNull.Close()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- run() }()

	// Wait for the HTTP server to become ready.
	serverURL := "http://127.0.0.1:19876"
	ready := false
	for i := 0; i < 50; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, serverURL+"/api/v1/cache/stats", nil)
		resp, reqErr := http.DefaultClient.Do(req)
		if reqErr == nil {
			resp.Body.Close()
			ready = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !ready {
		t.Fatal("server did not start within 5 seconds")
	}

	// Verify the API responds correctly.
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, serverURL+"/api/v1/cache/stats", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/cache/stats failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Send SIGINT to trigger graceful shutdown.
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("finding process: %v", err)
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("sending SIGINT: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not exit within 10 seconds")
	}
}

// TestRun_InvalidDB verifies run() returns an error for an unusable
// database path.
func TestRun_InvalidDB(t *testing.T) {
	t.Setenv("DB_PATH", "/nonexistent/path/db.sqlite")
	t.Setenv("HTTP_PORT", "19877")
	t.Setenv("OTEL_EXPORTER", "stdout")
	t.Setenv("OTEL_ENVIRONMENT", "test")

	// Discard OTel stdout output.
	origStdout := os.Stdout
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("opening /dev/null: %v", err)
	}
	os.Stdout = devNull
	t.Cleanup(func() {
		os.Stdout = origStdout
		devNull.Close()
	})

	if err := run(); err == nil {
		t.Fatal("expected error for invalid database path, got nil")
	}
}
