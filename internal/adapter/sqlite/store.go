package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/slotgrid/bookcore/internal/canon"
	"github.com/slotgrid/bookcore/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time checks: Store implements the domain ports.
var (
	_ domain.RuleStore      = (*Store)(nil)
	_ domain.BookingLedger  = (*Store)(nil)
	_ domain.AnalyticsStore = (*Store)(nil)
)

// updatableFields is the whitelist of canonical rule fields UpdateField
// accepts. Anything else is rejected before touching the database.
var updatableFields = map[string]bool{
	"business_hours":           true,
	"slot_intervals":           true,
	"buffer_minutes":           true,
	"advance_window":           true,
	"blackouts":                true,
	"overrides":                true,
	"window_edge_warn_minutes": true,
}

// Store implements the rule store, booking ledger and analytics ports
// using SQLite. Rule sets are stored as canonical JSON documents with a
// version column for optimistic concurrency.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, runs migrations, and returns a ready store.
func New(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and
// returns a ready store. Use this when the *sql.DB has been
// pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other
// adapters (e.g., river).
func (s *Store) DB() *sql.DB {
	return s.db
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const timeFormat = "2006-01-02T15:04:05Z"
const dayFormat = "2006-01-02"

// Get returns the tenant's rule set decoded from its stored canonical
// document.
func (s *Store) Get(ctx context.Context, tenantID string) (domain.RuleSet, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM rule_sets WHERE tenant_id = ?`, tenantID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RuleSet{}, domain.ErrRuleSetNotFound
		}
		return domain.RuleSet{}, fmt.Errorf("querying rule set: %w", err)
	}

	rs, err := canon.DecodeRuleSet([]byte(payload))
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("decoding stored rule set: %w", err)
	}
	return rs, nil
}

// Save upserts a complete rule set document. Intended for seeding and
// full replacements; field-level edits go through UpdateField.
func (s *Store) Save(ctx context.Context, rs domain.RuleSet) error {
	payload, err := canon.EncodeRuleSet(rs)
	if err != nil {
		return fmt.Errorf("encoding rule set: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_sets (tenant_id, payload, version, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   payload = excluded.payload,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		rs.TenantID, string(payload), rs.Version, rs.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving rule set: %w", err)
	}
	return nil
}

// UpdateField applies one canonical-field edit to the stored document,
// bumps the version, and returns the updated rule set. A concurrent
// version advance between read and write yields a ConflictError.
func (s *Store) UpdateField(ctx context.Context, tenantID, field string, value any) (domain.RuleSet, error) {
	field = canon.Key(field, true)
	if !updatableFields[field] {
		return domain.RuleSet{}, &domain.ValidationError{Field: field, Reason: "is not an updatable rule field"}
	}

	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM rule_sets WHERE tenant_id = ?`, tenantID,
	).Scan(&payload, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RuleSet{}, domain.ErrRuleSetNotFound
		}
		return domain.RuleSet{}, fmt.Errorf("querying rule set: %w", err)
	}

	doc := make(map[string]any)
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return domain.RuleSet{}, fmt.Errorf("decoding stored document: %w", err)
	}

	doc[field] = canon.Normalize(value, true)
	doc["version"] = version + 1
	now := time.Now().UTC()
	doc["updated_at"] = now.Format(time.RFC3339)

	updated, err := json.Marshal(doc)
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("encoding updated document: %w", err)
	}

	// Reject malformed values before they reach the table.
	rs, err := canon.DecodeRuleSet(updated)
	if err != nil {
		return domain.RuleSet{}, &domain.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("rejected: %v", err),
		}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE rule_sets SET payload = ?, version = ?, updated_at = ?
		 WHERE tenant_id = ? AND version = ?`,
		string(updated), version+1, now.Format(timeFormat), tenantID, version,
	)
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("updating rule set: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		var current int64
		scanErr := s.db.QueryRowContext(ctx,
			`SELECT version FROM rule_sets WHERE tenant_id = ?`, tenantID,
		).Scan(&current)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return domain.RuleSet{}, domain.ErrRuleSetNotFound
		}
		return domain.RuleSet{}, &domain.ConflictError{
			TenantID:        tenantID,
			ExpectedVersion: version,
			StoreVersion:    current,
		}
	}

	return rs, nil
}

// CreateBooking records a committed appointment and returns its ID. A
// second booking on the same resource at the same start time is
// rejected with ErrDuplicateBooking.
func (s *Store) CreateBooking(ctx context.Context, tenantID, resourceID, serviceID string, start, end time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, tenant_id, resource_id, service_id, day, start_at, end_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, resourceID, serviceID,
		start.UTC().Format(dayFormat),
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrDuplicateBooking
		}
		return "", fmt.Errorf("inserting booking: %w", err)
	}
	return id, nil
}

// BookedIntervals returns the committed intervals for one resource on
// one day, ordered by start time.
func (s *Store) BookedIntervals(ctx context.Context, tenantID, resourceID string, date time.Time) ([]domain.BookedInterval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_at, end_at FROM bookings
		 WHERE tenant_id = ? AND resource_id = ? AND day = ?
		 ORDER BY start_at`,
		tenantID, resourceID, date.UTC().Format(dayFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("querying bookings: %w", err)
	}
	defer rows.Close()

	var intervals []domain.BookedInterval
	for rows.Next() {
		var startAt, endAt string
		if err := rows.Scan(&startAt, &endAt); err != nil {
			return nil, fmt.Errorf("scanning booking row: %w", err)
		}

		start, err := time.Parse(timeFormat, startAt)
		if err != nil {
			return nil, fmt.Errorf("parsing booking start %q: %w", startAt, err)
		}
		end, err := time.Parse(timeFormat, endAt)
		if err != nil {
			return nil, fmt.Errorf("parsing booking end %q: %w", endAt, err)
		}
		intervals = append(intervals, domain.BookedInterval{Start: start, End: end})
	}

	return intervals, rows.Err()
}

// Aggregate serves the supported analytics metrics from the bookings
// table.
func (s *Store) Aggregate(ctx context.Context, tenantID, metric string, from, to time.Time) (domain.AnalyticsReport, error) {
	report := domain.AnalyticsReport{Metric: metric, From: from, To: to}

	var query string
	switch metric {
	case "bookings_per_day":
		query = `SELECT day, COUNT(*) FROM bookings
		         WHERE tenant_id = ? AND day >= ? AND day < ?
		         GROUP BY day ORDER BY day`
	case "resource_utilization":
		query = `SELECT resource_id,
		                SUM((julianday(end_at) - julianday(start_at)) * 1440)
		         FROM bookings
		         WHERE tenant_id = ? AND day >= ? AND day < ?
		         GROUP BY resource_id ORDER BY resource_id`
	default:
		return domain.AnalyticsReport{}, fmt.Errorf("%w: %q", domain.ErrUnknownMetric, metric)
	}

	rows, err := s.db.QueryContext(ctx, query,
		tenantID, from.UTC().Format(dayFormat), to.UTC().Format(dayFormat),
	)
	if err != nil {
		return domain.AnalyticsReport{}, fmt.Errorf("querying %s: %w", metric, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.AnalyticsPoint
		if err := rows.Scan(&p.Label, &p.Value); err != nil {
			return domain.AnalyticsReport{}, fmt.Errorf("scanning %s row: %w", metric, err)
		}
		report.Points = append(report.Points, p)
	}

	return report, rows.Err()
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
