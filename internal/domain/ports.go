package domain

import (
	"context"
	"time"
)

// RuleStore is the external, authoritative store of rule records.
// Implementations must return payloads already normalized to canonical
// field form. UpdateField bumps the version on success and returns
// ConflictError when the store's version advanced concurrently.
type RuleStore interface {
	Get(ctx context.Context, tenantID string) (RuleSet, error)
	UpdateField(ctx context.Context, tenantID, field string, value any) (RuleSet, error)
}

// BookingLedger reports already-committed appointment intervals; it is
// owned by an external collaborator and consumed read-only by the
// evaluator's overlap check.
type BookingLedger interface {
	BookedIntervals(ctx context.Context, tenantID, resourceID string, date time.Time) ([]BookedInterval, error)
}

// AnalyticsPoint is one labeled value in an aggregate series.
type AnalyticsPoint struct {
	Label string
	Value float64
}

// AnalyticsReport is the aggregate returned for one metric over a range.
type AnalyticsReport struct {
	Metric string
	From   time.Time
	To     time.Time
	Points []AnalyticsPoint
}

// AnalyticsStore serves read-only aggregates; this core never computes
// them itself.
type AnalyticsStore interface {
	Aggregate(ctx context.Context, tenantID, metric string, from, to time.Time) (AnalyticsReport, error)
}

// ChangePublisher fans a persisted rule change out to interested
// parties (realtime subscribers on other nodes, audit consumers).
type ChangePublisher interface {
	PublishRuleChange(ctx context.Context, rs RuleSet) error
}

// SyncTransitionValidator validates sync-session state changes against
// SyncTransitions.
type SyncTransitionValidator interface {
	Apply(ctx context.Context, current SyncStatus, event SyncEvent) (SyncStatus, error)
}

// RealtimeConn is one live subscription to a tenant's channel. Receive
// blocks until the next message, the connection drops, or ctx is done.
type RealtimeConn interface {
	Receive(ctx context.Context) (SyncMessage, error)
	Close() error
}

// RealtimeTransport dials tenant channels. Implementations normalize
// incoming payloads to canonical form before decoding.
type RealtimeTransport interface {
	Connect(ctx context.Context, tenantID string) (RealtimeConn, error)
}
