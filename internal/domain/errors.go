package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrRuleSetNotFound  = errors.New("rule set not found")
	ErrNoRulesLoaded    = errors.New("no rules loaded")
	ErrDuplicateBooking = errors.New("booking already exists")
	ErrUnknownMetric    = errors.New("unknown analytics metric")
)

// ValidationError is returned for a structurally malformed BookingRequest.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid booking request: field %q %s", e.Field, e.Reason)
}

// StoreError wraps a failure talking to the external rule store or
// booking ledger. Retried with capped backoff at the facade level.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rule store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConflictError is returned when an update write is rejected because the
// store's version advanced concurrently. The caller must reload rather
// than overwrite.
type ConflictError struct {
	TenantID        string
	ExpectedVersion int64
	StoreVersion    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rule update conflict for tenant %q: expected version %d, store has %d",
		e.TenantID, e.ExpectedVersion, e.StoreVersion)
}

// SyncError wraps a real-time channel failure. It is handled inside the
// sync state machine and surfaced through the OnError callback.
type SyncError struct {
	TenantID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("realtime sync for tenant %q: %v", e.TenantID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// SyncTransitionError is returned when a sync channel event is not valid
// from the session's current status.
type SyncTransitionError struct {
	Event   SyncEvent
	Current SyncStatus
}

func (e *SyncTransitionError) Error() string {
	return fmt.Sprintf("sync event %q is not valid from status %q", e.Event, e.Current)
}
