package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/slotgrid/bookcore/internal/domain"
)

func TestStoreError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &domain.StoreError{Op: "get", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "get") {
		t.Errorf("Error() = %q, should mention the operation", err.Error())
	}
}

func TestConflictError_Message(t *testing.T) {
	err := &domain.ConflictError{TenantID: "t-1", ExpectedVersion: 4, StoreVersion: 5}

	msg := err.Error()
	if !strings.Contains(msg, "t-1") || !strings.Contains(msg, "4") || !strings.Contains(msg, "5") {
		t.Errorf("Error() = %q, should mention tenant and both versions", msg)
	}
}

func TestSyncError_WrapsThroughFmt(t *testing.T) {
	cause := &domain.SyncError{TenantID: "t-1", Err: errors.New("socket closed")}
	wrapped := fmt.Errorf("subscribing: %w", cause)

	var syncErr *domain.SyncError
	if !errors.As(wrapped, &syncErr) {
		t.Fatal("errors.As should find SyncError through wrapping")
	}
	if syncErr.TenantID != "t-1" {
		t.Errorf("TenantID = %q, want t-1", syncErr.TenantID)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &domain.ValidationError{Field: "date", Reason: "required"}
	if !strings.Contains(err.Error(), "date") {
		t.Errorf("Error() = %q, should mention the field", err.Error())
	}
}
