package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nucleus/collector/internal/core"
)

func TestErrors_Taxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"config", core.ConfigError("bad cron %q", "x"), core.CodeConfig, false},
		{"connection", core.ConnectionError(errors.New("refused")), core.CodeConnection, true},
		{"catalog 4xx", core.CatalogError(422, errors.New("invalid")), core.CodeCatalog, false},
		{"catalog 5xx", core.CatalogError(503, errors.New("unavailable")), core.CodeCatalog, true},
		{"not found", core.NotFound("asset"), core.CodeNotFound, false},
		{"cancelled", core.Cancelled("concurrent_run"), core.CodeCancelled, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), core.CodeConnection, true},
		{"ctx cancel", context.Canceled, core.CodeCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := core.CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf = %q, want %q", got, tt.code)
			}
			if got := core.IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestErrors_WrappedStillClassified(t *testing.T) {
	err := fmt.Errorf("list tables: %w", core.ConnectionError(errors.New("eof")))
	if !core.IsRetryable(err) {
		t.Error("wrapped connection error should stay retryable")
	}
	if core.ConnectionError(err) != err {
		t.Error("ConnectionError should not double-wrap")
	}
}

func TestErrors_NotSupportedAndReason(t *testing.T) {
	err := fmt.Errorf("sample: %w", core.ErrNotSupported)
	if !errors.Is(err, core.ErrNotSupported) {
		t.Error("errors.Is should match NOT_SUPPORTED")
	}
	c := core.Cancelled("concurrent_run")
	if core.CancelReason(c) != "concurrent_run" || !core.IsCancelled(c) {
		t.Errorf("cancel reason = %q", core.CancelReason(c))
	}
}
