package logger_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nucleus/collector/internal/logger"
)

func TestCapture_RecordsEntriesAndTeesOutput(t *testing.T) {
	var out bytes.Buffer
	parent := logger.New(&logger.Config{Level: "debug", Format: "text", Output: &out})

	log, capture := logger.NewCapture(parent.WithField("execution_id", 7))
	log.Info("ingestion started")
	log.WithError(errors.New("boom")).Warn("attempt failed")
	log.Debug("below info is not captured")

	entries := capture.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != "INFO" || entries[1].Level != "WARNING" {
		t.Errorf("levels = %s, %s", entries[0].Level, entries[1].Level)
	}

	blob := capture.Blob()
	if !strings.Contains(blob, "attempt failed error=boom") {
		t.Errorf("blob missing rendered fields:\n%s", blob)
	}
	if strings.Contains(blob, "execution_id") {
		t.Error("process-only fields should not appear in the blob")
	}
	if !strings.Contains(out.String(), "ingestion started") {
		t.Error("captured logger should still write to the parent output")
	}

	capture.Reset()
	if capture.Blob() != "" {
		t.Error("Reset should clear the buffer")
	}
}

func TestFromContext_Default(t *testing.T) {
	if logger.FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger should return the default logger")
	}
}
