package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nucleus/collector/internal/api"
	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
	"github.com/nucleus/collector/internal/queue"
	"github.com/nucleus/collector/internal/scheduler"
)

type fixture struct {
	store  *execution.MemoryStore
	queue  *queue.Memory
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalog.NewMemory()
	cat.AddIngestion(core.IngestionSpec{ID: "ing-1"})

	f := &fixture{store: execution.NewMemoryStore(), queue: queue.NewMemory()}
	sched := scheduler.New(cat, f.store, f.queue)
	sched.Log = logger.Discard()

	router := api.NewRouter(api.Deps{
		Trigger: sched,
		Store:   f.store,
		Metrics: metrics.New(),
		Log:     logger.Discard(),
	}, "test")
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, respBody
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestTriggerExecution(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/ingestions/ing-1/executions", `{"triggered_by":"alice"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var e execution.Execution
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.TriggerMode != execution.TriggerAPI || e.TriggeredBy != "alice" || e.Status != execution.StatusPreparing {
		t.Errorf("execution = %+v", e)
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", f.queue.Len())
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/ingestions/ing-1/executions", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("trigger without body = %d", resp.StatusCode)
	}
}

func TestTriggerExecution_UnknownIngestion(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/ingestions/nope/executions", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestGetExecution(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.CreateExecution(context.Background(), "ing-1", execution.TriggerManual, "cli", time.Now()); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/api/v1/executions/1", http.StatusOK},
		{"missing", "/api/v1/executions/99", http.StatusNotFound},
		{"malformed", "/api/v1/executions/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, tt.path, "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestGetLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.store.CreateExecution(ctx, "ing-1", execution.TriggerManual, "cli", time.Now())
	if err := f.store.AppendLog(ctx, e.ID, "info", "ingestion started"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/executions/1/logs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var l execution.Log
	if err := json.Unmarshal(body, &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(l.Entries) != 1 || l.Entries[0].Level != "INFO" {
		t.Errorf("entries = %+v", l.Entries)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/executions/1/logs?format=text", "")
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") || !strings.Contains(string(body), "ingestion started") {
		t.Errorf("text logs = %q (%s)", body, resp.Header.Get("Content-Type"))
	}
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.store.CreateExecution(ctx, "ing-1", execution.TriggerManual, "cli", time.Now())
	if err := f.store.UpdateStatus(ctx, e.ID, execution.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/executions/1/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	got, _ := f.store.Get(ctx, e.ID)
	if got.Status != execution.StatusCancelled || got.Reason != execution.ReasonUserCancelled {
		t.Errorf("execution = %s (%s)", got.Status, got.Reason)
	}

	// a terminal execution cannot be cancelled again
	resp, _ = f.do(t, http.MethodPost, "/api/v1/executions/1/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
