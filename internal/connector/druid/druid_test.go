package druid_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nucleus/collector/internal/connector/druid"
	collectorhttp "github.com/nucleus/collector/internal/connector/http"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

func connectionFor(t *testing.T, srv *httptest.Server) core.Connection {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return core.Connection{Host: host, Port: p}
}

func newDruid(t *testing.T, handler http.HandlerFunc) *druid.Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts := collectorhttp.DefaultOptions()
	opts.RetryWait = time.Millisecond
	c, err := druid.NewWithClient(connectionFor(t, srv), &opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func sqlHandler(t *testing.T, answers map[string][][]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != druid.SQLPath {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Query        string `json:"query"`
			ResultFormat string `json:"resultFormat"`
			Header       bool   `json:"header"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Header || req.ResultFormat != "array" {
			t.Errorf("request must ask for header=true array results: %+v", req)
		}
		for marker, rows := range answers {
			if strings.Contains(req.Query, marker) {
				_ = json.NewEncoder(w).Encode(rows)
				return
			}
		}
		t.Errorf("unexpected query %s", req.Query)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestConnector_Capabilities(t *testing.T) {
	c, err := druid.New(core.Connection{Host: "druid"})
	if err != nil {
		t.Fatal(err)
	}
	caps := c.Capabilities()
	if caps.SupportsDatabase || caps.SupportsSchema || caps.SupportsPK || caps.SupportsViews {
		t.Errorf("caps = %+v", caps)
	}
	dbs, _ := c.ListDatabases(context.Background())
	if len(dbs) != 1 || dbs[0].Name != "default" {
		t.Errorf("databases = %+v", dbs)
	}
}

func TestConnector_ListTables(t *testing.T) {
	c := newDruid(t, sqlHandler(t, map[string][][]any{
		"INFORMATION_SCHEMA.TABLES": {
			{"TABLE_NAME"},
			{"clicks"},
			{"wikipedia"},
		},
		"INFORMATION_SCHEMA.COLUMNS": {
			{"TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "ORDINAL_POSITION"},
			{"clicks", "__time", "TIMESTAMP", "NO", 1},
			{"clicks", "user", "VARCHAR", "YES", 2},
			{"clicks", "count", "BIGINT", "NO", 3},
			{"wikipedia", "__time", "TIMESTAMP", "NO", 1},
			{"wikipedia", "unique_users", "COMPLEX<hyperUnique>", "YES", 2},
		},
	}))

	tables, err := c.ListTables(context.Background(), "default", "")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}
	clicks := tables[0]
	if clicks.Name != "clicks" || len(clicks.Columns) != 3 {
		t.Fatalf("clicks = %+v", clicks)
	}
	if clicks.Columns[2].DataType != core.TypeBigInt || clicks.Columns[2].Position != 3 {
		t.Errorf("count column = %+v", clicks.Columns[2])
	}
	if clicks.Columns[1].DataType != core.TypeVarchar || !clicks.Columns[1].Nullable {
		t.Errorf("user column = %+v", clicks.Columns[1])
	}
	if got := tables[1].Columns[1].DataType; got != core.TypeStruct {
		t.Errorf("complex column type = %s", got)
	}
}

func TestConnector_Sample(t *testing.T) {
	c := newDruid(t, sqlHandler(t, map[string][][]any{
		`FROM "druid"."clicks" LIMIT 2`: {
			{"__time", "user"},
			{"2024-01-01T00:00:00.000Z", "ann"},
			{"2024-01-01T00:01:00.000Z", "bob"},
		},
	}))
	rows, err := endpoint.Sample(context.Background(), c, endpoint.TableRef{Database: "default", Table: "clicks"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1]["user"] != "bob" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestConnector_ServerErrorIsConnectionError(t *testing.T) {
	calls := 0
	c := newDruid(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.ListTables(context.Background(), "default", "")
	if core.CodeOf(err) != core.CodeConnection {
		t.Fatalf("expected CONNECTION_ERROR, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d", calls)
	}
}

func TestConnector_BadQueryIsNotRetried(t *testing.T) {
	calls := 0
	c := newDruid(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"SQL parse failed"}`, http.StatusBadRequest)
	})
	if _, err := c.ListTables(context.Background(), "default", ""); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}
