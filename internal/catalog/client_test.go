package catalog_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
)

func newServer(t *testing.T) (*catalog.Memory, *catalog.Client) {
	t.Helper()
	mem := catalog.NewMemory()
	mem.AddProvider(core.Provider{
		ID:   "p1",
		Name: "warehouse",
		Type: core.ProviderPostgres,
		Connections: []core.Connection{
			{ID: "c1", Host: "db.local", Port: 5432, User: "reader"},
		},
	})
	srv := httptest.NewServer(catalog.Handler(mem))
	t.Cleanup(srv.Close)
	return mem, catalog.NewClient(catalog.Config{BaseURL: srv.URL, RetryWait: time.Millisecond})
}

// =============================================================================
// ASSETS
// =============================================================================

func TestClient_CreateGetUpdate(t *testing.T) {
	_, c := newServer(t)
	ctx := context.Background()

	db, err := c.Create(ctx, core.KindDatabase, map[string]any{
		"name":                 "sales",
		"fully_qualified_name": "db.warehouse.sales",
		"provider_id":          "p1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if db.ID == "" {
		t.Fatal("expected generated id")
	}
	if db.Tree["provider"].ID != "p1" {
		t.Errorf("tree provider = %+v", db.Tree["provider"])
	}

	got, err := c.Get(ctx, core.KindDatabase, "db.warehouse.sales")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "sales" || got.Version.String() != "0.0.0" {
		t.Errorf("got name=%q version=%s", got.Name, got.Version)
	}

	upd, err := c.Update(ctx, core.KindDatabase, "db.warehouse.sales", map[string]any{
		"description": "orders and invoices",
		"version":     "1.0.0",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if upd.Description != "orders and invoices" || upd.Version.Major != 1 {
		t.Errorf("update not applied: %+v", upd.AssetHeader)
	}
	if upd.ID != db.ID {
		t.Errorf("id changed on update: %s -> %s", db.ID, upd.ID)
	}
}

func TestClient_ExistsAndNotFound(t *testing.T) {
	_, c := newServer(t)
	ctx := context.Background()

	ok, err := c.Exists(ctx, "db.warehouse.missing")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected missing asset to not exist")
	}

	_, err = c.Get(ctx, core.KindTable, "tb.warehouse.missing.public.t")
	if !core.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}

	if _, err := c.Create(ctx, core.KindDatabase, map[string]any{
		"name": "sales", "fully_qualified_name": "db.warehouse.sales", "provider_id": "p1",
	}); err != nil {
		t.Fatal(err)
	}
	ok, err = c.Exists(ctx, "db.warehouse.sales")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestClient_DuplicateCreateConflicts(t *testing.T) {
	_, c := newServer(t)
	ctx := context.Background()
	body := map[string]any{"name": "sales", "fully_qualified_name": "db.warehouse.sales", "provider_id": "p1"}
	if _, err := c.Create(ctx, core.KindDatabase, body); err != nil {
		t.Fatal(err)
	}
	_, err := c.Create(ctx, core.KindDatabase, body)
	if core.CodeOf(err) != core.CodeCatalog {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if core.IsRetryable(err) {
		t.Error("409 must not be retryable")
	}
}

func TestClient_ListPagesAndDisableMany(t *testing.T) {
	mem := catalog.NewMemory()
	mem.AddProvider(core.Provider{ID: "p1", Name: "warehouse"})
	srv := httptest.NewServer(catalog.Handler(mem))
	defer srv.Close()
	c := catalog.NewClient(catalog.Config{BaseURL: srv.URL, PageSize: 2})
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		a, err := c.Create(ctx, core.KindDatabase, map[string]any{
			"name": name, "fully_qualified_name": "db.warehouse." + name, "provider_id": "p1",
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}

	all, err := c.List(ctx, core.KindDatabase, catalog.ListQuery{ParentID: "p1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 databases across pages, got %d", len(all))
	}

	if err := c.DisableMany(ctx, ids[:2]); err != nil {
		t.Fatalf("DisableMany: %v", err)
	}
	live, err := c.List(ctx, core.KindDatabase, catalog.ListQuery{ParentID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 3 {
		t.Errorf("expected 3 live databases, got %d", len(live))
	}
	withDeleted, err := c.List(ctx, core.KindDatabase, catalog.ListQuery{ParentID: "p1", IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	deleted := 0
	for _, a := range withDeleted {
		if a.Deleted {
			deleted++
		}
	}
	if len(withDeleted) != 5 || deleted != 2 {
		t.Errorf("include_deleted: total=%d deleted=%d", len(withDeleted), deleted)
	}
}

// =============================================================================
// RETRIES & AUTH
// =============================================================================

func TestClient_RetriesServerErrors(t *testing.T) {
	mem := catalog.NewMemory()
	mem.AddProvider(core.Provider{ID: "p1", Name: "warehouse"})
	var calls atomic.Int32
	mem.Fail = func(op, key string) error {
		if op == "GetProvider" && calls.Add(1) <= 2 {
			return core.CatalogError(http.StatusBadGateway, nil)
		}
		return nil
	}
	srv := httptest.NewServer(catalog.Handler(mem))
	defer srv.Close()

	c := catalog.NewClient(catalog.Config{BaseURL: srv.URL, RetryWait: time.Millisecond})
	p, err := c.GetProvider(context.Background(), "p1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if p.Name != "warehouse" {
		t.Errorf("provider name = %q", p.Name)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := catalog.NewClient(catalog.Config{BaseURL: srv.URL, Retries: 3, RetryWait: time.Millisecond})
	_, err := c.GetIngestion(context.Background(), "i1")
	if core.CodeOf(err) != core.CodeCatalog {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if !core.IsRetryable(err) {
		t.Error("5xx catalog error should be retryable")
	}
	if calls.Load() != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d", calls.Load())
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	var header atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"i1","provider_id":"p1","name":"nightly"}`))
	}))
	defer srv.Close()

	tokens := catalog.NewTokenSource("s3cret", "collector-test", time.Hour)
	c := catalog.NewClient(catalog.Config{BaseURL: srv.URL, Tokens: tokens})
	spec, err := c.GetIngestion(context.Background(), "i1")
	if err != nil {
		t.Fatalf("GetIngestion: %v", err)
	}
	if spec.Name != "nightly" {
		t.Errorf("name = %q", spec.Name)
	}

	auth, _ := header.Load().(string)
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		t.Fatalf("missing bearer token, got %q", auth)
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil }); err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Issuer != "collector-test" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestNewTokenSource_EmptySecret(t *testing.T) {
	if catalog.NewTokenSource("", "x", time.Minute) != nil {
		t.Error("expected nil token source for empty secret")
	}
}
