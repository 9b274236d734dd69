package ingestion_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
	"github.com/nucleus/collector/internal/endpoint/endpointtest"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/ingestion"
	"github.com/nucleus/collector/internal/logger"
)

// =============================================================================
// FILTER
// =============================================================================

func TestRule_TruthTable(t *testing.T) {
	tests := []struct {
		name             string
		include, exclude string
		value            string
		want             bool
	}{
		{"include only", "app", "", "app", true},
		{"include misses", "app", "", "other", false},
		{"exclude vetoes", "tmp.*", ".*_audit.*", "tmp_audit_2024", false},
		{"neither", "tmp.*", ".*_audit.*", "orders", false},
		{"exclude without include", "", "tmp.*", "tmp_x", false},
		{"empty include matches all", "", "", "anything", true},
		{"anchored", "app", "", "app2", false},
		{"alternation anchored as a group", "a|b", "", "ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ingestion.NewRule(tt.include, tt.exclude)
			if err != nil {
				t.Fatalf("NewRule: %v", err)
			}
			if got := r.Match(tt.value); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestNewFilter_InvalidPattern(t *testing.T) {
	_, err := ingestion.NewFilter(core.IngestionSpec{ExcludeTable: "tmp_("})
	if !core.IsConfig(err) {
		t.Fatalf("err = %v, want CONFIG_ERROR", err)
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type fixture struct {
	fake     *endpointtest.Fake
	catalog  *catalog.Memory
	engine   *ingestion.Engine
	provider *core.Provider
	spec     core.IngestionSpec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := endpointtest.New()
	fake.Ignorable = map[string]struct{}{"pg_catalog": {}}
	fake.AddDatabase("app", "public", "pg_catalog")
	fake.AddDatabase("other", "public")
	fake.SetTables("app", "public",
		endpointtest.Table("orders", "id", "total"),
		endpointtest.Table("users", "id", "email"),
	)
	fake.SetTables("other", "public", endpointtest.Table("ledger", "id"))

	provider := &core.Provider{ID: "7f0c2a64-5a7e-4c51-9c55-8f4d3c1b2a90", Name: "Sales PG", Type: core.ProviderPostgres}
	cat := catalog.NewMemory()
	cat.AddProvider(*provider)

	engine := ingestion.NewEngine(cat, nil)
	engine.Registry = endpointtest.Registry(core.ProviderPostgres, fake)

	return &fixture{
		fake:     fake,
		catalog:  cat,
		engine:   engine,
		provider: provider,
		spec: core.IngestionSpec{
			ID:              "ing-1",
			ProviderID:      provider.ID,
			IncludeDatabase: "app",
			IncludeTable:    ".*",
		},
	}
}

func (f *fixture) run(t *testing.T) *ingestion.Report {
	t.Helper()
	ctx := logger.WithContext(context.Background(), logger.Discard())
	report, err := f.engine.Execute(ctx, f.provider, core.Connection{Host: "db"}, f.spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return report
}

func (f *fixture) asset(t *testing.T, kind core.AssetKind, fqn string) *catalog.Asset {
	t.Helper()
	a, err := f.catalog.Get(context.Background(), kind, fqn)
	if err != nil {
		t.Fatalf("Get %s: %v", fqn, err)
	}
	return a
}

func names(assets []*catalog.Asset) []string {
	var out []string
	for _, a := range assets {
		out = append(out, a.Name)
	}
	return out
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture(t)
	report := f.run(t)

	if got := names(f.catalog.All(core.KindDatabase)); !reflect.DeepEqual(got, []string{"app"}) {
		t.Errorf("databases = %v, want [app]", got)
	}
	if got := names(f.catalog.All(core.KindSchema)); !reflect.DeepEqual(got, []string{"public"}) {
		t.Errorf("schemas = %v, want [public]", got)
	}
	if got := names(f.catalog.All(core.KindTable)); !reflect.DeepEqual(got, []string{"orders", "users"}) {
		t.Errorf("tables = %v", got)
	}
	if got := report.IgnoredNames(core.KindDatabase); !reflect.DeepEqual(got, []string{"other"}) {
		t.Errorf("ignored databases = %v", got)
	}
	if c := report.Counts[core.KindTable]; c.Created != 2 {
		t.Errorf("tables created = %d, want 2", c.Created)
	}

	orders := f.asset(t, core.KindTable, "tb.sales_pg.app.public.orders")
	schema := f.asset(t, core.KindSchema, "schm.sales_pg.app.public")
	if orders.View["schema_id"] != schema.ID {
		t.Errorf("orders schema_id = %v, want %s", orders.View["schema_id"], schema.ID)
	}
	if orders.Tree["database"].Name != "app" {
		t.Errorf("tree = %+v", orders.Tree)
	}
}

func TestExecute_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	before := f.asset(t, core.KindTable, "tb.sales_pg.app.public.orders").Version

	report := f.run(t)
	for kind, c := range report.Counts {
		if c.Created != 0 || c.Updated != 0 || c.Tombstoned != 0 {
			t.Errorf("%s counts on rerun = %+v", kind, *c)
		}
	}
	if after := f.asset(t, core.KindTable, "tb.sales_pg.app.public.orders").Version; after != before {
		t.Errorf("version moved %s -> %s without changes", before, after)
	}
	if v := f.asset(t, core.KindSchema, "schm.sales_pg.app.public").Version; v != (core.Version{}) {
		t.Errorf("schema version = %s, want 0.0.0", v)
	}
}

func TestExecute_TombstonesDroppedTable(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	f.fake.DropTable("app", "public", "users")
	report := f.run(t)

	users := f.asset(t, core.KindTable, "tb.sales_pg.app.public.users")
	if !users.Deleted {
		t.Error("users should be tombstoned")
	}
	orders := f.asset(t, core.KindTable, "tb.sales_pg.app.public.orders")
	if orders.Deleted || orders.Version != (core.Version{}) {
		t.Errorf("orders = deleted %v version %s, want untouched", orders.Deleted, orders.Version)
	}
	if v := f.asset(t, core.KindSchema, "schm.sales_pg.app.public").Version; v != (core.Version{Major: 1}) {
		t.Errorf("schema version = %s, want 1.0.0", v)
	}
	if got := report.Counts[core.KindTable].Tombstoned; got != 1 {
		t.Errorf("tombstoned = %d, want 1", got)
	}

	// a third run changes nothing
	f.run(t)
	if v := f.asset(t, core.KindSchema, "schm.sales_pg.app.public").Version; v != (core.Version{Major: 1}) {
		t.Errorf("schema version after stable rerun = %s", v)
	}
}

func TestExecute_RestoresReappearedTable(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	f.fake.DropTable("app", "public", "users")
	f.run(t)

	f.fake.SetTables("app", "public",
		endpointtest.Table("orders", "id", "total"),
		endpointtest.Table("users", "id", "email"),
	)
	report := f.run(t)

	users := f.asset(t, core.KindTable, "tb.sales_pg.app.public.users")
	if users.Deleted {
		t.Error("users should be live again")
	}
	if users.Version != (core.Version{Major: 1}) {
		t.Errorf("users version = %s, want 1.0.0", users.Version)
	}
	if report.Counts[core.KindTable].Updated != 1 {
		t.Errorf("updated = %d, want 1", report.Counts[core.KindTable].Updated)
	}
}

func TestExecute_ColumnChangeBumpsTable(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	f.fake.SetTables("app", "public",
		endpointtest.Table("orders", "id", "total", "currency"),
		endpointtest.Table("users", "id", "email"),
	)
	f.run(t)

	orders := f.asset(t, core.KindTable, "tb.sales_pg.app.public.orders")
	if orders.Version != (core.Version{Major: 1}) {
		t.Errorf("orders version = %s, want 1.0.0", orders.Version)
	}
	cols, _ := orders.View["columns"].([]any)
	if len(cols) != 3 {
		t.Errorf("columns = %d, want 3", len(cols))
	}
	if v := f.asset(t, core.KindSchema, "schm.sales_pg.app.public").Version; v != (core.Version{}) {
		t.Errorf("schema version = %s, a column change is not a child-set change", v)
	}
}

func TestExecute_IncludeExcludeVeto(t *testing.T) {
	f := newFixture(t)
	f.fake.SetTables("app", "public",
		endpointtest.Table("tmp_audit_2024", "id"),
		endpointtest.Table("tmp_orders", "id"),
	)
	f.spec.IncludeTable = "tmp.*"
	f.spec.ExcludeTable = ".*_audit.*"

	report := f.run(t)

	if got := names(f.catalog.All(core.KindTable)); !reflect.DeepEqual(got, []string{"tmp_orders"}) {
		t.Errorf("tables = %v, want [tmp_orders]", got)
	}
	if got := report.IgnoredNames(core.KindTable); !reflect.DeepEqual(got, []string{"app.public.tmp_audit_2024"}) {
		t.Errorf("ignored tables = %v", got)
	}
}

func TestExecute_ViewsSkippedUnlessIncluded(t *testing.T) {
	f := newFixture(t)
	view := endpointtest.Table("active_users", "id")
	view.Kind = core.TableView
	f.fake.SetTables("app", "public", endpointtest.Table("orders", "id"), view)

	report := f.run(t)
	if got := report.IgnoredNames(core.KindTable); !reflect.DeepEqual(got, []string{"app.public.active_users"}) {
		t.Errorf("ignored = %v", got)
	}

	f.spec.IncludeView = true
	f.run(t)
	a := f.asset(t, core.KindTable, "tb.sales_pg.app.public.active_users")
	if a.View["table_type"] != "VIEW" {
		t.Errorf("table_type = %v", a.View["table_type"])
	}
}

func TestExecute_CascadesUnobservedDatabase(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	f.fake.DropDatabase("app")
	report := f.run(t)

	for _, kind := range []core.AssetKind{core.KindDatabase, core.KindSchema, core.KindTable} {
		for _, a := range f.catalog.All(kind) {
			if !a.Deleted {
				t.Errorf("%s %s should be tombstoned", kind, a.FullyQualifiedName)
			}
		}
	}
	if got := report.Counts[core.KindTable].Tombstoned; got != 2 {
		t.Errorf("tables tombstoned = %d, want 2", got)
	}
}

func TestExecute_CascadesUnobservedSchema(t *testing.T) {
	f := newFixture(t)
	f.fake.AddSchema("app", "staging")
	f.fake.SetTables("app", "staging", endpointtest.Table("tmp", "id"))
	f.run(t)
	if tmp := f.asset(t, core.KindTable, "tb.sales_pg.app.staging.tmp"); tmp.Deleted {
		t.Fatal("staging.tmp should be live after the first run")
	}

	f.fake.DropSchema("app", "staging")
	report := f.run(t)

	if s := f.asset(t, core.KindSchema, "schm.sales_pg.app.staging"); !s.Deleted {
		t.Error("staging schema should be tombstoned")
	}
	if tmp := f.asset(t, core.KindTable, "tb.sales_pg.app.staging.tmp"); !tmp.Deleted {
		t.Error("tables of a vanished schema should be tombstoned with it")
	}
	for _, fqn := range []string{"tb.sales_pg.app.public.orders", "tb.sales_pg.app.public.users"} {
		if a := f.asset(t, core.KindTable, fqn); a.Deleted {
			t.Errorf("%s should stay live", fqn)
		}
	}
	if got := report.Counts[core.KindSchema].Tombstoned; got != 1 {
		t.Errorf("schemas tombstoned = %d, want 1", got)
	}
	if got := report.Counts[core.KindTable].Tombstoned; got != 1 {
		t.Errorf("tables tombstoned = %d, want 1", got)
	}

	// nothing left to disable on a rerun
	report = f.run(t)
	if got := report.Counts[core.KindTable].Tombstoned; got != 0 {
		t.Errorf("tables tombstoned on rerun = %d, want 0", got)
	}
}

func TestExecute_ExcludedDatabaseIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	// narrowing the rules does not tombstone what is still in the source
	f.spec.IncludeDatabase = "nothing"
	f.run(t)
	if db := f.asset(t, core.KindDatabase, "db.sales_pg.app"); db.Deleted {
		t.Error("database excluded by rules should not be tombstoned")
	}
}

func TestExecute_TableErrorsAreContained(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	f.fake.FailTable("users", core.SchemaError("bad column row"))
	report := f.run(t)

	if len(report.Failed) != 1 || report.Failed[0].Name != "app.public.users" {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if users := f.asset(t, core.KindTable, "tb.sales_pg.app.public.users"); users.Deleted {
		t.Error("an unreadable table still exists and must not be tombstoned")
	}
}

func TestExecute_FailedListingDoesNotLeakSkippedTables(t *testing.T) {
	f := newFixture(t)
	f.fake.AddSchema("app", "audit")
	f.fake.SetTables("app", "audit", endpointtest.Table("log", "id"))
	f.fake.FailTable("users", core.SchemaError("bad column row"))
	f.fake.FailListing("app", "public", core.SchemaError("listing broke"))

	report := f.run(t)

	var failed []string
	for _, fl := range report.Failed {
		failed = append(failed, fl.Name)
	}
	if !reflect.DeepEqual(failed, []string{"app.public"}) {
		t.Errorf("failed = %v, want only the public schema", failed)
	}
	if got := names(f.catalog.All(core.KindTable)); !reflect.DeepEqual(got, []string{"log"}) {
		t.Errorf("tables = %v, want [log]", got)
	}
}

func TestExecute_NoDatabaseLevel(t *testing.T) {
	f := newFixture(t)
	f.fake.Caps = endpoint.Capabilities{}
	f.fake.SetTables(endpoint.DefaultDatabase, "", endpointtest.Table("events", "ts"))
	f.spec.IncludeDatabase = "app"

	f.run(t)

	if got := names(f.catalog.All(core.KindDatabase)); !reflect.DeepEqual(got, []string{"default"}) {
		t.Errorf("databases = %v, want [default]", got)
	}
	events := f.asset(t, core.KindTable, "tb.sales_pg.default..events")
	db := f.asset(t, core.KindDatabase, "db.sales_pg.default")
	if events.View["database_id"] != db.ID {
		t.Errorf("events parent = %v, want %s", events.View["database_id"], db.ID)
	}
}

func TestExecute_ProviderConnectionErrorAborts(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWith(core.ConnectionError(errors.New("dial tcp: connection refused")))

	_, err := f.engine.Execute(context.Background(), f.provider, core.Connection{}, f.spec)
	if core.CodeOf(err) != core.CodeConnection || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable CONNECTION_ERROR", err)
	}
}

func TestExecute_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	f.provider.Type = core.ProviderHDFS

	_, err := f.engine.Execute(context.Background(), f.provider, core.Connection{}, f.spec)
	if !core.IsConfig(err) {
		t.Fatalf("err = %v, want CONFIG_ERROR", err)
	}
}

func TestExecute_CancelCheckerStopsRun(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.engine.Cancel = func(context.Context) error {
		calls++
		if calls > 3 {
			return core.Cancelled(execution.ReasonUserCancelled)
		}
		return nil
	}

	_, err := f.engine.Execute(context.Background(), f.provider, core.Connection{}, f.spec)
	if !core.IsCancelled(err) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
	if n := len(f.catalog.All(core.KindTable)); n != 0 {
		t.Errorf("tables = %d, cancellation should stop before tables", n)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Execute(ctx, f.provider, core.Connection{}, f.spec)
	if !core.IsCancelled(err) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
}

func TestExecute_ConcurrentRunIsCancelled(t *testing.T) {
	f := newFixture(t)
	store := execution.NewMemoryStore()
	f.engine.Locker = store

	unlock, ok, err := store.TryLock(context.Background(), "provider:"+f.provider.ID)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer unlock()

	_, err = f.engine.Execute(context.Background(), f.provider, core.Connection{}, f.spec)
	if !core.IsCancelled(err) || core.CancelReason(err) != execution.ReasonConcurrentRun {
		t.Fatalf("err = %v, want CANCELLED (concurrent_run)", err)
	}
	if f.fake.Calls() != 0 {
		t.Error("connector must not be called without the lock")
	}
}

func TestExecute_CollectSample(t *testing.T) {
	f := newFixture(t)
	f.spec.CollectSample = true
	f.engine.SampleSize = 2
	f.fake.SetRows("orders", endpoint.Row{"id": 1}, endpoint.Row{"id": 2}, endpoint.Row{"id": 3})

	report := f.run(t)
	if got := report.Sampled["tb.sales_pg.app.public.orders"]; got != 2 {
		t.Errorf("sampled = %d, want 2", got)
	}
}

func TestExecute_CatalogServerErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	f.catalog.Fail = func(op, key string) error {
		if op == "Create" && key == "tb.sales_pg.app.public.users" {
			return core.CatalogError(503, errors.New("unavailable"))
		}
		return nil
	}

	_, err := f.engine.Execute(context.Background(), f.provider, core.Connection{}, f.spec)
	if core.CodeOf(err) != core.CodeCatalog || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable CATALOG_ERROR", err)
	}
}

func TestExecute_CatalogClientErrorSkipsAsset(t *testing.T) {
	f := newFixture(t)
	f.catalog.Fail = func(op, key string) error {
		if op == "Create" && key == "tb.sales_pg.app.public.users" {
			return core.CatalogError(422, errors.New("invalid column"))
		}
		return nil
	}

	report := f.run(t)
	if len(report.Failed) != 1 || report.Failed[0].Kind != core.KindTable {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if got := names(f.catalog.All(core.KindTable)); !reflect.DeepEqual(got, []string{"orders"}) {
		t.Errorf("tables = %v", got)
	}
}
