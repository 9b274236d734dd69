// Package ingestion walks a provider through its connector, upserts every
// observed database, schema and table into the catalog and tombstones the
// assets that disappeared.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/diff"
	"github.com/nucleus/collector/internal/endpoint"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
)

// DefaultSampleSize is the number of rows read per table when sampling.
const DefaultSampleSize = 10

// Locker serializes runs of the same provider. execution.Store satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string) (execution.Unlock, bool, error)
}

// CancelChecker is polled before every connector and catalog call. A non-nil
// result stops the run; it should be a core.Cancelled error.
type CancelChecker func(ctx context.Context) error

// Engine runs ingestions. The zero value is not usable: Catalog is required.
type Engine struct {
	Catalog  catalog.Catalog
	Registry *endpoint.Registry
	Locker   Locker
	Cancel   CancelChecker

	SampleSize int
	Now        func() time.Time
}

// NewEngine creates an engine over the default connector registry.
func NewEngine(cat catalog.Catalog, locker Locker) *Engine {
	return &Engine{
		Catalog:    cat,
		Registry:   endpoint.DefaultRegistry(),
		Locker:     locker,
		SampleSize: DefaultSampleSize,
		Now:        time.Now,
	}
}

// Execute ingests provider through conn according to spec. The logger is
// taken from ctx so the caller can capture the run's log lines.
//
// Errors that stop the run: malformed patterns and unsupported providers
// (ConfigError), lock contention and cancellation (Cancelled), and any
// retryable failure such as an unreachable provider or repeated catalog 5xx
// answers. Per-table and per-database failures are logged, recorded in the
// report and skipped.
func (e *Engine) Execute(ctx context.Context, provider *core.Provider, conn core.Connection, spec core.IngestionSpec) (*Report, error) {
	now := e.now()
	log := logger.FromContext(ctx).WithField("provider", provider.Name)
	report := newReport(provider.ID, now)

	filter, err := NewFilter(spec)
	if err != nil {
		return report, err
	}

	if e.Locker != nil {
		unlock, ok, err := e.Locker.TryLock(ctx, "provider:"+provider.ID)
		if err != nil {
			return report, fmt.Errorf("acquire provider lock: %w", err)
		}
		if !ok {
			log.Warn("another ingestion of this provider is running")
			return report, core.Cancelled(execution.ReasonConcurrentRun)
		}
		defer unlock()
	}

	registry := e.Registry
	if registry == nil {
		registry = endpoint.DefaultRegistry()
	}
	connector, err := registry.Create(provider.Type, conn)
	if err != nil {
		return report, err
	}
	defer endpoint.Close(connector)

	if desc, ok := registry.Describe(provider.Type); ok {
		for _, key := range desc.UnknownExtras(conn) {
			log.WithField("key", key).Warn("ignoring unknown connection parameter")
		}
	}

	log.WithField("connector", connector.ID()).Info("ingestion started")
	r := &run{
		engine:    e,
		ctx:       ctx,
		log:       log,
		provider:  provider,
		spec:      spec,
		filter:    filter,
		connector: connector,
		caps:      connector.Capabilities(),
		report:    report,
	}
	err = r.databases()
	report.Finished = e.now()
	if err != nil {
		return report, err
	}
	log.Info(report.Summary())
	return report, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type outcome int

const (
	unchanged outcome = iota
	created
	updated
)

// run is the state of one Execute call.
type run struct {
	engine    *Engine
	ctx       context.Context
	log       *logger.Logger
	provider  *core.Provider
	spec      core.IngestionSpec
	filter    *Filter
	connector endpoint.Connector
	caps      endpoint.Capabilities
	report    *Report
}

// fatal errors end the whole run; everything else is contained at the
// level where it happened.
func fatal(err error) bool {
	return core.IsCancelled(err) || core.IsConfig(err) || core.IsRetryable(err)
}

// checkpoint is called at every suspension point.
func (r *run) checkpoint() error {
	if err := r.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.ConnectionError(err)
		}
		return core.Cancelled(execution.ReasonUserCancelled)
	}
	if r.engine.Cancel != nil {
		return r.engine.Cancel(r.ctx)
	}
	return nil
}

// =============================================================================
// DATABASES
// =============================================================================

func (r *run) databases() error {
	if err := r.checkpoint(); err != nil {
		return err
	}

	var records []endpoint.DatabaseRecord
	if r.caps.SupportsDatabase {
		var err error
		records, err = r.connector.ListDatabases(r.ctx)
		if err != nil {
			return fmt.Errorf("list databases: %w", err)
		}
	} else {
		records = []endpoint.DatabaseRecord{{Name: endpoint.DefaultDatabase}}
	}

	existing, err := r.children(core.KindDatabase, r.provider.ID)
	if err != nil {
		return err
	}

	observed := map[string]bool{}
	for _, rec := range records {
		observed[rec.Name] = true
		if r.caps.SupportsDatabase && !r.filter.Database.Match(rec.Name) {
			r.ignored(core.KindDatabase, rec.Name)
			continue
		}
		if err := r.database(rec, existing[rec.Name]); err != nil {
			if fatal(err) {
				return err
			}
			r.log.WithError(err).WithField("database", rec.Name).Error("database failed")
			r.report.fail(core.KindDatabase, rec.Name, err)
		}
	}

	return r.tombstoneDatabases(existing, observed)
}

func (r *run) database(rec endpoint.DatabaseRecord, existing *catalog.Asset) error {
	db := &core.Database{AssetHeader: core.AssetHeader{
		Name:               rec.Name,
		Description:        rec.Description,
		FullyQualifiedName: core.DatabaseFQN(r.provider.Name, rec.Name),
		ProviderID:         r.provider.ID,
	}}
	stored, result, err := r.upsert(db, existing)
	if err != nil {
		return err
	}

	var changed bool
	if r.caps.SupportsSchema {
		changed, err = r.schemas(rec.Name, stored)
	} else {
		changed, err = r.tables(rec.Name, "", stored)
	}
	if err != nil {
		return err
	}
	if changed && result == unchanged {
		return r.bump(core.KindDatabase, stored)
	}
	return nil
}

// tombstoneDatabases disables unobserved databases together with all of
// their schemas and tables in a single batch.
func (r *run) tombstoneDatabases(existing map[string]*catalog.Asset, observed map[string]bool) error {
	var ids []string
	for _, name := range sortedNames(existing) {
		if observed[name] {
			continue
		}
		db := existing[name]
		if !db.Deleted {
			ids = append(ids, db.ID)
			r.report.Counts[core.KindDatabase].Tombstoned++
			r.log.WithField("fqn", db.FullyQualifiedName).Info("tombstoning database and its children")
		}
		descendants, err := r.liveDescendants(db)
		if err != nil {
			return err
		}
		ids = append(ids, descendants...)
	}
	return r.disable(core.KindDatabase, ids)
}

func (r *run) liveDescendants(db *catalog.Asset) ([]string, error) {
	ids, err := r.liveTables(db.ID)
	if err != nil {
		return nil, err
	}
	schemas, err := r.children(core.KindSchema, db.ID)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedNames(schemas) {
		s := schemas[name]
		if !s.Deleted {
			ids = append(ids, s.ID)
			r.report.Counts[core.KindSchema].Tombstoned++
		}
		tables, err := r.liveTables(s.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, tables...)
	}
	return ids, nil
}

// liveTables returns the ids of the live tables below parent and counts
// them as tombstoned.
func (r *run) liveTables(parentID string) ([]string, error) {
	tables, err := r.children(core.KindTable, parentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range sortedNames(tables) {
		if t := tables[name]; !t.Deleted {
			ids = append(ids, t.ID)
			r.report.Counts[core.KindTable].Tombstoned++
		}
	}
	return ids, nil
}

// =============================================================================
// SCHEMAS
// =============================================================================

// schemas reports whether the database's set of live schemas changed.
func (r *run) schemas(database string, db *catalog.Asset) (bool, error) {
	if err := r.checkpoint(); err != nil {
		return false, err
	}
	records, err := r.connector.ListSchemas(r.ctx, database)
	if err != nil {
		return false, fmt.Errorf("list schemas of %s: %w", database, err)
	}
	existing, err := r.children(core.KindSchema, db.ID)
	if err != nil {
		return false, err
	}

	ignorable := r.connector.IgnorableSchemas()
	observed := map[string]bool{}
	changed := false
	for _, rec := range records {
		observed[rec.Name] = true
		if _, skip := ignorable[rec.Name]; skip {
			continue
		}
		if !r.filter.Schema.Match(rec.Name) {
			r.ignored(core.KindSchema, database+"."+rec.Name)
			continue
		}

		schema := &core.Schema{
			AssetHeader: core.AssetHeader{
				Name:               rec.Name,
				Description:        rec.Description,
				FullyQualifiedName: core.SchemaFQN(r.provider.Name, database, rec.Name),
				ProviderID:         r.provider.ID,
			},
			DatabaseID: db.ID,
		}
		prior := existing[rec.Name]
		stored, result, err := r.upsert(schema, prior)
		if err != nil {
			if fatal(err) {
				return changed, err
			}
			r.log.WithError(err).WithField("schema", rec.Name).Error("schema failed")
			r.report.fail(core.KindSchema, database+"."+rec.Name, err)
			continue
		}
		if result == created || (prior != nil && prior.Deleted) {
			changed = true
		}

		tablesChanged, err := r.tables(database, rec.Name, stored)
		if err != nil {
			if fatal(err) {
				return changed, err
			}
			r.log.WithError(err).WithField("schema", rec.Name).Error("schema failed")
			r.report.fail(core.KindSchema, database+"."+rec.Name, err)
			continue
		}
		if tablesChanged && result == unchanged {
			if err := r.bump(core.KindSchema, stored); err != nil {
				return changed, err
			}
		}
	}

	n, err := r.tombstoneSchemas(existing, observed)
	return changed || n > 0, err
}

// tombstoneSchemas disables unobserved schemas and their live tables in one
// batch. It returns how many schemas were disabled.
func (r *run) tombstoneSchemas(existing map[string]*catalog.Asset, observed map[string]bool) (int, error) {
	var ids []string
	n := 0
	for _, name := range sortedNames(existing) {
		if observed[name] {
			continue
		}
		s := existing[name]
		if !s.Deleted {
			ids = append(ids, s.ID)
			n++
			r.log.WithField("fqn", s.FullyQualifiedName).Info("tombstoning schema and its tables")
		}
		tables, err := r.liveTables(s.ID)
		if err != nil {
			return 0, err
		}
		ids = append(ids, tables...)
	}
	if err := r.disable(core.KindSchema, ids); err != nil {
		return 0, err
	}
	r.report.Counts[core.KindSchema].Tombstoned += n
	return n, nil
}

// =============================================================================
// TABLES
// =============================================================================

// tables upserts the tables below parent, a schema or, for stores without
// schemas, a database. It reports whether the set of live tables changed.
func (r *run) tables(database, schema string, parent *catalog.Asset) (bool, error) {
	if err := r.checkpoint(); err != nil {
		return false, err
	}
	records, err := r.connector.ListTables(r.ctx, database, schema)
	if err != nil {
		// skipped tables of a failed listing belong to no parent
		if rep, ok := r.connector.(endpoint.TableErrorReporter); ok {
			rep.TableErrors()
		}
		return false, fmt.Errorf("list tables of %s: %w", qualified(database, schema), err)
	}
	existing, err := r.children(core.KindTable, parent.ID)
	if err != nil {
		return false, err
	}

	observed := map[string]bool{}
	// tables the connector could not read still exist
	if rep, ok := r.connector.(endpoint.TableErrorReporter); ok {
		for _, te := range rep.TableErrors() {
			observed[te.Table] = true
			r.log.WithError(te.Err).WithField("table", qualified(schema, te.Table)).Warn("table skipped")
			r.report.fail(core.KindTable, qualified(database, schema, te.Table), te.Err)
		}
	}

	changed := false
	for _, rec := range records {
		observed[rec.Name] = true
		name := qualified(database, schema, rec.Name)
		if !r.filter.Table.Match(rec.Name) || (rec.Kind.IsView() && !r.spec.IncludeView) {
			r.ignored(core.KindTable, name)
			continue
		}

		table := r.table(database, schema, parent, rec)
		prior := existing[rec.Name]
		_, result, err := r.upsert(table, prior)
		if err != nil {
			if fatal(err) {
				return changed, err
			}
			r.log.WithError(err).WithField("table", name).Error("table failed")
			r.report.fail(core.KindTable, name, err)
			continue
		}
		if result == created || (prior != nil && prior.Deleted) {
			changed = true
		}
		if err := r.sample(endpoint.TableRef{Database: database, Schema: schema, Table: rec.Name}, table.FullyQualifiedName); err != nil {
			return changed, err
		}
	}

	n, err := r.tombstone(core.KindTable, existing, observed)
	return changed || n > 0, err
}

func (r *run) table(database, schema string, parent *catalog.Asset, rec endpoint.TableRecord) *core.Table {
	t := &core.Table{
		AssetHeader: core.AssetHeader{
			Name:               rec.Name,
			Description:        rec.Description,
			FullyQualifiedName: core.TableFQN(r.provider.Name, database, schema, rec.Name),
			ProviderID:         r.provider.ID,
		},
		TableType:   rec.Kind,
		Columns:     rec.Columns,
		Constraints: rec.Constraints,
	}
	if t.TableType == "" {
		t.TableType = core.TableRegular
	}
	if schema != "" {
		t.SchemaID = parent.ID
		t.DatabaseID = refID(parent.View, "database")
	} else {
		t.DatabaseID = parent.ID
	}

	for _, col := range rec.Columns {
		if col.DataType == core.TypeUnknown {
			r.log.WithFields(logger.Fields{
				"table":  t.FullyQualifiedName,
				"column": col.Name,
			}).Warn(core.SchemaError("unmapped data type %q", col.NativeType).Error())
		}
	}
	return t
}

func (r *run) sample(ref endpoint.TableRef, fqn string) error {
	if !r.spec.CollectSample || !r.caps.SupportsSample {
		return nil
	}
	if err := r.checkpoint(); err != nil {
		return err
	}
	n := r.engine.SampleSize
	if n <= 0 {
		n = DefaultSampleSize
	}
	rows, err := endpoint.Sample(r.ctx, r.connector, ref, n)
	if err != nil {
		if core.IsCancelled(err) {
			return err
		}
		r.log.WithError(err).WithField("table", fqn).Warn("sampling failed")
		return nil
	}
	r.report.Sampled[fqn] = len(rows)
	r.log.WithField("table", fqn).Infof("sampled %d rows", len(rows))
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// upsert creates or patches asset. existing comes from the level listing;
// when it is nil the catalog is probed by FQN before creating.
func (r *run) upsert(asset core.Asset, existing *catalog.Asset) (*catalog.Asset, outcome, error) {
	kind := asset.Kind()
	h := asset.Header()
	if err := r.checkpoint(); err != nil {
		return nil, unchanged, err
	}

	current := existing
	if current == nil {
		found, err := r.engine.Catalog.Exists(r.ctx, h.FullyQualifiedName)
		if err != nil {
			return nil, unchanged, err
		}
		if found {
			if err := r.checkpoint(); err != nil {
				return nil, unchanged, err
			}
			current, err = r.engine.Catalog.Get(r.ctx, kind, h.FullyQualifiedName)
			if err != nil && !core.IsNotFound(err) {
				return nil, unchanged, err
			}
		}
	}

	observed, err := diff.View(asset)
	if err != nil {
		return nil, unchanged, err
	}

	if err := r.checkpoint(); err != nil {
		return nil, unchanged, err
	}
	if current == nil {
		stored, err := r.engine.Catalog.Create(r.ctx, kind, observed)
		if err != nil {
			return nil, unchanged, err
		}
		r.log.WithField("fqn", h.FullyQualifiedName).Infof("created %s", kind.Singular())
		r.report.count(kind, created)
		return stored, created, nil
	}

	opts := []diff.Option{diff.WithOverridePolicy(r.spec.OverridePolicy)}
	res := diff.Compare(current.View, observed, opts...)
	if res.Empty() && !current.Deleted {
		r.report.count(kind, unchanged)
		return current, unchanged, nil
	}

	next := diff.Apply(current.View, observed, res, opts...)
	next["deleted"] = false
	stored, err := r.engine.Catalog.Update(r.ctx, kind, h.FullyQualifiedName, next)
	if err != nil {
		return nil, unchanged, err
	}
	log := r.log.WithField("fqn", h.FullyQualifiedName)
	for _, line := range res.Lines() {
		log.Info(line)
	}
	log.Infof("updated %s to version %s", kind.Singular(), stored.Version)
	r.report.count(kind, updated)
	return stored, updated, nil
}

// bump raises the MAJOR version of a parent whose set of children changed.
func (r *run) bump(kind core.AssetKind, parent *catalog.Asset) error {
	if err := r.checkpoint(); err != nil {
		return err
	}
	next := parent.Version.BumpMajor()
	_, err := r.engine.Catalog.Update(r.ctx, kind, parent.FullyQualifiedName, map[string]any{"version": next.String()})
	if err != nil {
		return err
	}
	r.log.WithField("fqn", parent.FullyQualifiedName).Infof("children changed, %s version %s", kind.Singular(), next)
	return nil
}

// children lists the catalog assets of kind below parentID, tombstoned ones
// included, keyed by name.
func (r *run) children(kind core.AssetKind, parentID string) (map[string]*catalog.Asset, error) {
	if err := r.checkpoint(); err != nil {
		return nil, err
	}
	assets, err := r.engine.Catalog.List(r.ctx, kind, catalog.ListQuery{ParentID: parentID, IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("list catalog %s: %w", kind, err)
	}
	out := make(map[string]*catalog.Asset, len(assets))
	for _, a := range assets {
		out[a.Name] = a
	}
	return out, nil
}

// tombstone disables the live assets in existing whose name was not
// observed and returns how many were disabled.
func (r *run) tombstone(kind core.AssetKind, existing map[string]*catalog.Asset, observed map[string]bool) (int, error) {
	var ids []string
	for _, name := range sortedNames(existing) {
		if a := existing[name]; !observed[name] && !a.Deleted {
			ids = append(ids, a.ID)
			r.log.WithField("fqn", a.FullyQualifiedName).Infof("tombstoning %s", kind.Singular())
		}
	}
	if err := r.disable(kind, ids); err != nil {
		return 0, err
	}
	r.report.Counts[kind].Tombstoned += len(ids)
	return len(ids), nil
}

func (r *run) disable(kind core.AssetKind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.checkpoint(); err != nil {
		return err
	}
	if err := r.engine.Catalog.DisableMany(r.ctx, ids); err != nil {
		return fmt.Errorf("disable %s: %w", kind, err)
	}
	return nil
}

func (r *run) ignored(kind core.AssetKind, name string) {
	r.log.WithField(kind.Singular(), name).Info("ignored by rules")
	r.report.ignore(kind, name)
}

func sortedNames(m map[string]*catalog.Asset) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// refID reads a parent reference that the catalog may return either as
// "<name>_id" or as a nested object.
func refID(view map[string]any, name string) string {
	if id, ok := view[name+"_id"].(string); ok {
		return id
	}
	if nested, ok := view[name].(map[string]any); ok {
		id, _ := nested["id"].(string)
		return id
	}
	return ""
}

func qualified(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "."
		}
		out += p
	}
	return out
}
