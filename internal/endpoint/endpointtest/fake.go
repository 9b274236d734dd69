// Package endpointtest provides an in-memory connector for engine and
// worker tests.
package endpointtest

import (
	"context"
	"sync"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// Fake serves a fixed tree of databases, schemas and tables.
type Fake struct {
	Caps      endpoint.Capabilities
	Ignorable map[string]struct{}

	mu        sync.Mutex
	databases []string
	schemas   map[string][]string
	tables    map[string][]endpoint.TableRecord
	rows      map[string][]endpoint.Row
	failing   map[string]error
	listing   map[string]error
	pending   []endpoint.TableError
	err       error
	calls     int
}

// New creates a fake with the SQL capability set.
func New() *Fake {
	return &Fake{
		Caps:    endpoint.SQLCapabilities(),
		schemas: map[string][]string{},
		tables:  map[string][]endpoint.TableRecord{},
		rows:    map[string][]endpoint.Row{},
		failing: map[string]error{},
		listing: map[string]error{},
	}
}

// Registry returns a registry whose only factory for t yields f.
func Registry(t core.ProviderType, f *Fake) *endpoint.Registry {
	r := endpoint.NewRegistry()
	r.Register(&endpoint.Descriptor{Type: t, ID: "fake"}, func(core.Connection) (endpoint.Connector, error) {
		return f, nil
	})
	return r
}

// Table builds a regular table record with STRING columns.
func Table(name string, columns ...string) endpoint.TableRecord {
	rec := endpoint.TableRecord{Name: name, Kind: core.TableRegular}
	for i, c := range columns {
		rec.Columns = append(rec.Columns, core.Column{
			Name:       c,
			DataType:   core.TypeString,
			NativeType: "text",
			Nullable:   true,
			Position:   i + 1,
		})
	}
	return rec
}

func key(database, schema string) string {
	return database + "/" + schema
}

// AddDatabase declares a database with its schemas.
func (f *Fake) AddDatabase(name string, schemas ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases = append(f.databases, name)
	f.schemas[name] = append(f.schemas[name], schemas...)
}

// AddSchema adds a schema to an existing database.
func (f *Fake) AddSchema(database, schema string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[database] = append(f.schemas[database], schema)
}

// DropSchema removes a schema. Its tables stay configured but are no
// longer reachable.
func (f *Fake) DropSchema(database, schema string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, s := range f.schemas[database] {
		if s != schema {
			kept = append(kept, s)
		}
	}
	f.schemas[database] = kept
}

// SetTables replaces the tables of database.schema. schema is empty for
// stores without schemas.
func (f *Fake) SetTables(database, schema string, tables ...endpoint.TableRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[key(database, schema)] = tables
}

// DropTable removes one table.
func (f *Fake) DropTable(database, schema, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(database, schema)
	var kept []endpoint.TableRecord
	for _, t := range f.tables[k] {
		if t.Name != name {
			kept = append(kept, t)
		}
	}
	f.tables[k] = kept
}

// DropDatabase removes a database and everything below it.
func (f *Fake) DropDatabase(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, db := range f.databases {
		if db != name {
			kept = append(kept, db)
		}
	}
	f.databases = kept
}

// SetRows sets the rows returned by Sample for a table.
func (f *Fake) SetRows(table string, rows ...endpoint.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = rows
}

// FailTable makes ListTables skip table and report err for it.
func (f *Fake) FailTable(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[table] = err
}

// FailListing makes ListTables of database.schema return err after the
// failing tables were queued for TableErrors, like a connector whose walk
// breaks halfway.
func (f *Fake) FailListing(database, schema string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing[key(database, schema)] = err
}

// FailWith makes every call return err. nil restores normal operation.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls counts connector calls, failed ones included.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) enter() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *Fake) ID() string { return "fake" }

func (f *Fake) Capabilities() endpoint.Capabilities { return f.Caps }

func (f *Fake) IgnorableSchemas() map[string]struct{} { return f.Ignorable }

func (f *Fake) ListDatabases(ctx context.Context) ([]endpoint.DatabaseRecord, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]endpoint.DatabaseRecord, len(f.databases))
	for i, name := range f.databases {
		out[i] = endpoint.DatabaseRecord{Name: name}
	}
	return out, nil
}

func (f *Fake) ListSchemas(ctx context.Context, database string) ([]endpoint.SchemaRecord, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []endpoint.SchemaRecord
	for _, name := range f.schemas[database] {
		out = append(out, endpoint.SchemaRecord{Name: name})
	}
	return out, nil
}

func (f *Fake) ListTables(ctx context.Context, database, schema string) ([]endpoint.TableRecord, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []endpoint.TableRecord
	for _, t := range f.tables[key(database, schema)] {
		if err, bad := f.failing[t.Name]; bad {
			f.pending = append(f.pending, endpoint.TableError{Table: t.Name, Err: err})
			continue
		}
		out = append(out, t)
	}
	if err := f.listing[key(database, schema)]; err != nil {
		return nil, err
	}
	return out, nil
}

// TableErrors drains the tables skipped since the last call.
func (f *Fake) TableErrors() []endpoint.TableError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *Fake) Sample(ctx context.Context, table endpoint.TableRef, n int) ([]endpoint.Row, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[table.Table]
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}
