// Package endpoint defines the connector contract and the factory registry
// that maps a provider type to a connector implementation.
package endpoint

import (
	"context"

	"github.com/nucleus/collector/internal/core"
)

// Connector enumerates the metadata of one data store. Implementations are
// stateless across calls: every operation opens its own connection and
// releases it before returning.
type Connector interface {
	// ID returns the connector identifier, e.g. "jdbc.postgres".
	ID() string

	// Capabilities declares which levels and features the store exposes.
	Capabilities() Capabilities

	// ListDatabases returns the databases visible to the connection.
	ListDatabases(ctx context.Context) ([]DatabaseRecord, error)

	// ListSchemas returns the schemas of a database. Connectors without
	// schemas return an empty slice.
	ListSchemas(ctx context.Context, database string) ([]SchemaRecord, error)

	// ListTables returns the tables of a database, or of one schema when the
	// store has schemas. Each record carries its ordered columns.
	ListTables(ctx context.Context, database, schema string) ([]TableRecord, error)

	// IgnorableSchemas lists system schemas the engine never ingests.
	IgnorableSchemas() map[string]struct{}
}

// Sampler is implemented by connectors that can read example rows.
type Sampler interface {
	Sample(ctx context.Context, table TableRef, n int) ([]Row, error)
}

// TableErrorReporter is implemented by connectors that skip individual
// tables on metadata errors; the engine drains and logs the failures.
type TableErrorReporter interface {
	TableErrors() []TableError
}

// DatabaseRecord is one observed database.
type DatabaseRecord struct {
	Name        string
	Description string
}

// SchemaRecord is one observed schema.
type SchemaRecord struct {
	Name        string
	Description string
}

// TableRecord is one observed table with its columns in ordinal order.
type TableRecord struct {
	Name        string
	Description string
	Kind        core.TableKind
	Columns     []core.Column
	Constraints []core.Constraint
}

// TableRef addresses a table for sampling.
type TableRef struct {
	Database string
	Schema   string
	Table    string
}

// TableError records a table skipped because its metadata could not be read.
type TableError struct {
	Table string
	Err   error
}

// Row is one sampled record keyed by column name.
type Row map[string]any

// Sample reads n rows when the connector supports it and answers
// core.ErrNotSupported otherwise.
func Sample(ctx context.Context, c Connector, table TableRef, n int) ([]Row, error) {
	s, ok := c.(Sampler)
	if !ok || !c.Capabilities().SupportsSample {
		return nil, core.ErrNotSupported
	}
	return s.Sample(ctx, table, n)
}

// Closer is implemented by connectors holding client-side resources.
type Closer interface {
	Close() error
}

// Close releases a connector if it holds resources.
func Close(c Connector) error {
	if cl, ok := c.(Closer); ok {
		return cl.Close()
	}
	return nil
}
