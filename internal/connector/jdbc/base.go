// Package jdbc implements the relational connectors.
//
// Architecture:
//
//	Base      - generic catalog introspection driven by a Dialect
//	Postgres  - pg_catalog queries, one session per database
//	MySQL     - information_schema; databases double as schemas (also MariaDB)
//	MSSQL     - sys.* views, extended properties for comments
//	Oracle    - ALL_* views, single database addressed by service name
//
// Each vendor connector embeds Base and overrides vendor-specific behavior.
// Every operation opens its own *sql.DB and closes it before returning.
package jdbc

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// DefaultTimeout bounds every SQL operation unless extras["timeout"] is set.
const DefaultTimeout = 10 * time.Second

var (
	_ endpoint.Connector = (*Base)(nil)
	_ endpoint.Sampler   = (*Base)(nil)
)

// DSNFunc renders a driver DSN addressing one database. An empty database
// means the server default.
type DSNFunc func(conn core.Connection, database string) (string, error)

// Base implements the generic catalog connector.
// Vendor-specific connectors embed this and override methods as needed.
type Base struct {
	Conn       core.Connection
	DriverName string
	Descriptor *endpoint.Descriptor
	Dialect    *Dialect
	Timeout    time.Duration

	dsn DSNFunc
}

func newBase(conn core.Connection, driverName string, desc *endpoint.Descriptor, dialect *Dialect, dsn DSNFunc) (*Base, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("%s: host is required", desc.ID)
	}
	if conn.Port == 0 {
		conn.Port = desc.DefaultPort
	}
	return &Base{
		Conn:       conn,
		DriverName: driverName,
		Descriptor: desc,
		Dialect:    dialect,
		Timeout:    conn.Timeout(DefaultTimeout),
		dsn:        dsn,
	}, nil
}

// ID returns the connector template ID.
func (b *Base) ID() string {
	if b.Descriptor != nil {
		return b.Descriptor.ID
	}
	return "jdbc." + b.DriverName
}

// Capabilities returns the relational capability set.
func (b *Base) Capabilities() endpoint.Capabilities {
	return endpoint.SQLCapabilities()
}

// IgnorableSchemas returns the dialect's system schemas.
func (b *Base) IgnorableSchemas() map[string]struct{} {
	out := make(map[string]struct{}, len(b.Dialect.Ignorable))
	for _, s := range b.Dialect.Ignorable {
		out[s] = struct{}{}
	}
	return out
}

// DSN renders the driver DSN for database.
func (b *Base) DSN(database string) (string, error) {
	return b.dsn(b.Conn, database)
}

// ListDatabases runs the dialect's database query against the server default.
func (b *Base) ListDatabases(ctx context.Context) ([]endpoint.DatabaseRecord, error) {
	var out []endpoint.DatabaseRecord
	err := b.withDB(ctx, b.Conn.Database, func(ctx context.Context, db *sql.DB) error {
		names, err := queryNamed(ctx, db, b.Dialect.Databases)
		if err != nil {
			return fmt.Errorf("list databases: %w", err)
		}
		for _, n := range names {
			if b.Dialect.isSystemDatabase(n.name) {
				continue
			}
			out = append(out, endpoint.DatabaseRecord{Name: n.name, Description: n.comment})
		}
		return nil
	})
	return out, err
}

// ListSchemas lists the schemas of database.
func (b *Base) ListSchemas(ctx context.Context, database string) ([]endpoint.SchemaRecord, error) {
	var out []endpoint.SchemaRecord
	err := b.withDB(ctx, database, func(ctx context.Context, db *sql.DB) error {
		names, err := queryNamed(ctx, db, b.Dialect.Schemas)
		if err != nil {
			return fmt.Errorf("list schemas in %s: %w", database, err)
		}
		for _, n := range names {
			out = append(out, endpoint.SchemaRecord{Name: n.name, Description: n.comment})
		}
		return nil
	})
	return out, err
}

// ListTables lists the tables of one schema with their columns and
// constraints. For dialects without schemas the database name is the schema.
func (b *Base) ListTables(ctx context.Context, database, schema string) ([]endpoint.TableRecord, error) {
	if schema == "" {
		schema = database
	}
	var out []endpoint.TableRecord
	err := b.withDB(ctx, database, func(ctx context.Context, db *sql.DB) error {
		args := b.Dialect.args(schema)

		tables, err := queryTables(ctx, db, b.Dialect.Tables, args)
		if err != nil {
			return fmt.Errorf("list tables in %s: %w", schema, err)
		}
		columns, err := queryColumns(ctx, db, b.Dialect.Columns, args)
		if err != nil {
			return fmt.Errorf("list columns in %s: %w", schema, err)
		}
		var constraints []constraintRow
		if b.Dialect.Constraints != "" {
			constraints, err = queryConstraints(ctx, db, b.Dialect.Constraints, args)
			if err != nil {
				return fmt.Errorf("list constraints in %s: %w", schema, err)
			}
		}
		out = assembleTables(tables, columns, constraints)
		return nil
	})
	return out, err
}

// Sample reads up to n rows of a table.
func (b *Base) Sample(ctx context.Context, ref endpoint.TableRef, n int) ([]endpoint.Row, error) {
	if n <= 0 {
		return nil, nil
	}
	schema := ref.Schema
	if schema == "" {
		schema = ref.Database
	}
	var out []endpoint.Row
	err := b.withDB(ctx, ref.Database, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, b.Dialect.SampleSQL(schema, ref.Table, n))
		if err != nil {
			return fmt.Errorf("sample %s.%s: %w", schema, ref.Table, err)
		}
		defer rows.Close()
		out, err = scanRows(rows)
		return err
	})
	return out, err
}

// withDB opens a dedicated pool for one operation and closes it on every
// exit path. The whole operation runs under the connector deadline.
func (b *Base) withDB(ctx context.Context, database string, fn func(context.Context, *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	dsn, err := b.DSN(database)
	if err != nil {
		return err
	}
	db, err := sql.Open(b.DriverName, dsn)
	if err != nil {
		return core.ConfigError("open %s: %v", b.DriverName, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return core.ConnectionError(fmt.Errorf("connect %s:%d: %w", b.Conn.Host, b.Conn.Port, err))
	}
	return classify(fn(ctx, db))
}

// classify maps a query failure onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	var netErr net.Error
	switch {
	case errors.As(err, &ce), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn), errors.As(err, &netErr):
		return core.ConnectionError(err)
	}
	return core.SchemaError("%w", err)
}

func scanRows(rows *sql.Rows) ([]endpoint.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []endpoint.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(endpoint.Row, len(cols))
		for i, col := range cols {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
