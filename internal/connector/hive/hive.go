// Package hive implements the Apache Hive connector over HiveServer2.
// Hive has databases but no schema level; comments come from
// DESCRIBE FORMATTED.
package hive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// DefaultTimeout bounds every Hive operation unless extras["timeout"] is set.
const DefaultTimeout = 30 * time.Second

var (
	_ endpoint.Connector          = (*Connector)(nil)
	_ endpoint.Sampler            = (*Connector)(nil)
	_ endpoint.TableErrorReporter = (*Connector)(nil)
)

// Connector enumerates Hive metadata.
type Connector struct {
	conn    core.Connection
	timeout time.Duration
	dial    dialer

	mu     sync.Mutex
	errors []endpoint.TableError
}

// New creates a Hive connector. No authentication is negotiated.
func New(conn core.Connection) (*Connector, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("hive: host is required")
	}
	if conn.Port == 0 {
		conn.Port = descriptor.DefaultPort
	}
	return &Connector{conn: conn, timeout: conn.Timeout(DefaultTimeout), dial: dialGohive}, nil
}

func (c *Connector) ID() string { return descriptor.ID }

func (c *Connector) Capabilities() endpoint.Capabilities {
	return endpoint.Capabilities{
		SupportsDatabase: true,
		SupportsViews:    true,
		SupportsSample:   true,
	}
}

func (c *Connector) IgnorableSchemas() map[string]struct{} {
	return map[string]struct{}{"information_schema": {}, "sys": {}}
}

// ListDatabases runs SHOW DATABASES.
func (c *Connector) ListDatabases(ctx context.Context) ([]endpoint.DatabaseRecord, error) {
	var out []endpoint.DatabaseRecord
	err := c.withSession(ctx, func(ctx context.Context, s session) error {
		res, err := s.Query(ctx, "SHOW DATABASES")
		if err != nil {
			return fmt.Errorf("show databases: %w", err)
		}
		for _, r := range res.Rows {
			if name := cell(r, 0); name != "" {
				out = append(out, endpoint.DatabaseRecord{Name: name})
			}
		}
		return nil
	})
	return out, err
}

// ListSchemas returns nothing: Hive has no schema level.
func (c *Connector) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}

// ListTables lists a database's tables and describes each one. A table
// that cannot be described is skipped and reported through TableErrors.
func (c *Connector) ListTables(ctx context.Context, database, _ string) ([]endpoint.TableRecord, error) {
	c.resetErrors()
	var out []endpoint.TableRecord
	err := c.withSession(ctx, func(ctx context.Context, s session) error {
		res, err := s.Query(ctx, "SHOW TABLES IN "+quote(database))
		if err != nil {
			return fmt.Errorf("show tables in %s: %w", database, err)
		}
		for _, r := range res.Rows {
			name := cell(r, 0)
			if name == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			desc, err := s.Query(ctx, "DESCRIBE FORMATTED "+quote(database)+"."+quote(name))
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return err
				}
				c.reportError(name, err)
				continue
			}
			out = append(out, parseDescribeFormatted(name, desc.Rows))
		}
		return nil
	})
	if err != nil {
		c.resetErrors()
		return nil, err
	}
	return out, nil
}

// Sample reads up to n rows.
func (c *Connector) Sample(ctx context.Context, ref endpoint.TableRef, n int) ([]endpoint.Row, error) {
	var out []endpoint.Row
	err := c.withSession(ctx, func(ctx context.Context, s session) error {
		res, err := s.Query(ctx, fmt.Sprintf("SELECT * FROM %s.%s LIMIT %d", quote(ref.Database), quote(ref.Table), n))
		if err != nil {
			return fmt.Errorf("sample %s.%s: %w", ref.Database, ref.Table, err)
		}
		for _, r := range res.Rows {
			row := make(endpoint.Row, len(r))
			for i, v := range r {
				// SELECT * labels columns "table.column"
				col := res.Columns[i]
				if j := strings.LastIndexByte(col, '.'); j >= 0 {
					col = col[j+1:]
				}
				row[col] = v
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// TableErrors drains the per-table failures collected since the last call.
func (c *Connector) TableErrors() []endpoint.TableError {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.errors
	c.errors = nil
	return errs
}

func (c *Connector) resetErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = nil
}

func (c *Connector) reportError(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, endpoint.TableError{Table: table, Err: core.SchemaError("describe %s: %w", table, err)})
}

func (c *Connector) withSession(ctx context.Context, fn func(context.Context, session) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.dial(ctx, c.conn)
	if err != nil {
		return err
	}
	defer s.Close()

	err = fn(ctx, s)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return core.ConnectionError(err)
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.SchemaError("%w", err)
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
