package jdbc

import (
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// Postgres extends Base with PostgreSQL catalog queries.
type Postgres struct {
	*Base
}

var postgresDescriptor = &endpoint.Descriptor{
	Type:        core.ProviderPostgres,
	ID:          "jdbc.postgres",
	Title:       "PostgreSQL",
	Vendor:      "PostgreSQL",
	DefaultPort: 5432,
	Extras:      []string{"sslmode"},
}

const pgRelkinds = `('r', 'v', 'm', 'f', 'p')`

var postgresDialect = &Dialect{
	Databases: `
		SELECT datname, shobj_description(oid, 'pg_database')
		FROM pg_database
		WHERE NOT datistemplate AND datallowconn
		ORDER BY datname`,
	Schemas: `
		SELECT nspname, obj_description(oid, 'pg_namespace')
		FROM pg_namespace
		WHERE nspname NOT LIKE 'pg\_temp\_%' AND nspname NOT LIKE 'pg\_toast\_temp\_%'
		ORDER BY nspname`,
	Tables: fmt.Sprintf(`
		SELECT c.relname,
			CASE c.relkind
				WHEN 'v' THEN 'VIEW'
				WHEN 'm' THEN 'MATERIALIZED_VIEW'
				WHEN 'f' THEN 'FOREIGN'
				WHEN 'p' THEN 'PARTITIONED'
				ELSE 'REGULAR'
			END,
			obj_description(c.oid, 'pg_class')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN %s AND NOT c.relispartition
		ORDER BY c.relname`, pgRelkinds),
	Columns: fmt.Sprintf(`
		SELECT c.relname,
			a.attname,
			format_type(a.atttypid, a.atttypmod),
			CASE WHEN a.attnotnull THEN 'NO' ELSE 'YES' END,
			a.attnum,
			NULL::bigint, NULL::bigint, NULL::bigint,
			pg_get_expr(d.adbin, d.adrelid),
			col_description(c.oid, a.attnum)
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relkind IN %s AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY c.relname, a.attnum`, pgRelkinds),
	Constraints: `
		SELECT c.relname,
			con.conname,
			CASE con.contype
				WHEN 'p' THEN 'PRIMARY_KEY'
				WHEN 'u' THEN 'UNIQUE'
				WHEN 'f' THEN 'FOREIGN_KEY'
				ELSE 'CHECK'
			END,
			a.attname,
			rc.relname,
			ra.attname,
			CASE WHEN con.contype = 'c' THEN pg_get_constraintdef(con.oid) END,
			COALESCE(k.ord, 0)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refnum, ord) ON true
		LEFT JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		LEFT JOIN pg_class rc ON rc.oid = con.confrelid
		LEFT JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refnum
		WHERE n.nspname = $1 AND con.contype IN ('p', 'u', 'f', 'c')
		ORDER BY c.relname, con.conname, k.ord`,
	Ignorable: []string{"pg_catalog", "information_schema", "pg_toast"},
	Quote:     quoteWith(`"`, `"`),
	Limit: func(table string, n int) string {
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, n)
	},
}

// NewPostgres creates a PostgreSQL connector.
func NewPostgres(conn core.Connection) (*Postgres, error) {
	base, err := newBase(conn, "postgres", postgresDescriptor, postgresDialect, PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &Postgres{Base: base}, nil
}
