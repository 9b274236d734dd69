package jdbc

import (
	"context"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL and MariaDB driver

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// MySQL extends Base for MySQL and MariaDB. A MySQL database is its own
// schema, so the connector exposes no schema level.
type MySQL struct {
	*Base
}

var mysqlDescriptor = &endpoint.Descriptor{
	Type:        core.ProviderMySQL,
	ID:          "jdbc.mysql",
	Title:       "MySQL",
	Vendor:      "Oracle",
	DefaultPort: 3306,
	Extras:      []string{"tls"},
}

var mariadbDescriptor = &endpoint.Descriptor{
	Type:        core.ProviderMariaDB,
	ID:          "jdbc.mariadb",
	Title:       "MariaDB",
	Vendor:      "MariaDB",
	DefaultPort: 3306,
	Extras:      []string{"tls"},
}

var mysqlDialect = &Dialect{
	Databases: `
		SELECT SCHEMA_NAME, NULL
		FROM information_schema.SCHEMATA
		ORDER BY SCHEMA_NAME`,
	Tables: `
		SELECT TABLE_NAME, TABLE_TYPE, TABLE_COMMENT
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME`,
	Columns: `
		SELECT TABLE_NAME,
			COLUMN_NAME,
			COLUMN_TYPE,
			IS_NULLABLE,
			ORDINAL_POSITION,
			CHARACTER_MAXIMUM_LENGTH,
			NULL,
			NULL,
			COLUMN_DEFAULT,
			COLUMN_COMMENT
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME, ORDINAL_POSITION`,
	Constraints: `
		SELECT tc.TABLE_NAME,
			tc.CONSTRAINT_NAME,
			tc.CONSTRAINT_TYPE,
			k.COLUMN_NAME,
			k.REFERENCED_TABLE_NAME,
			k.REFERENCED_COLUMN_NAME,
			NULL,
			COALESCE(k.ORDINAL_POSITION, 0)
		FROM information_schema.TABLE_CONSTRAINTS tc
		LEFT JOIN information_schema.KEY_COLUMN_USAGE k
			ON k.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
			AND k.TABLE_NAME = tc.TABLE_NAME
			AND k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.TABLE_SCHEMA = ?
		ORDER BY tc.TABLE_NAME, tc.CONSTRAINT_NAME, k.ORDINAL_POSITION`,
	SystemDatabases: []string{"information_schema", "mysql", "performance_schema", "sys"},
	Quote:           quoteWith("`", "`"),
	Limit: func(table string, n int) string {
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, n)
	},
}

// NewMySQL creates a MySQL connector.
func NewMySQL(conn core.Connection) (*MySQL, error) {
	return newMySQL(conn, mysqlDescriptor)
}

// NewMariaDB creates a MariaDB connector. MariaDB speaks the MySQL protocol
// and exposes the same information_schema.
func NewMariaDB(conn core.Connection) (*MySQL, error) {
	return newMySQL(conn, mariadbDescriptor)
}

func newMySQL(conn core.Connection, desc *endpoint.Descriptor) (*MySQL, error) {
	base, err := newBase(conn, "mysql", desc, mysqlDialect, MySQLDSN)
	if err != nil {
		return nil, err
	}
	return &MySQL{Base: base}, nil
}

// Capabilities reports no schema level.
func (m *MySQL) Capabilities() endpoint.Capabilities {
	caps := endpoint.SQLCapabilities()
	caps.SupportsSchema = false
	return caps
}

// ListSchemas returns nothing; tables hang directly off the database.
func (m *MySQL) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}
