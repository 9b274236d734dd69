package jdbc

import (
	"fmt"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// MSSQL extends Base with SQL Server catalog queries.
type MSSQL struct {
	*Base
}

var mssqlDescriptor = &endpoint.Descriptor{
	Type:        core.ProviderSQLServer,
	ID:          "jdbc.mssql",
	Title:       "Microsoft SQL Server",
	Vendor:      "Microsoft",
	DefaultPort: 1433,
	Extras:      []string{"encrypt", "trust_server_certificate"},
}

const mssqlDescription = `CAST(ep.value AS NVARCHAR(4000))`

var mssqlDialect = &Dialect{
	Databases: `
		SELECT name, NULL
		FROM sys.databases
		WHERE database_id > 4 AND state = 0
		ORDER BY name`,
	Schemas: `
		SELECT name, NULL
		FROM sys.schemas
		ORDER BY name`,
	Tables: fmt.Sprintf(`
		SELECT o.name,
			CASE o.type WHEN 'V' THEN 'VIEW' ELSE 'REGULAR' END,
			%s
		FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = o.object_id AND ep.minor_id = 0 AND ep.name = 'MS_Description'
		WHERE s.name = @p1 AND o.type IN ('U', 'V')
		ORDER BY o.name`, mssqlDescription),
	Columns: fmt.Sprintf(`
		SELECT o.name,
			c.name,
			t.name,
			CASE WHEN c.is_nullable = 1 THEN 'YES' ELSE 'NO' END,
			c.column_id,
			CASE
				WHEN t.name IN ('nvarchar', 'nchar') AND c.max_length > 0 THEN c.max_length / 2
				WHEN t.name IN ('varchar', 'char', 'varbinary', 'binary') THEN c.max_length
			END,
			CASE WHEN t.name IN ('decimal', 'numeric') THEN c.precision END,
			CASE WHEN t.name IN ('decimal', 'numeric') THEN c.scale END,
			dc.definition,
			%s
		FROM sys.columns c
		JOIN sys.objects o ON o.object_id = c.object_id
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		JOIN sys.types t ON t.user_type_id = c.user_type_id
		LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = c.object_id AND ep.minor_id = c.column_id AND ep.name = 'MS_Description'
		WHERE s.name = @p1 AND o.type IN ('U', 'V')
		ORDER BY o.name, c.column_id`, mssqlDescription),
	Constraints: `
		SELECT t.name, kc.name,
			CASE kc.type WHEN 'PK' THEN 'PRIMARY_KEY' ELSE 'UNIQUE' END,
			c.name, NULL, NULL, NULL, ic.key_ordinal
		FROM sys.key_constraints kc
		JOIN sys.tables t ON t.object_id = kc.parent_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.index_columns ic ON ic.object_id = kc.parent_object_id AND ic.index_id = kc.unique_index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		WHERE s.name = @p1
		UNION ALL
		SELECT t.name, fk.name, 'FOREIGN_KEY', pc.name, rt.name, rc.name, NULL, fkc.constraint_column_id
		FROM sys.foreign_keys fk
		JOIN sys.tables t ON t.object_id = fk.parent_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
		JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
		JOIN sys.tables rt ON rt.object_id = fkc.referenced_object_id
		JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
		WHERE s.name = @p1
		UNION ALL
		SELECT t.name, cc.name, 'CHECK', NULL, NULL, NULL, cc.definition, 0
		FROM sys.check_constraints cc
		JOIN sys.tables t ON t.object_id = cc.parent_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1
		ORDER BY 1, 2, 8`,
	Ignorable: []string{
		"sys", "INFORMATION_SCHEMA", "guest",
		"db_owner", "db_accessadmin", "db_securityadmin", "db_ddladmin", "db_backupoperator",
		"db_datareader", "db_datawriter", "db_denydatareader", "db_denydatawriter",
	},
	Quote: quoteWith("[", "]"),
	Limit: func(table string, n int) string {
		return fmt.Sprintf("SELECT TOP (%d) * FROM %s", n, table)
	},
}

// NewMSSQL creates a SQL Server connector.
func NewMSSQL(conn core.Connection) (*MSSQL, error) {
	base, err := newBase(conn, "sqlserver", mssqlDescriptor, mssqlDialect, SQLServerDSN)
	if err != nil {
		return nil, err
	}
	return &MSSQL{Base: base}, nil
}
