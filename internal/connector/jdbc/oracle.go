package jdbc

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// Oracle extends Base with Oracle dictionary queries. The connection's
// service is the only database; owners are schemas.
type Oracle struct {
	*Base
}

var oracleDescriptor = &endpoint.Descriptor{
	Type:        core.ProviderOracle,
	ID:          "jdbc.oracle",
	Title:       "Oracle Database",
	Vendor:      "Oracle",
	DefaultPort: 1521,
	Extras:      []string{"service_name"},
}

var oracleDialect = &Dialect{
	Schemas: `
		SELECT username, NULL
		FROM all_users
		ORDER BY username`,
	Tables: `
		SELECT t.table_name, 'REGULAR', c.comments
		FROM all_tables t
		LEFT JOIN all_tab_comments c ON c.owner = t.owner AND c.table_name = t.table_name
		WHERE t.owner = :owner
		UNION ALL
		SELECT v.view_name, 'VIEW', c.comments
		FROM all_views v
		LEFT JOIN all_tab_comments c ON c.owner = v.owner AND c.table_name = v.view_name
		WHERE v.owner = :owner
		ORDER BY 1`,
	Columns: `
		SELECT c.table_name,
			c.column_name,
			c.data_type,
			c.nullable,
			c.column_id,
			c.char_length,
			c.data_precision,
			c.data_scale,
			NULL,
			cc.comments
		FROM all_tab_columns c
		LEFT JOIN all_col_comments cc
			ON cc.owner = c.owner AND cc.table_name = c.table_name AND cc.column_name = c.column_name
		WHERE c.owner = :owner
		ORDER BY c.table_name, c.column_id`,
	Constraints: `
		SELECT c.table_name,
			c.constraint_name,
			c.constraint_type,
			cc.column_name,
			rc.table_name,
			rcc.column_name,
			NULL,
			NVL(cc.position, 0)
		FROM all_constraints c
		LEFT JOIN all_cons_columns cc
			ON cc.owner = c.owner AND cc.constraint_name = c.constraint_name
		LEFT JOIN all_constraints rc
			ON rc.owner = c.r_owner AND rc.constraint_name = c.r_constraint_name
		LEFT JOIN all_cons_columns rcc
			ON rcc.owner = rc.owner AND rcc.constraint_name = rc.constraint_name AND rcc.position = cc.position
		WHERE c.owner = :owner AND c.constraint_type IN ('P', 'U', 'R')
		ORDER BY 1, 2, 8`,
	Ignorable: []string{
		"SYS", "SYSTEM", "OUTLN", "XDB", "DBSNMP", "APPQOSSYS", "AUDSYS", "CTXSYS", "DVSYS",
		"DVF", "GSMADMIN_INTERNAL", "LBACSYS", "MDSYS", "OJVMSYS", "OLAPSYS", "ORDDATA",
		"ORDSYS", "ORDPLUGINS", "SI_INFORMTN_SCHEMA", "WMSYS", "DBSFWUSER", "GGSYS",
		"ANONYMOUS", "REMOTE_SCHEDULER_AGENT", "SYS$UMF", "SYSBACKUP", "SYSDG", "SYSKM",
		"SYSRAC", "GSMCATUSER", "GSMUSER", "XS$NULL", "DIP", "MDDATA", "ORACLE_OCM",
	},
	Quote: quoteWith(`"`, `"`),
	Limit: func(table string, n int) string {
		return fmt.Sprintf("SELECT * FROM %s FETCH FIRST %d ROWS ONLY", table, n)
	},
	Args: func(schema string) []any {
		return []any{sql.Named("owner", schema)}
	},
}

// NewOracle creates an Oracle connector.
func NewOracle(conn core.Connection) (*Oracle, error) {
	base, err := newBase(conn, "godror", oracleDescriptor, oracleDialect, OracleDSN)
	if err != nil {
		return nil, err
	}
	return &Oracle{Base: base}, nil
}

// ListDatabases returns the single service the connection addresses.
func (o *Oracle) ListDatabases(context.Context) ([]endpoint.DatabaseRecord, error) {
	return []endpoint.DatabaseRecord{{Name: o.Conn.Extra("service_name", DefaultOracleService)}}, nil
}
