// Package druid implements the Apache Druid connector over the SQL HTTP API.
// Druid exposes one logical database, no schemas, no keys and no views.
package druid

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/collector/internal/connector/http"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// SQLPath is the Druid SQL endpoint.
const SQLPath = "/druid/v2/sql/"

// DefaultTimeout bounds every Druid call unless extras["timeout"] is set.
const DefaultTimeout = 30 * time.Second

var (
	_ endpoint.Connector = (*Connector)(nil)
	_ endpoint.Sampler   = (*Connector)(nil)
)

// Connector queries Druid's INFORMATION_SCHEMA.
type Connector struct {
	client  *http.Client
	timeout time.Duration
}

// New creates a Druid connector for the router or broker at conn.Host.
func New(conn core.Connection) (*Connector, error) {
	return NewWithClient(conn, nil)
}

// NewWithClient creates a connector using opts as the HTTP client template.
// A nil opts uses defaults.
func NewWithClient(conn core.Connection, opts *http.Options) (*Connector, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("druid: host is required")
	}
	if conn.Port == 0 {
		conn.Port = descriptor.DefaultPort
	}
	o := http.DefaultOptions()
	if opts != nil {
		o = *opts
	}
	scheme := conn.Extra("scheme", "http")
	o.BaseURL = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port)))
	o.Timeout = conn.Timeout(DefaultTimeout)
	o.User, o.Password = conn.User, conn.Secret
	return &Connector{client: http.New(o), timeout: o.Timeout}, nil
}

func (c *Connector) ID() string { return descriptor.ID }

func (c *Connector) Capabilities() endpoint.Capabilities {
	return endpoint.Capabilities{SupportsSample: true}
}

func (c *Connector) IgnorableSchemas() map[string]struct{} {
	return map[string]struct{}{"INFORMATION_SCHEMA": {}, "sys": {}, "lookup": {}, "view": {}}
}

// ListDatabases returns the single logical database.
func (c *Connector) ListDatabases(context.Context) ([]endpoint.DatabaseRecord, error) {
	return []endpoint.DatabaseRecord{{Name: endpoint.DefaultDatabase}}, nil
}

func (c *Connector) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}

// ListTables lists datasources in the "druid" schema with their columns.
func (c *Connector) ListTables(ctx context.Context, _, _ string) ([]endpoint.TableRecord, error) {
	tables, err := c.query(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = 'druid'
		ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	columns, err := c.query(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = 'druid'
		ORDER BY TABLE_NAME, ORDINAL_POSITION`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	byName := make(map[string]*endpoint.TableRecord, len(tables))
	out := make([]endpoint.TableRecord, 0, len(tables))
	for _, row := range tables {
		name := asString(row["TABLE_NAME"])
		out = append(out, endpoint.TableRecord{Name: name, Kind: core.TableRegular})
	}
	for i := range out {
		byName[out[i].Name] = &out[i]
	}
	for _, row := range columns {
		rec, ok := byName[asString(row["TABLE_NAME"])]
		if !ok {
			continue
		}
		native := asString(row["DATA_TYPE"])
		dt, _ := core.NormalizeType(native)
		col := core.Column{
			Name:       asString(row["COLUMN_NAME"]),
			DataType:   dt,
			NativeType: native,
			Nullable:   strings.EqualFold(asString(row["IS_NULLABLE"]), "YES"),
			Position:   asInt(row["ORDINAL_POSITION"]),
		}
		if dt == core.TypeArray {
			col.ArrayDataType = core.ArrayElementType(native)
		}
		rec.Columns = append(rec.Columns, col)
	}
	return out, nil
}

// Sample reads up to n rows of a datasource.
func (c *Connector) Sample(ctx context.Context, ref endpoint.TableRef, n int) ([]endpoint.Row, error) {
	rows, err := c.query(ctx, fmt.Sprintf(`SELECT * FROM "druid".%s LIMIT %d`, quote(ref.Table), n))
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", ref.Table, err)
	}
	out := make([]endpoint.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, endpoint.Row(r))
	}
	return out, nil
}

// sqlRequest is the Druid SQL API request body.
type sqlRequest struct {
	Query        string `json:"query"`
	ResultFormat string `json:"resultFormat"`
	Header       bool   `json:"header"`
}

// query posts a SQL statement and returns rows keyed by column name. The
// first row of an "array" result with header=true holds the column names.
func (c *Connector) query(ctx context.Context, stmt string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.client.PostJSON(ctx, SQLPath, sqlRequest{Query: stmt, ResultFormat: "array", Header: true})
	if err != nil {
		return nil, http.Classify(err, "druid sql")
	}
	return decodeArrayResult(body)
}

func decodeArrayResult(body []byte) ([]map[string]any, error) {
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, core.SchemaError("decode druid result: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	header := make([]string, len(raw[0]))
	for i, h := range raw[0] {
		header[i] = asString(h)
	}
	out := make([]map[string]any, 0, len(raw)-1)
	for _, values := range raw[1:] {
		row := make(map[string]any, len(header))
		for i, v := range values {
			if i < len(header) {
				row[header[i]] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
