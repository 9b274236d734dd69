// Package elasticsearch implements the Elasticsearch connector. Every index
// becomes a table of one synthetic database; nested mapping properties are
// flattened into columns named parent>child.
package elasticsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olivere/elastic/v7"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// DefaultTimeout bounds every cluster call unless extras["timeout"] is set.
const DefaultTimeout = 30 * time.Second

// Separator joins nested property names.
const Separator = ">"

var (
	_ endpoint.Connector = (*Connector)(nil)
	_ endpoint.Sampler   = (*Connector)(nil)
)

// Connector reads index mappings.
type Connector struct {
	conn      core.Connection
	url       string
	timeout   time.Duration
	transport http.RoundTripper
}

// New creates an Elasticsearch connector.
func New(conn core.Connection) (*Connector, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("elasticsearch: host is required")
	}
	if conn.Port == 0 {
		conn.Port = descriptor.DefaultPort
	}
	return &Connector{
		conn:    conn,
		url:     fmt.Sprintf("%s://%s", conn.Extra("scheme", "http"), net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))),
		timeout: conn.Timeout(DefaultTimeout),
	}, nil
}

func (c *Connector) ID() string { return descriptor.ID }

func (c *Connector) Capabilities() endpoint.Capabilities {
	return endpoint.Capabilities{SupportsSample: true}
}

func (c *Connector) IgnorableSchemas() map[string]struct{} { return nil }

// ListDatabases returns the single logical database.
func (c *Connector) ListDatabases(context.Context) ([]endpoint.DatabaseRecord, error) {
	return []endpoint.DatabaseRecord{{Name: endpoint.DefaultDatabase}}, nil
}

func (c *Connector) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}

// ListTables maps every non-system index to a table.
func (c *Connector) ListTables(ctx context.Context, _, _ string) ([]endpoint.TableRecord, error) {
	var out []endpoint.TableRecord
	err := c.withClient(ctx, func(ctx context.Context, client *elastic.Client) error {
		mappings, err := client.GetMapping().Do(ctx)
		if err != nil {
			return fmt.Errorf("get mappings: %w", err)
		}
		out = tablesFromMappings(mappings)
		return nil
	})
	return out, err
}

// Sample returns the _source of up to n documents.
func (c *Connector) Sample(ctx context.Context, ref endpoint.TableRef, n int) ([]endpoint.Row, error) {
	var out []endpoint.Row
	err := c.withClient(ctx, func(ctx context.Context, client *elastic.Client) error {
		res, err := client.Search().Index(ref.Table).Size(n).Do(ctx)
		if err != nil {
			return fmt.Errorf("search %s: %w", ref.Table, err)
		}
		if res.Hits == nil {
			return nil
		}
		for _, hit := range res.Hits.Hits {
			var row endpoint.Row
			if err := json.Unmarshal(hit.Source, &row); err != nil {
				return core.SchemaError("decode %s/%s: %w", ref.Table, hit.Id, err)
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func (c *Connector) withClient(ctx context.Context, fn func(context.Context, *elastic.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(c.url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
		elastic.SetHttpClient(&http.Client{Timeout: c.timeout, Transport: c.transport}),
	}
	if c.conn.User != "" {
		opts = append(opts, elastic.SetBasicAuth(c.conn.User, c.conn.Secret))
	}
	client, err := elastic.NewClient(opts...)
	if err != nil {
		return core.ConnectionError(fmt.Errorf("connect elasticsearch %s: %w", c.url, err))
	}
	defer client.Stop()

	return classify(fn(ctx, client))
}

func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	var esErr *elastic.Error
	if errors.As(err, &esErr) {
		switch {
		case esErr.Status == http.StatusNotFound:
			return core.NotFound(err.Error())
		case esErr.Status == http.StatusUnauthorized, esErr.Status == http.StatusForbidden:
			return &core.Error{Code: core.CodeConnection, Status: esErr.Status, Err: err}
		case esErr.Status >= 500:
			return core.ConnectionError(err)
		}
		return core.SchemaError("%w", err)
	}
	return core.ConnectionError(err)
}

// =============================================================================
// MAPPING FLATTENING
// =============================================================================

// tablesFromMappings converts a GET _mapping response. Indices whose name
// starts with "." are system indices and skipped.
func tablesFromMappings(mappings map[string]any) []endpoint.TableRecord {
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]endpoint.TableRecord, 0, len(names))
	for _, name := range names {
		index, _ := mappings[name].(map[string]any)
		m, _ := index["mappings"].(map[string]any)
		props, _ := m["properties"].(map[string]any)
		rec := endpoint.TableRecord{Name: name, Kind: core.TableIndex}
		if meta, ok := m["_meta"].(map[string]any); ok {
			if d, ok := meta["description"].(string); ok {
				rec.Description = d
			}
		}
		rec.Columns = FlattenProperties(props)
		out = append(out, rec)
	}
	return out
}

// FlattenProperties walks a mapping's properties depth first in name order.
// Object fields produce an OBJECT column followed by their children; nested
// fields produce an ARRAY of OBJECT column followed by their children.
func FlattenProperties(props map[string]any) []core.Column {
	var out []core.Column
	flatten("", props, &out)
	return out
}

func flatten(prefix string, props map[string]any, out *[]core.Column) {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field, _ := props[name].(map[string]any)
		full := name
		if prefix != "" {
			full = prefix + Separator + name
		}
		children, hasChildren := field["properties"].(map[string]any)
		native, _ := field["type"].(string)
		if native == "" && hasChildren {
			native = "object"
		}

		col := core.Column{
			Name:       full,
			NativeType: native,
			Nullable:   true,
			Position:   len(*out) + 1,
		}
		switch native {
		case "nested":
			col.DataType = core.TypeArray
			col.ArrayDataType = core.TypeObject
		case "object":
			col.DataType = core.TypeObject
		default:
			col.DataType, _ = core.NormalizeType(native)
		}
		*out = append(*out, col)

		if hasChildren {
			flatten(full, children, out)
		}
	}
}
