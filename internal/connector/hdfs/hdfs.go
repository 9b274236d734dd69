// Package hdfs implements the HDFS connector over the WebHDFS REST API.
//
// The configured root directory is the single database. The tree below it
// is walked and every leaf partition (a non-empty directory whose entries
// are all part-NNNNN*.parquet files) becomes one table. Exactly one part
// file per partition is opened and only its footer is fetched.
package hdfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/collector/internal/connector/http"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

// DefaultTimeout bounds a full tree walk unless extras["timeout"] is set.
const DefaultTimeout = 60 * time.Second

// PartFilePattern matches the files of a leaf partition.
var PartFilePattern = regexp.MustCompile(`^part-\d{5}.*\.parquet$`)

// maxFooterSize rejects corrupt footer lengths before fetching them.
const maxFooterSize = 64 << 20

var (
	_ endpoint.Connector          = (*Connector)(nil)
	_ endpoint.TableErrorReporter = (*Connector)(nil)
)

// Connector walks a WebHDFS namespace.
type Connector struct {
	fs      *webhdfs
	root    string
	timeout time.Duration
	// ignoreMarkers skips "_" and "." prefixed entries such as _SUCCESS
	// when classifying a directory.
	ignoreMarkers bool

	mu     sync.Mutex
	errors []endpoint.TableError
}

// New creates an HDFS connector for the NameNode at conn.Host.
func New(conn core.Connection) (*Connector, error) {
	return NewWithClient(conn, nil)
}

// NewWithClient creates a connector using opts as the HTTP client template.
// WebHDFS authenticates with the user.name parameter, never basic auth.
func NewWithClient(conn core.Connection, opts *http.Options) (*Connector, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("hdfs: host is required")
	}
	if conn.Port == 0 {
		conn.Port = descriptor.DefaultPort
	}
	o := http.DefaultOptions()
	o.RatePerSecond, o.Burst = 50, 20
	if opts != nil {
		o = *opts
	}
	scheme := conn.Extra("scheme", "http")
	o.BaseURL = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port)))
	o.User, o.Password = "", ""
	timeout := conn.Timeout(DefaultTimeout)
	if o.Timeout == 0 || o.Timeout > timeout {
		o.Timeout = timeout
	}

	root := conn.Database
	if root == "" {
		root = "/"
	}
	ignore, _ := strconv.ParseBool(conn.Extra("ignore_markers", "false"))

	return &Connector{
		fs:            &webhdfs{client: http.New(o), user: conn.User},
		root:          path.Clean("/" + root),
		timeout:       timeout,
		ignoreMarkers: ignore,
	}, nil
}

func (c *Connector) ID() string { return descriptor.ID }

func (c *Connector) Capabilities() endpoint.Capabilities {
	return endpoint.Capabilities{SupportsDatabase: true}
}

func (c *Connector) IgnorableSchemas() map[string]struct{} { return map[string]struct{}{} }

// ListDatabases returns the configured root after checking it is listable.
func (c *Connector) ListDatabases(ctx context.Context) ([]endpoint.DatabaseRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.fs.listStatus(ctx, c.root); err != nil {
		return nil, classify(err)
	}
	return []endpoint.DatabaseRecord{{Name: c.root}}, nil
}

func (c *Connector) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}

// ListTables walks the database directory and reads one footer per leaf
// partition. A partition whose footer cannot be read is reported through
// TableErrors and skipped.
func (c *Connector) ListTables(ctx context.Context, database, _ string) ([]endpoint.TableRecord, error) {
	c.resetErrors()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	root := c.root
	if database != "" {
		root = path.Clean("/" + database)
	}

	var out []endpoint.TableRecord
	err := c.walk(ctx, root, func(dir string, files []FileStatus) error {
		name := TableName(root, dir)
		part := files[0]
		cols, err := c.readSchema(ctx, path.Join(dir, part.PathSuffix), part.Length)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			var ce *core.Error
			if errors.As(err, &ce) && ce.Code == core.CodeConnection {
				return err
			}
			c.reportError(name, err)
			return nil
		}
		out = append(out, endpoint.TableRecord{
			Name:        name,
			Description: dir,
			Kind:        core.TableExternal,
			Columns:     cols,
		})
		return nil
	})
	if err != nil {
		c.resetErrors()
		return nil, classify(err)
	}
	return out, nil
}

// TableName is the partition path relative to root with "/" replaced by
// "\". A root that is itself a partition is named after its last segment.
func TableName(root, dir string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(dir, root), "/")
	if rel == "" {
		rel = path.Base(root)
		if rel == "/" {
			rel = "root"
		}
	}
	return strings.ReplaceAll(rel, "/", `\`)
}

// walk visits directories depth-first in name order and calls leaf for
// every leaf partition with its part files sorted by name.
func (c *Connector) walk(ctx context.Context, dir string, leaf func(string, []FileStatus) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := c.fs.listStatus(ctx, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PathSuffix < entries[j].PathSuffix })

	if files, ok := c.partition(entries); ok {
		return leaf(dir, files)
	}
	for _, e := range entries {
		if e.Type != TypeDirectory {
			continue
		}
		if err := c.walk(ctx, path.Join(dir, e.PathSuffix), leaf); err != nil {
			return err
		}
	}
	return nil
}

// partition reports whether entries form a leaf partition and returns its
// part files.
func (c *Connector) partition(entries []FileStatus) ([]FileStatus, bool) {
	var files []FileStatus
	for _, e := range entries {
		if c.ignoreMarkers && e.Type == TypeFile && isMarker(e.PathSuffix) {
			continue
		}
		if e.Type != TypeFile || !PartFilePattern.MatchString(e.PathSuffix) {
			return nil, false
		}
		files = append(files, e)
	}
	return files, len(files) > 0
}

func isMarker(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// readSchema fetches the trailing 8 bytes, then the footer, and converts
// its schema.
func (c *Connector) readSchema(ctx context.Context, file string, size int64) ([]core.Column, error) {
	if size < 12 {
		return nil, core.SchemaError("%s: file too small for parquet (%d bytes)", file, size)
	}
	tail, err := c.fs.readRange(ctx, file, size-tailSize, tailSize)
	if err != nil {
		return nil, err
	}
	n, err := footerLength(tail)
	if err != nil {
		return nil, core.SchemaError("%s: %w", file, err)
	}
	if n <= 0 || n > maxFooterSize || n+tailSize > size {
		return nil, core.SchemaError("%s: invalid footer length %d", file, n)
	}
	suffix, err := c.fs.readRange(ctx, file, size-tailSize-n, n+tailSize)
	if err != nil {
		return nil, err
	}
	meta, err := decodeFooter(suffix)
	if err != nil {
		return nil, core.SchemaError("%s: %w", file, err)
	}
	return SchemaColumns(meta.Schema), nil
}

// TableErrors drains the per-partition failures collected since the last call.
func (c *Connector) TableErrors() []endpoint.TableError {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.errors
	c.errors = nil
	return errs
}

// resetErrors drops skipped tables of an earlier listing that were never
// drained.
func (c *Connector) resetErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = nil
}

func (c *Connector) reportError(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, endpoint.TableError{Table: table, Err: err})
}

func classify(err error) error {
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
