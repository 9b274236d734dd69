// Package mongodb implements the MongoDB connector. Collections have no
// declared schema, so columns are inferred from a random document sample.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

const (
	// DefaultTimeout bounds every operation unless extras["timeout"] is set.
	DefaultTimeout = 60 * time.Second
	// SampleSize is the number of documents drawn per collection for inference.
	SampleSize = 100
)

var systemDatabases = map[string]struct{}{"admin": {}, "config": {}, "local": {}}

var (
	_ endpoint.Connector          = (*Connector)(nil)
	_ endpoint.Sampler            = (*Connector)(nil)
	_ endpoint.TableErrorReporter = (*Connector)(nil)
)

// Connector enumerates MongoDB databases and collections.
type Connector struct {
	uri     string
	timeout time.Duration

	mu     sync.Mutex
	errors []endpoint.TableError
}

// New creates a MongoDB connector.
func New(conn core.Connection) (*Connector, error) {
	if conn.Host == "" {
		return nil, core.ConfigError("mongodb: host is required")
	}
	if conn.Port == 0 {
		conn.Port = descriptor.DefaultPort
	}
	return &Connector{uri: URI(conn), timeout: conn.Timeout(DefaultTimeout)}, nil
}

// URI renders the connection string. extras["auth_source"] selects the
// authentication database.
func URI(conn core.Connection) string {
	u := &url.URL{
		Scheme: "mongodb",
		Host:   conn.Host + ":" + strconv.Itoa(conn.Port),
		Path:   "/",
	}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Secret)
	}
	q := url.Values{}
	if src := conn.Extra("auth_source", ""); src != "" {
		q.Set("authSource", src)
	}
	if rs := conn.Extra("replica_set", ""); rs != "" {
		q.Set("replicaSet", rs)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Connector) ID() string { return descriptor.ID }

func (c *Connector) Capabilities() endpoint.Capabilities {
	return endpoint.Capabilities{
		SupportsDatabase: true,
		SupportsViews:    true,
		SupportsSample:   true,
	}
}

func (c *Connector) IgnorableSchemas() map[string]struct{} { return map[string]struct{}{} }

// ListDatabases skips admin, config and local.
func (c *Connector) ListDatabases(ctx context.Context) ([]endpoint.DatabaseRecord, error) {
	var out []endpoint.DatabaseRecord
	err := c.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		names, err := client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return fmt.Errorf("list databases: %w", err)
		}
		for _, name := range names {
			if _, sys := systemDatabases[name]; sys {
				continue
			}
			out = append(out, endpoint.DatabaseRecord{Name: name})
		}
		return nil
	})
	return out, err
}

// ListSchemas returns nothing: MongoDB has no schema level.
func (c *Connector) ListSchemas(context.Context, string) ([]endpoint.SchemaRecord, error) {
	return nil, nil
}

// ListTables samples every collection and view of a database. A collection
// whose sample fails is skipped and reported through TableErrors.
func (c *Connector) ListTables(ctx context.Context, database, _ string) ([]endpoint.TableRecord, error) {
	c.resetErrors()
	var out []endpoint.TableRecord
	err := c.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		db := client.Database(database)
		specs, err := db.ListCollectionSpecifications(ctx, bson.D{})
		if err != nil {
			return fmt.Errorf("list collections of %s: %w", database, err)
		}
		for _, spec := range specs {
			if strings.HasPrefix(spec.Name, "system.") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			docs, err := sample(ctx, db.Collection(spec.Name), SampleSize)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return err
				}
				c.reportError(spec.Name, err)
				continue
			}
			kind := core.TableCollection
			if spec.Type == "view" {
				kind = core.TableView
			}
			out = append(out, endpoint.TableRecord{
				Name:    spec.Name,
				Kind:    kind,
				Columns: InferColumns(docs),
			})
		}
		return nil
	})
	if err != nil {
		c.resetErrors()
		return nil, err
	}
	return out, nil
}

// Sample reads the first n documents in natural order.
func (c *Connector) Sample(ctx context.Context, ref endpoint.TableRef, n int) ([]endpoint.Row, error) {
	var out []endpoint.Row
	err := c.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		coll := client.Database(ref.Database).Collection(ref.Table)
		cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(int64(n)))
		if err != nil {
			return fmt.Errorf("sample %s.%s: %w", ref.Database, ref.Table, err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return fmt.Errorf("sample %s.%s: %w", ref.Database, ref.Table, err)
		}
		for _, d := range docs {
			out = append(out, endpoint.Row(d))
		}
		return nil
	})
	return out, err
}

// TableErrors drains the per-collection failures collected since the last call.
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

func (c *Connector) reportError(coll string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, endpoint.TableError{Table: coll, Err: core.SchemaError("sample %s: %w", coll, err)})
}

func sample(ctx context.Context, coll *mongo.Collection, n int) ([]bson.D, error) {
	pipeline := mongo.Pipeline{{{Key: "$sample", Value: bson.D{{Key: "size", Value: n}}}}}
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Connector) withClient(ctx context.Context, fn func(context.Context, *mongo.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(c.uri).
		SetConnectTimeout(c.timeout).
		SetServerSelectionTimeout(c.timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return core.ConnectionError(err)
	}
	defer client.Disconnect(context.Background())

	return classify(fn(ctx, client))
}

func classify(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, mongo.ErrClientDisconnected),
		mongo.IsNetworkError(err),
		mongo.IsTimeout(err):
		return core.ConnectionError(err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(13) || se.HasErrorCode(18)) {
		// Unauthorized and AuthenticationFailed
		return &core.Error{Code: core.CodeConnection, Reason: "auth", Err: err}
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.SchemaError("%w", err)
}
