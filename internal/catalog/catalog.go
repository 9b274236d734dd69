package catalog

import (
	"context"

	"github.com/nucleus/collector/internal/core"
)

// Catalog is the set of Catalog API operations the collector depends on.
// Client and Memory both satisfy it.
type Catalog interface {
	Exists(ctx context.Context, fqn string) (bool, error)
	Get(ctx context.Context, kind core.AssetKind, fqn string) (*Asset, error)
	Create(ctx context.Context, kind core.AssetKind, body any) (*Asset, error)
	Update(ctx context.Context, kind core.AssetKind, fqn string, body any) (*Asset, error)
	DisableMany(ctx context.Context, ids []string) error
	List(ctx context.Context, kind core.AssetKind, q ListQuery) ([]*Asset, error)

	GetProvider(ctx context.Context, id string) (*core.Provider, error)
	ListConnections(ctx context.Context, providerID string) ([]core.Connection, error)
	GetIngestion(ctx context.Context, id string) (*core.IngestionSpec, error)
	ListIngestions(ctx context.Context, q IngestionQuery, page int) (Page[core.IngestionSpec], error)
}

var (
	_ Catalog = (*Client)(nil)
	_ Catalog = (*Memory)(nil)
)
