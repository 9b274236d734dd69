// Package catalog is the client side of the Catalog API: idempotent asset
// upserts by fully qualified name, batch soft-delete and paged queries over
// providers, ingestions and assets.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/nucleus/collector/internal/core"
)

// Asset is a stored catalog asset: its decoded header plus the full
// serialized view used for diffing.
type Asset struct {
	core.AssetHeader
	View map[string]any
}

func decodeAsset(data []byte) (*Asset, error) {
	var a Asset
	if err := json.Unmarshal(data, &a.AssetHeader); err != nil {
		return nil, fmt.Errorf("decode asset: %w", err)
	}
	if err := json.Unmarshal(data, &a.View); err != nil {
		return nil, fmt.Errorf("decode asset view: %w", err)
	}
	return &a, nil
}

func assetFromView(view map[string]any) (*Asset, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("encode asset view: %w", err)
	}
	return decodeAsset(data)
}

// Page is one page of a paged listing.
type Page[T any] struct {
	Items    []T `json:"items"`
	Count    int `json:"count"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Last reports whether no further page exists.
func (p Page[T]) Last() bool {
	if len(p.Items) < p.PageSize || p.PageSize == 0 {
		return true
	}
	return p.Page*p.PageSize >= p.Count
}

// ListQuery selects children of a parent asset.
type ListQuery struct {
	ParentID       string
	IncludeDeleted bool
}

// IngestionQuery filters ingestion specs.
type IngestionQuery struct {
	ProviderID     string
	SchedulingType core.SchedulingType
}

// MaxPageSize is the largest page the Catalog API serves.
const MaxPageSize = 100
