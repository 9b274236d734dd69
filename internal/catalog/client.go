package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nucleus/collector/internal/core"
)

// Config configures the Catalog API client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Retries  int
	PageSize int
	Tokens   *TokenSource

	// RetryWait is the first gap between retries of 5xx answers.
	RetryWait time.Duration
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Client talks to the Catalog API over HTTP.
type Client struct {
	rc       *resty.Client
	pageSize int
}

// NewClient creates a Catalog API client. Server errors and transport
// failures are retried cfg.Retries times (default 3).
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8 * cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Transport != nil {
		rc.SetTransport(cfg.Transport)
	}
	if cfg.Tokens != nil {
		tokens := cfg.Tokens
		rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			token, err := tokens.Token()
			if err != nil {
				return fmt.Errorf("mint catalog token: %w", err)
			}
			r.SetAuthToken(token)
			return nil
		})
	}

	return &Client{rc: rc, pageSize: cfg.PageSize}
}

// =============================================================================
// ASSETS
// =============================================================================

// Exists probes OPTIONS /assets/{fqn}. A 404 is not an error.
func (c *Client) Exists(ctx context.Context, fqn string) (bool, error) {
	resp, err := c.rc.R().SetContext(ctx).Options("/assets/" + url.PathEscape(fqn))
	if err := check(resp, err, "asset "+fqn); err != nil {
		if core.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get fetches one asset by FQN.
func (c *Client) Get(ctx context.Context, kind core.AssetKind, fqn string) (*Asset, error) {
	resp, err := c.rc.R().SetContext(ctx).Get(assetPath(kind, fqn))
	if err := check(resp, err, string(kind)+" "+fqn); err != nil {
		return nil, err
	}
	return decodeAsset(resp.Body())
}

// Create posts a new asset and returns the stored representation.
func (c *Client) Create(ctx context.Context, kind core.AssetKind, body any) (*Asset, error) {
	resp, err := c.rc.R().SetContext(ctx).SetBody(body).Post("/" + string(kind) + "/")
	if err := check(resp, err, string(kind)); err != nil {
		return nil, err
	}
	return decodeAsset(resp.Body())
}

// Update patches an existing asset addressed by FQN.
func (c *Client) Update(ctx context.Context, kind core.AssetKind, fqn string, body any) (*Asset, error) {
	resp, err := c.rc.R().SetContext(ctx).SetBody(body).Patch(assetPath(kind, fqn))
	if err := check(resp, err, string(kind)+" "+fqn); err != nil {
		return nil, err
	}
	return decodeAsset(resp.Body())
}

// DisableMany tombstones the given asset ids in one call.
func (c *Client) DisableMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	resp, err := c.rc.R().SetContext(ctx).SetBody(ids).Patch("/assets/disable-many")
	return check(resp, err, "assets")
}

// List returns every asset of kind under the parent, walking all pages.
func (c *Client) List(ctx context.Context, kind core.AssetKind, q ListQuery) ([]*Asset, error) {
	var out []*Asset
	for page := 1; ; page++ {
		params := map[string]string{
			"page":      strconv.Itoa(page),
			"page_size": strconv.Itoa(c.pageSize),
		}
		if q.ParentID != "" {
			params["parent_id"] = q.ParentID
		}
		if q.IncludeDeleted {
			params["include_deleted"] = "true"
		}

		var p Page[json.RawMessage]
		if err := c.getJSON(ctx, "/"+string(kind)+"/", params, &p); err != nil {
			return nil, err
		}
		for _, raw := range p.Items {
			a, err := decodeAsset(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		if p.Last() {
			return out, nil
		}
	}
}

// =============================================================================
// PROVIDERS & INGESTIONS
// =============================================================================

// GetProvider fetches a provider by id.
func (c *Client) GetProvider(ctx context.Context, id string) (*core.Provider, error) {
	var p core.Provider
	if err := c.getJSON(ctx, "/providers/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListConnections returns the connection descriptors of a provider.
func (c *Client) ListConnections(ctx context.Context, providerID string) ([]core.Connection, error) {
	var out []core.Connection
	path := "/providers/" + url.PathEscape(providerID) + "/connections"
	for page := 1; ; page++ {
		var p Page[core.Connection]
		params := map[string]string{"page": strconv.Itoa(page), "page_size": strconv.Itoa(c.pageSize)}
		if err := c.getJSON(ctx, path, params, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if p.Last() {
			return out, nil
		}
	}
}

// GetIngestion fetches one ingestion spec.
func (c *Client) GetIngestion(ctx context.Context, id string) (*core.IngestionSpec, error) {
	var s core.IngestionSpec
	if err := c.getJSON(ctx, "/ingestions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListIngestions returns one page of ingestion specs. Pages start at 1.
func (c *Client) ListIngestions(ctx context.Context, q IngestionQuery, page int) (Page[core.IngestionSpec], error) {
	params := map[string]string{"page": strconv.Itoa(page), "page_size": strconv.Itoa(c.pageSize)}
	if q.ProviderID != "" {
		params["provider_id"] = q.ProviderID
	}
	if q.SchedulingType != "" {
		params["scheduling_type"] = string(q.SchedulingType)
	}
	var p Page[core.IngestionSpec]
	err := c.getJSON(ctx, "/ingestions/", params, &p)
	return p, err
}

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, target any) error {
	resp, err := c.rc.R().SetContext(ctx).SetQueryParams(params).Get(path)
	if err := check(resp, err, path); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func assetPath(kind core.AssetKind, fqn string) string {
	return "/" + string(kind) + "/" + url.PathEscape(fqn)
}

// check maps a resty outcome onto the error taxonomy.
func check(resp *resty.Response, err error, what string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return core.CatalogError(http.StatusServiceUnavailable, fmt.Errorf("%s: %w", what, err))
	}
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return core.NotFound(what)
	default:
		return core.CatalogError(status, fmt.Errorf("%s: HTTP %d: %s", what, status, truncate(resp.String(), 512)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
