package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nucleus/collector/internal/core"
)

// Memory is an in-process catalog with the same contract as Client. It backs
// dry runs and tests, and Handler exposes it over HTTP.
type Memory struct {
	mu          sync.Mutex
	assets      map[core.AssetKind]map[string]map[string]any // kind -> fqn -> view
	providers   map[string]*core.Provider
	connections map[string][]core.Connection
	ingestions  []core.IngestionSpec

	// Fail, when set, is consulted before every operation; a non-nil error
	// is returned as-is. op is the method name, key the FQN or id involved.
	Fail func(op, key string) error
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		assets: map[core.AssetKind]map[string]map[string]any{
			core.KindDatabase: {},
			core.KindSchema:   {},
			core.KindTable:    {},
		},
		providers:   map[string]*core.Provider{},
		connections: map[string][]core.Connection{},
	}
}

// AddProvider registers a provider together with its connections.
func (m *Memory) AddProvider(p core.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := p.Connections
	p.Connections = nil
	m.providers[p.ID] = &p
	m.connections[p.ID] = append(m.connections[p.ID], conns...)
}

// AddIngestion registers an ingestion spec.
func (m *Memory) AddIngestion(s core.IngestionSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestions = append(m.ingestions, s)
}

func (m *Memory) fail(op, key string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, key)
}

// Exists reports whether an asset of any kind has the FQN.
func (m *Memory) Exists(_ context.Context, fqn string) (bool, error) {
	if err := m.fail("Exists", fqn); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byFQN := range m.assets {
		if _, ok := byFQN[fqn]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the asset of kind with the FQN.
func (m *Memory) Get(_ context.Context, kind core.AssetKind, fqn string) (*Asset, error) {
	if err := m.fail("Get", fqn); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	view, ok := m.assets[kind][fqn]
	if !ok {
		return nil, core.NotFound(string(kind) + " " + fqn)
	}
	return assetFromView(view)
}

// Create stores a new asset. Duplicate FQNs are rejected with 409.
func (m *Memory) Create(_ context.Context, kind core.AssetKind, body any) (*Asset, error) {
	view, err := toView(body)
	if err != nil {
		return nil, core.CatalogError(http.StatusUnprocessableEntity, err)
	}
	fqn, _ := view["fully_qualified_name"].(string)
	if err := m.fail("Create", fqn); err != nil {
		return nil, err
	}
	if fqn == "" {
		return nil, core.CatalogError(http.StatusUnprocessableEntity, fmt.Errorf("fully_qualified_name is required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byFQN, ok := m.assets[kind]
	if !ok {
		return nil, core.CatalogError(http.StatusNotFound, fmt.Errorf("unknown kind %q", kind))
	}
	if _, exists := byFQN[fqn]; exists {
		return nil, core.CatalogError(http.StatusConflict, fmt.Errorf("%s %s already exists", kind, fqn))
	}
	if kind == core.KindSchema {
		if _, ok := m.findByID(core.KindDatabase, str(view["database_id"])); !ok {
			return nil, core.CatalogError(http.StatusUnprocessableEntity, fmt.Errorf("database %v does not exist", view["database_id"]))
		}
	}

	if str(view["id"]) == "" {
		view["id"] = uuid.NewString()
	}
	if str(view["version"]) == "" {
		view["version"] = core.Version{}.String()
	}
	view["tree"] = m.tree(kind, view)
	byFQN[fqn] = view
	return assetFromView(view)
}

// Update merges body into the stored asset.
func (m *Memory) Update(_ context.Context, kind core.AssetKind, fqn string, body any) (*Asset, error) {
	if err := m.fail("Update", fqn); err != nil {
		return nil, err
	}
	patch, err := toView(body)
	if err != nil {
		return nil, core.CatalogError(http.StatusUnprocessableEntity, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	view, ok := m.assets[kind][fqn]
	if !ok {
		return nil, core.NotFound(string(kind) + " " + fqn)
	}
	for k, v := range patch {
		if k == "id" || k == "fully_qualified_name" {
			continue
		}
		view[k] = v
	}
	view["tree"] = m.tree(kind, view)
	return assetFromView(view)
}

// DisableMany tombstones every asset whose id is listed.
func (m *Memory) DisableMany(_ context.Context, ids []string) error {
	if err := m.fail("DisableMany", fmt.Sprint(ids)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, byFQN := range m.assets {
		for _, view := range byFQN {
			if _, ok := want[str(view["id"])]; ok {
				view["deleted"] = true
			}
		}
	}
	return nil
}

// List returns children of q.ParentID ordered by FQN.
func (m *Memory) List(_ context.Context, kind core.AssetKind, q ListQuery) ([]*Asset, error) {
	if err := m.fail("List", q.ParentID); err != nil {
		return nil, err
	}
	page, err := m.ListPage(kind, q, 1, 0)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// ListPage returns one page; pageSize 0 means everything.
func (m *Memory) ListPage(kind core.AssetKind, q ListQuery, page, pageSize int) (Page[*Asset], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var views []map[string]any
	for _, view := range m.assets[kind] {
		if q.ParentID != "" && parentOf(kind, view) != q.ParentID {
			continue
		}
		if !q.IncludeDeleted && view["deleted"] == true {
			continue
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return str(views[i]["fully_qualified_name"]) < str(views[j]["fully_qualified_name"])
	})

	total := len(views)
	if pageSize > 0 {
		start := (page - 1) * pageSize
		if start > total {
			start = total
		}
		end := start + pageSize
		if end > total {
			end = total
		}
		views = views[start:end]
	}

	out := Page[*Asset]{Count: total, Page: page, PageSize: pageSize}
	for _, v := range views {
		a, err := assetFromView(v)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, a)
	}
	if pageSize == 0 {
		out.PageSize = len(out.Items)
	}
	return out, nil
}

// All returns every stored asset of kind, tombstoned ones included.
func (m *Memory) All(kind core.AssetKind) []*Asset {
	p, _ := m.ListPage(kind, ListQuery{IncludeDeleted: true}, 1, 0)
	return p.Items
}

// GetProvider returns a registered provider.
func (m *Memory) GetProvider(_ context.Context, id string) (*core.Provider, error) {
	if err := m.fail("GetProvider", id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, core.NotFound("provider " + id)
	}
	cp := *p
	return &cp, nil
}

// ListConnections returns the connections of a provider.
func (m *Memory) ListConnections(_ context.Context, providerID string) ([]core.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[providerID]; !ok {
		return nil, core.NotFound("provider " + providerID)
	}
	return append([]core.Connection(nil), m.connections[providerID]...), nil
}

// GetIngestion returns an ingestion spec by id.
func (m *Memory) GetIngestion(_ context.Context, id string) (*core.IngestionSpec, error) {
	if err := m.fail("GetIngestion", id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.ingestions {
		if s.ID == id {
			cp := s
			return &cp, nil
		}
	}
	return nil, core.NotFound("ingestion " + id)
}

// ListIngestions pages through ingestion specs matching q.
func (m *Memory) ListIngestions(_ context.Context, q IngestionQuery, page int) (Page[core.IngestionSpec], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []core.IngestionSpec
	for _, s := range m.ingestions {
		if q.ProviderID != "" && s.ProviderID != q.ProviderID {
			continue
		}
		if q.SchedulingType != "" && s.SchedulingType != q.SchedulingType {
			continue
		}
		matched = append(matched, s)
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * MaxPageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + MaxPageSize
	if end > len(matched) {
		end = len(matched)
	}
	return Page[core.IngestionSpec]{Items: matched[start:end], Count: len(matched), Page: page, PageSize: MaxPageSize}, nil
}

func (m *Memory) findByID(kind core.AssetKind, id string) (map[string]any, bool) {
	for _, view := range m.assets[kind] {
		if str(view["id"]) == id {
			return view, true
		}
	}
	return nil, false
}

// tree builds the ancestor breadcrumb of an asset from stored parents.
func (m *Memory) tree(kind core.AssetKind, view map[string]any) map[string]any {
	tree := map[string]any{}
	if p, ok := m.providers[str(view["provider_id"])]; ok {
		tree["provider"] = map[string]any{"id": p.ID, "name": p.Name}
	}
	if kind == core.KindDatabase {
		return tree
	}
	if db, ok := m.findByID(core.KindDatabase, str(view["database_id"])); ok {
		tree["database"] = map[string]any{"id": db["id"], "name": db["name"]}
	}
	if kind == core.KindTable {
		if s, ok := m.findByID(core.KindSchema, str(view["schema_id"])); ok {
			tree["schema"] = map[string]any{"id": s["id"], "name": s["name"]}
		}
	}
	return tree
}

func parentOf(kind core.AssetKind, view map[string]any) string {
	switch kind {
	case core.KindDatabase:
		return str(view["provider_id"])
	case core.KindSchema:
		return str(view["database_id"])
	default:
		if s := str(view["schema_id"]); s != "" {
			return s
		}
		return str(view["database_id"])
	}
}

func toView(body any) (map[string]any, error) {
	if v, ok := body.(map[string]any); ok {
		cp := make(map[string]any, len(v))
		for k, val := range v {
			cp[k] = val
		}
		// normalize through JSON so stored values have wire types
		body = cp
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var view map[string]any
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	return view, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
