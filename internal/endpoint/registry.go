package endpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nucleus/collector/internal/core"
)

// Factory creates a connector from a connection descriptor.
type Factory func(conn core.Connection) (Connector, error)

type entry struct {
	descriptor *Descriptor
	factory    Factory
}

// Registry holds connector factories indexed by provider type.
type Registry struct {
	entries map[core.ProviderType]entry
	mu      sync.RWMutex
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[core.ProviderType]entry),
	}
}

// Register adds a factory for the descriptor's provider type.
// Panics if the type is already registered.
func (r *Registry) Register(desc *Descriptor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Type]; exists {
		panic(fmt.Sprintf("connector factory already registered: %s", desc.Type))
	}
	r.entries[desc.Type] = entry{descriptor: desc, factory: factory}
}

// Get returns the factory for the given provider type.
func (r *Registry) Get(t core.ProviderType) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[t]
	return e.factory, ok
}

// Describe returns the descriptor registered for a provider type.
func (r *Registry) Describe(t core.ProviderType) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[t]
	return e.descriptor, ok
}

// List returns all registered provider types, sorted.
func (r *Registry) List() []core.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]core.ProviderType, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Create instantiates a connector for the provider type. An unknown type is
// a ConfigError.
func (r *Registry) Create(t core.ProviderType, conn core.Connection) (Connector, error) {
	factory, ok := r.Get(t)
	if !ok {
		return nil, core.ConfigError("unsupported provider: %q", t)
	}
	c, err := factory(conn)
	if err != nil {
		return nil, fmt.Errorf("create %s connector: %w", t, err)
	}
	return c, nil
}

// --- Default Global Registry ---

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global connector registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(desc *Descriptor, factory Factory) {
	defaultRegistry.Register(desc, factory)
}
