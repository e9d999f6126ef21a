package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Unit is a self-contained collection of route registrations. Builtin units
// are compiled into the binary and registered through the Registry; scripted
// units are produced by the loader from plugin files.
type Unit interface {
	Name() string
	Routes() []RouteSpec
}

// Factory constructs a fresh Unit instance per load, so reloading a builtin
// re-runs its registration code like a script re-execution would.
type Factory func() (Unit, error)

// Registry is the registration table for builtin plugin units.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register records a builtin unit factory. Registering a name twice is a
// programming error and fails loudly.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("builtin plugin %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered builtin names, sorted for deterministic load
// order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named builtin unit.
func (r *Registry) Build(name string) (Unit, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("builtin plugin %q not registered", name)
	}
	return factory()
}
