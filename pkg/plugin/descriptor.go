package plugin

import (
	"fmt"
	"time"
)

// LoadStatus tracks the plugin unit state machine:
// Unloaded -> Loading -> Loaded|Failed, and back to Loading on reload.
type LoadStatus string

const (
	StatusUnloaded LoadStatus = "unloaded"
	StatusLoading  LoadStatus = "loading"
	StatusLoaded   LoadStatus = "loaded"
	StatusFailed   LoadStatus = "failed"
)

// Descriptor is the loader's record of one plugin unit. It is created on
// (re)load and mutated only by the loader; the dispatcher sees its routes
// through published table snapshots only.
type Descriptor struct {
	Name       string
	Source     string // file path, or "builtin"
	Generation uint64
	Routes     []RouteEntry
	Status     LoadStatus
	LastErr    error
	LoadedAt   time.Time
}

// BuildDescriptor compiles a plugin unit's route specs into a descriptor,
// rejecting duplicate pattern strings within the unit.
func BuildDescriptor(name, source string, generation uint64, specs []RouteSpec) (*Descriptor, error) {
	seen := make(map[string]struct{}, len(specs))
	routes := make([]RouteEntry, 0, len(specs))
	for i, spec := range specs {
		entry, err := compileRoute(name, i, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[entry.Pattern]; dup {
			return nil, fmt.Errorf("plugin %s: pattern %q: %w", name, spec.Pattern, ErrDuplicatePattern)
		}
		seen[entry.Pattern] = struct{}{}
		routes = append(routes, entry)
	}
	return &Descriptor{
		Name:       name,
		Source:     source,
		Generation: generation,
		Routes:     routes,
		Status:     StatusLoaded,
		LoadedAt:   time.Now(),
	}, nil
}
