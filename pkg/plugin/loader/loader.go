// Package loader discovers plugin units, loads them in isolation and
// publishes route-table snapshots. A bad unit never aborts loading of the
// others, and a failed reload keeps the previous generation's routes active.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/plugin"
)

// ErrUnknownPlugin is returned when reloading a name with no descriptor and
// no discoverable source file.
var ErrUnknownPlugin = errors.New("unknown plugin")

// LoadReport summarizes one load/reload pass. Failures are per-unit and
// surfaced to the operator; they never abort the pass.
type LoadReport struct {
	Loaded   []string
	Failures map[string]error
}

// Failed reports whether any unit failed to load.
func (r LoadReport) Failed() bool { return len(r.Failures) > 0 }

func (r LoadReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d loaded", len(r.Loaded))
	if len(r.Failures) > 0 {
		names := make([]string, 0, len(r.Failures))
		for name := range r.Failures {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, ", %d failed (%s)", len(r.Failures), strings.Join(names, ", "))
	}
	return b.String()
}

// Loader owns every plugin descriptor and is the route table's only writer.
// Loading work happens off the dispatch path under the loader mutex; readers
// are never blocked, they keep the snapshot captured at dispatch start.
type Loader struct {
	dirs     []string
	registry *plugin.Registry
	table    *plugin.Table

	mu          sync.Mutex
	descriptors map[string]*plugin.Descriptor
	units       map[string]*luaUnit // live script states, closed on shutdown
	order       []string            // registration order, drives the snapshot tie-break
	generation  uint64
}

func New(table *plugin.Table, registry *plugin.Registry, dirs ...string) *Loader {
	return &Loader{
		dirs:        dirs,
		registry:    registry,
		table:       table,
		descriptors: make(map[string]*plugin.Descriptor),
		units:       make(map[string]*luaUnit),
	}
}

// LoadAll scans the configured directories plus the builtin registry and
// loads every discovered unit, isolating per-unit failures, then publishes
// one new snapshot.
func (l *Loader) LoadAll() LoadReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := LoadReport{Failures: make(map[string]error)}
	l.generation++

	for _, name := range l.registry.Names() {
		if err := l.loadBuiltinLocked(name); err != nil {
			l.markFailedLocked(name, l.descriptors[name], err)
			report.Failures[name] = err
			logger.ErrorC("loader", "builtin %s failed: %v", name, err)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}

	for _, path := range l.discover() {
		name, err := l.loadFileLocked(path)
		if err != nil {
			key := name
			if key == "" {
				key = unitNameFromPath(path)
			}
			l.markFailedLocked(key, l.descriptors[key], err)
			report.Failures[key] = err
			logger.ErrorC("loader", "plugin %s failed: %v", key, err)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}

	l.publishLocked()
	logger.InfoCF("loader", "load complete", map[string]any{
		"generation": l.generation,
		"loaded":     len(report.Loaded),
		"failed":     len(report.Failures),
	})
	return report
}

// Reload unloads the named plugin's current generation and performs a fresh
// load. "all" reloads everything. A failed reload keeps the previous
// generation's routes active (stale-but-working) so a bad edit does not
// silently disable a command set; a vanished source file unloads the plugin,
// mirroring deletion semantics.
func (l *Loader) Reload(name string) LoadReport {
	if name == "" || name == "all" {
		return l.LoadAll()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	report := LoadReport{Failures: make(map[string]error)}
	prev := l.descriptors[name]

	source := ""
	if prev != nil {
		source = prev.Source
	}
	if source == "" && l.isBuiltin(name) {
		source = "builtin"
	}
	if source == "" {
		source = l.findSource(name)
	}

	switch {
	case source == "builtin":
		l.generation++
		if err := l.loadBuiltinLocked(name); err != nil {
			l.markFailedLocked(name, prev, err)
			report.Failures[name] = err
		} else {
			report.Loaded = append(report.Loaded, name)
		}
	case source != "":
		if _, err := os.Stat(source); err != nil {
			// Source removed: explicit unload.
			l.unloadLocked(name)
			logger.InfoC("loader", "plugin %s source removed, unloaded", name)
			l.publishLocked()
			return report
		}
		l.generation++
		if prev != nil {
			prev.Status = plugin.StatusLoading
		}
		if _, err := l.loadFileLocked(source); err != nil {
			l.markFailedLocked(name, prev, err)
			report.Failures[name] = err
		} else {
			report.Loaded = append(report.Loaded, name)
		}
	default:
		report.Failures[name] = fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		return report
	}

	l.publishLocked()
	return report
}

// Unload removes a plugin's routes entirely.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloadLocked(name)
	l.publishLocked()
}

// Descriptors returns a copy of the current descriptor set for inspection.
func (l *Loader) Descriptors() []plugin.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]plugin.Descriptor, 0, len(l.order))
	for _, name := range l.order {
		if d := l.descriptors[name]; d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func (l *Loader) isBuiltin(name string) bool {
	for _, n := range l.registry.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (l *Loader) loadBuiltinLocked(name string) error {
	unit, err := l.registry.Build(name)
	if err != nil {
		return err
	}
	desc, err := plugin.BuildDescriptor(unit.Name(), "builtin", l.generation, unit.Routes())
	if err != nil {
		return err
	}
	l.installLocked(desc)
	return nil
}

// loadFileLocked loads one script unit. Returns the unit name when it could
// be determined, even on failure, so reports key by plugin name.
func (l *Loader) loadFileLocked(path string) (string, error) {
	defaultName := unitNameFromPath(path)
	unit, err := loadLuaUnit(path, defaultName)
	if err != nil {
		return defaultName, err
	}
	name := unit.Name()
	if existing, ok := l.descriptors[name]; ok && existing.Source != path && existing.Source != "" {
		if existing.Status == plugin.StatusLoaded && existing.Generation == l.generation {
			return name, fmt.Errorf("plugin %s already loaded from %s", name, existing.Source)
		}
	}
	desc, err := plugin.BuildDescriptor(name, path, l.generation, unit.Routes())
	if err != nil {
		return name, err
	}
	l.installLocked(desc)
	// A superseded unit is dropped without closing; snapshots pinned by
	// in-flight dispatches may still call into it.
	l.units[name] = unit
	return name, nil
}

func (l *Loader) installLocked(desc *plugin.Descriptor) {
	if _, exists := l.descriptors[desc.Name]; !exists {
		l.order = append(l.order, desc.Name)
	}
	l.descriptors[desc.Name] = desc
}

// markFailedLocked records a load failure while retaining the previous
// generation's routes if there was one.
func (l *Loader) markFailedLocked(name string, prev *plugin.Descriptor, err error) {
	if prev != nil {
		prev.Status = plugin.StatusFailed
		prev.LastErr = err
		return
	}
	if _, exists := l.descriptors[name]; !exists {
		l.order = append(l.order, name)
	}
	l.descriptors[name] = &plugin.Descriptor{
		Name:    name,
		Status:  plugin.StatusFailed,
		LastErr: err,
	}
}

// Close shuts down every live script unit. Called once at process exit,
// after in-flight dispatches have drained.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, unit := range l.units {
		unit.close()
		delete(l.units, name)
	}
}

func (l *Loader) unloadLocked(name string) {
	delete(l.descriptors, name)
	delete(l.units, name)
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// publishLocked rebuilds the full snapshot from every descriptor that still
// has active routes and swaps it in atomically.
func (l *Loader) publishLocked() {
	perPlugin := make([][]plugin.RouteEntry, 0, len(l.order))
	for _, name := range l.order {
		desc := l.descriptors[name]
		if desc == nil || len(desc.Routes) == 0 {
			continue
		}
		perPlugin = append(perPlugin, desc.Routes)
	}
	l.table.Publish(plugin.NewSnapshot(l.generation, perPlugin))
}

// discover lists plugin script files across the configured directories in
// deterministic order. Missing directories are not errors.
func (l *Loader) discover() []string {
	var files []string
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// findSource locates the script file for a plugin name not seen before.
func (l *Loader) findSource(name string) string {
	for _, path := range l.discover() {
		if unitNameFromPath(path) == name {
			return path
		}
	}
	return ""
}

func unitNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".lua")
}

// CheckFile loads a single script unit without installing it anywhere, for
// offline validation of a plugin file. The unit is shut down before returning,
// so the descriptor's handlers are not invocable.
func CheckFile(path string) (*plugin.Descriptor, error) {
	unit, err := loadLuaUnit(path, unitNameFromPath(path))
	if err != nil {
		return nil, err
	}
	defer unit.close()
	return plugin.BuildDescriptor(unit.Name(), path, 0, unit.Routes())
}
