package loader

import (
	"context"
	"os"
	"time"

	"github.com/elainabot/elaina/pkg/logger"
)

// TriggerReason records where a reload trigger came from.
type TriggerReason string

const (
	ReasonFilesystem TriggerReason = "filesystem"
	ReasonAdmin      TriggerReason = "admin"
)

// ReloadTrigger identifies one plugin to reload, or "all".
type ReloadTrigger struct {
	Plugin string
	Reason TriggerReason
}

const (
	defaultPollInterval = 2 * time.Second
	defaultDebounce     = 1 * time.Second
)

// Watcher produces reload triggers from filesystem changes and admin
// commands. Filesystem detection polls script modification times, so a burst
// of writes to one plugin yields at most one trigger per debounce window.
type Watcher struct {
	loader   *Loader
	interval time.Duration
	debounce time.Duration
	admin    chan ReloadTrigger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often plugin directories are scanned.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithDebounce sets the per-plugin debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func NewWatcher(l *Loader, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   l,
		interval: defaultPollInterval,
		debounce: defaultDebounce,
		admin:    make(chan ReloadTrigger, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Trigger queues an administrative reload for one plugin name or "all".
// It never blocks; a full queue drops the trigger with a warning since an
// operator can simply re-issue the command.
func (w *Watcher) Trigger(plugin string) {
	select {
	case w.admin <- ReloadTrigger{Plugin: plugin, Reason: ReasonAdmin}:
	default:
		logger.WarnC("watcher", "admin reload queue full, dropped trigger for %q", plugin)
	}
}

// Watch returns a stream of reload triggers that lives until ctx is
// cancelled. The stream is restartable: a new call after cancellation starts
// a fresh scan from the current on-disk state.
func (w *Watcher) Watch(ctx context.Context) <-chan ReloadTrigger {
	out := make(chan ReloadTrigger, 16)

	go func() {
		defer close(out)

		mtimes := w.scan()
		lastFired := make(map[string]time.Time)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case trig := <-w.admin:
				select {
				case out <- trig:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				current := w.scan()
				for _, name := range changedPlugins(mtimes, current) {
					if since := time.Since(lastFired[name]); since < w.debounce {
						continue
					}
					lastFired[name] = time.Now()
					select {
					case out <- ReloadTrigger{Plugin: name, Reason: ReasonFilesystem}:
					case <-ctx.Done():
						return
					}
				}
				mtimes = current
			}
		}
	}()

	return out
}

// scan snapshots the modification time of every discoverable plugin script.
func (w *Watcher) scan() map[string]time.Time {
	mtimes := make(map[string]time.Time)
	for _, path := range w.loader.discover() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtimes[unitNameFromPath(path)] = info.ModTime()
	}
	return mtimes
}

// changedPlugins diffs two scans: new, modified and deleted units all count
// as changes, since deletion maps to an unload on reload.
func changedPlugins(prev, current map[string]time.Time) []string {
	var changed []string
	for name, mtime := range current {
		if old, ok := prev[name]; !ok || mtime.After(old) {
			changed = append(changed, name)
		}
	}
	for name := range prev {
		if _, ok := current[name]; !ok {
			changed = append(changed, name)
		}
	}
	return changed
}
