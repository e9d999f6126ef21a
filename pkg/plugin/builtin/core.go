// Package builtin holds the plugin units compiled into the binary.
package builtin

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
)

// RegisterAll installs every builtin unit into the registry.
func RegisterAll(registry *plugin.Registry) error {
	return registry.Register("core", func() (plugin.Unit, error) {
		return &coreUnit{started: time.Now()}, nil
	})
}

// coreUnit provides the always-available operator commands.
type coreUnit struct {
	started time.Time
}

func (u *coreUnit) Name() string { return "core" }

func (u *coreUnit) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{
		{
			Pattern: `^ping$`,
			Tier:    permission.TierNormal,
			Handler: u.ping,
		},
		{
			Pattern: `^status$`,
			Tier:    permission.TierAdmin,
			Handler: u.status,
		},
	}
}

func (u *coreUnit) ping(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
	return event.TextReply("pong"), nil
}

func (u *coreUnit) status(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	text := fmt.Sprintf(
		"uptime: %s\ngoroutines: %d\nheap: %.1fMiB",
		time.Since(u.started).Round(time.Second),
		runtime.NumGoroutine(),
		float64(mem.HeapAlloc)/(1<<20),
	)
	return event.TextReply(text), nil
}
