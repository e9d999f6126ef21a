// Package stats logs periodic runtime statistics on a cron schedule.
package stats

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/adhocore/gronx"

	"github.com/elainabot/elaina/pkg/logger"
)

// Reporter logs memory and goroutine statistics whenever its cron schedule
// fires. With forceGC set it runs a collection first, so the reported heap
// reflects live data rather than garbage awaiting the next cycle.
type Reporter struct {
	schedule string
	forceGC  bool
}

func NewReporter(schedule string, forceGC bool) (*Reporter, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron schedule %q", schedule)
	}
	return &Reporter{schedule: schedule, forceGC: forceGC}, nil
}

// Run blocks until ctx is cancelled, reporting at each schedule tick.
func (r *Reporter) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTick(r.schedule, false)
		if err != nil {
			logger.ErrorC("stats", "computing next tick: %v", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			r.Report()
		}
	}
}

// Report logs one statistics snapshot immediately.
func (r *Reporter) Report() {
	if r.forceGC {
		runtime.GC()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	logger.InfoCF("stats", "runtime snapshot", map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"heap_alloc":  fmt.Sprintf("%.1fMiB", float64(mem.HeapAlloc)/(1<<20)),
		"heap_sys":    fmt.Sprintf("%.1fMiB", float64(mem.HeapSys)/(1<<20)),
		"heap_objs":   mem.HeapObjects,
		"gc_cycles":   mem.NumGC,
		"gc_pause_ns": mem.PauseTotalNs,
	})
}
