package dispatch

import (
	"context"
	"sync"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/logger"
)

// Runner drains the inbound side of the bus and feeds events to a Dispatcher
// with bounded concurrency.
type Runner struct {
	dispatcher  *Dispatcher
	bus         *bus.Bus
	concurrency int
}

func NewRunner(d *Dispatcher, b *bus.Bus, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{dispatcher: d, bus: b, concurrency: concurrency}
}

// Run blocks until ctx is cancelled or the bus closes. Events run on a
// worker pool; replies go back out through the bus. In-flight dispatches are
// drained before Run returns.
func (r *Runner) Run(ctx context.Context) {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for {
		ev, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			for _, action := range r.dispatcher.Dispatch(ctx, ev) {
				if err := r.bus.PublishOutbound(ctx, action); err != nil {
					logger.WarnC("dispatch", "dropping outbound action for event %s: %v", ev.ID, err)
					return
				}
			}
		}()
	}

	wg.Wait()
}
