// Package channels contains the transport adapters. Each channel turns its
// wire format into normalized events on the bus; the manager relays outbound
// actions back to the platform API.
package channels

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/metrics"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

type BaseChannel struct {
	name      string
	transport event.Transport
	bus       *bus.Bus
	metrics   *metrics.Metrics
	running   atomic.Bool
}

func NewBaseChannel(name string, transport event.Transport, b *bus.Bus, m *metrics.Metrics) *BaseChannel {
	return &BaseChannel{
		name:      name,
		transport: transport,
		bus:       b,
		metrics:   m,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HandlePayload normalizes one raw payload and publishes it inbound.
// Malformed payloads are counted and logged, never fatal.
func (c *BaseChannel) HandlePayload(ctx context.Context, raw []byte) error {
	ev, err := event.Normalize(c.transport, raw)
	if err != nil {
		c.metrics.EventMalformed(string(c.transport))
		if errors.Is(err, event.ErrMalformedPayload) {
			logger.WarnC(c.name, "rejecting malformed payload: %v", err)
		}
		return err
	}

	c.metrics.EventReceived(string(c.transport))
	return c.bus.PublishInbound(ctx, ev)
}
