// Package bus decouples transport adapters from the dispatch pipeline with a
// bounded in-memory message bus: adapters publish normalized events inbound,
// the dispatcher publishes outbound actions back for delivery.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/elainabot/elaina/pkg/event"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

const defaultBuffer = 100

type Bus struct {
	inbound  chan event.Event
	outbound chan event.OutboundAction
	done     chan struct{}
	closed   atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		inbound:  make(chan event.Event, defaultBuffer),
		outbound: make(chan event.OutboundAction, defaultBuffer),
		done:     make(chan struct{}),
	}
}

func (b *Bus) PublishInbound(ctx context.Context, ev event.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) ConsumeInbound(ctx context.Context) (event.Event, bool) {
	select {
	case ev, ok := <-b.inbound:
		return ev, ok
	case <-b.done:
		return event.Event{}, false
	case <-ctx.Done():
		return event.Event{}, false
	}
}

func (b *Bus) PublishOutbound(ctx context.Context, action event.OutboundAction) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.outbound <- action:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) SubscribeOutbound(ctx context.Context) (event.OutboundAction, bool) {
	select {
	case action, ok := <-b.outbound:
		return action, ok
	case <-b.done:
		return event.OutboundAction{}, false
	case <-ctx.Done():
		return event.OutboundAction{}, false
	}
}

func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
