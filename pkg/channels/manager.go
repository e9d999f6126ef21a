package channels

import (
	"context"
	"sync"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
)

// Sender delivers one outbound action to the platform. Implemented by
// botapi.Client; tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, action event.OutboundAction) error
}

// Manager starts and stops the transport channels and relays outbound
// actions from the bus to the sender.
type Manager struct {
	channels []Channel
	bus      *bus.Bus
	sender   Sender
	wg       sync.WaitGroup
}

func NewManager(b *bus.Bus, sender Sender, channels ...Channel) *Manager {
	return &Manager{
		channels: channels,
		bus:      b,
		sender:   sender,
	}
}

// StartAll starts every channel and the outbound relay. A channel that fails
// to start is logged and skipped; the others keep the gateway serving.
func (m *Manager) StartAll(ctx context.Context) {
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorC("channels", "starting %s: %v", ch.Name(), err)
			continue
		}
		logger.InfoC("channels", "%s started", ch.Name())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.relayOutbound(ctx)
	}()
}

func (m *Manager) StopAll(ctx context.Context) {
	for _, ch := range m.channels {
		if !ch.IsRunning() {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			logger.WarnC("channels", "stopping %s: %v", ch.Name(), err)
		}
	}
	m.wg.Wait()
}

// relayOutbound drains the outbound side of the bus. Send failures are
// logged per action; one unreachable endpoint must not wedge the relay.
func (m *Manager) relayOutbound(ctx context.Context) {
	for {
		action, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if m.sender == nil {
			logger.DebugC("channels", "no sender configured, dropping action for event %s", action.EventID)
			continue
		}
		if err := m.sender.Send(ctx, action); err != nil {
			logger.ErrorCF("channels", "outbound send failed", map[string]any{
				"event": action.EventID,
				"user":  action.Target.UserID,
				"error": err.Error(),
			})
		}
	}
}
