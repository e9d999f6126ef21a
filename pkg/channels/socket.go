package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/metrics"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// TokenProvider supplies the gateway auth token. Implemented by
// botapi.TokenManager.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// SocketConfig is the persistent-socket connection settings.
type SocketConfig struct {
	URL               string
	Intents           int
	ReconnectInterval time.Duration
	MaxReconnectWait  time.Duration
}

// SocketChannel maintains one persistent gateway connection. It identifies
// after HELLO, heartbeats at the interval the server announces, tracks the
// dispatch sequence number and resumes the session across reconnects.
type SocketChannel struct {
	*BaseChannel

	cfg    SocketConfig
	tokens TokenProvider

	sessionID string
	lastSeq   atomic.Int64
	cancel    context.CancelFunc

	// set by the session read loop, checked by run after it returns
	sawDispatch bool
}

type gatewayPayload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

func NewSocketChannel(cfg SocketConfig, tokens TokenProvider, b *bus.Bus, m *metrics.Metrics) *SocketChannel {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 60 * time.Second
	}
	return &SocketChannel{
		BaseChannel: NewBaseChannel("socket", event.TransportSocket, b, m),
		cfg:         cfg,
		tokens:      tokens,
	}
}

func (c *SocketChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.SetRunning(true)

	go c.run(ctx)
	return nil
}

func (c *SocketChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

// run owns the reconnect loop. Backoff doubles per consecutive failure up to
// MaxReconnectWait and resets after a session that reached DISPATCH traffic.
func (c *SocketChannel) run(ctx context.Context) {
	defer c.SetRunning(false)

	wait := c.cfg.ReconnectInterval
	for ctx.Err() == nil {
		c.sawDispatch = false
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.sawDispatch {
			wait = c.cfg.ReconnectInterval
		}
		if err != nil {
			logger.WarnC("socket", "session ended: %v, reconnecting in %s", err, wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > c.cfg.MaxReconnectWait {
			wait = c.cfg.MaxReconnectWait
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *SocketChannel) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	logger.InfoC("socket", "connected to %s", c.cfg.URL)

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	// Close the connection when ctx ends so the blocking ReadMessage returns.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-heartbeatStop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading gateway frame: %w", err)
		}

		var payload gatewayPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.WarnC("socket", "dropping undecodable frame: %v", err)
			continue
		}
		if payload.Seq > 0 {
			c.lastSeq.Store(payload.Seq)
		}

		switch payload.Op {
		case opHello:
			interval := gjson.GetBytes(payload.Data, "heartbeat_interval").Int()
			if interval <= 0 {
				interval = 45000
			}
			if err := c.authenticate(ctx, conn); err != nil {
				return err
			}
			go c.heartbeatLoop(conn, time.Duration(interval)*time.Millisecond, heartbeatStop)

		case opHeartbeatACK:
			// expected, nothing to do

		case opReconnect:
			return fmt.Errorf("server requested reconnect")

		case opInvalidSession:
			c.sessionID = ""
			c.lastSeq.Store(0)
			return fmt.Errorf("session invalidated")

		case opDispatch:
			c.sawDispatch = true
			c.handleDispatch(ctx, payload, raw)
		}
	}
}

// authenticate resumes when a previous session exists, otherwise identifies.
func (c *SocketChannel) authenticate(ctx context.Context, conn *websocket.Conn) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching gateway token: %w", err)
	}

	if c.sessionID != "" {
		logger.InfoC("socket", "resuming session %s at seq %d", c.sessionID, c.lastSeq.Load())
		return conn.WriteJSON(map[string]any{
			"op": opResume,
			"d": map[string]any{
				"token":      "QQBot " + token,
				"session_id": c.sessionID,
				"seq":        c.lastSeq.Load(),
			},
		})
	}

	return conn.WriteJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   "QQBot " + token,
			"intents": c.cfg.Intents,
			"shard":   []int{0, 1},
			"properties": map[string]string{
				"$os":      "linux",
				"$browser": "elaina",
				"$device":  "elaina",
			},
		},
	})
}

func (c *SocketChannel) heartbeatLoop(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload := map[string]any{"op": opHeartbeat, "d": c.lastSeq.Load()}
			if err := conn.WriteJSON(payload); err != nil {
				logger.WarnC("socket", "heartbeat write failed: %v", err)
				return
			}
		}
	}
}

// handleDispatch feeds message events into the normalizer. READY is handled
// here because it carries the session id needed for resume.
func (c *SocketChannel) handleDispatch(ctx context.Context, payload gatewayPayload, raw []byte) {
	if payload.Type == "READY" {
		c.sessionID = gjson.GetBytes(payload.Data, "session_id").String()
		logger.InfoCF("socket", "gateway ready", map[string]any{
			"session": c.sessionID,
			"bot":     gjson.GetBytes(payload.Data, "user.username").String(),
		})
		return
	}

	if err := c.HandlePayload(ctx, raw); err != nil {
		logger.DebugC("socket", "dispatch %s not ingested: %v", payload.Type, err)
	}
}
