package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
)

const (
	defaultBaseURL = "https://api.sgroup.qq.com"
	sandboxBaseURL = "https://sandbox.api.sgroup.qq.com"
)

// Platform message type codes.
const (
	msgTypeText     = 0
	msgTypeMarkdown = 2
	msgTypeMedia    = 7
)

// Client sends replies through the platform REST API. It satisfies
// channels.Sender.
type Client struct {
	baseURL string
	tokens  *TokenManager
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin, e.g. for the sandbox environment or
// a test server.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithSandbox points the client at the platform sandbox.
func WithSandbox() ClientOption {
	return func(c *Client) { c.baseURL = sandboxBaseURL }
}

func NewClient(tokens *TokenManager, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers one outbound action. Group targets go to the group message
// endpoint, everything else to the C2C endpoint. EventID is attached as
// msg_id so the platform treats the send as a passive reply.
func (c *Client) Send(ctx context.Context, action event.OutboundAction) error {
	if action.Reply.Empty() {
		return nil
	}

	path := fmt.Sprintf("/v2/users/%s/messages", action.Target.UserID)
	if action.Target.IsGroup() {
		path = fmt.Sprintf("/v2/groups/%s/messages", action.Target.GroupID)
	}

	payload := buildMessagePayload(action)
	body, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}

	logger.DebugCF("botapi", "message sent", map[string]any{
		"event": action.EventID,
		"user":  action.Target.UserID,
		"id":    gjson.GetBytes(body, "id").String(),
	})
	return nil
}

func buildMessagePayload(action event.OutboundAction) map[string]any {
	payload := map[string]any{
		"msg_id": action.EventID,
	}

	switch action.Reply.Kind {
	case event.ReplyMarkdown:
		payload["msg_type"] = msgTypeMarkdown
		payload["markdown"] = map[string]string{"content": action.Reply.Content}
	case event.ReplyMedia:
		payload["msg_type"] = msgTypeMedia
		payload["content"] = action.Reply.Content
		payload["media"] = map[string]string{"url": action.Reply.MediaURL}
	default:
		payload["msg_type"] = msgTypeText
		payload["content"] = action.Reply.Content
	}
	return payload
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Stale token; drop the cache so the next send re-authenticates.
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, data)
	}
	return data, nil
}
