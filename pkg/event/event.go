// Package event defines the canonical, transport-independent representation
// of one inbound chat message and the outbound actions produced for it.
package event

import (
	"encoding/json"
	"time"
)

// Transport identifies the ingestion path an event arrived on.
type Transport string

const (
	TransportWebhook Transport = "webhook"
	TransportSocket  Transport = "socket"
)

// Identity names the sender of an event. GroupID is empty for direct chats.
type Identity struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`
}

// IsGroup reports whether the identity is bound to a group chat.
func (id Identity) IsGroup() bool { return id.GroupID != "" }

// Event is immutable once constructed. It is owned by the dispatcher for the
// duration of one dispatch and discarded afterwards.
type Event struct {
	ID         string          `json:"id"`
	Transport  Transport       `json:"transport"`
	Type       string          `json:"type"`
	Sender     Identity        `json:"sender"`
	Content    string          `json:"content"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ReplyKind selects the outbound content shape.
type ReplyKind string

const (
	ReplyText     ReplyKind = "text"
	ReplyMarkdown ReplyKind = "markdown"
	ReplyMedia    ReplyKind = "media"
)

// Reply is what a handler returns. The zero value means "no reply".
type Reply struct {
	Kind     ReplyKind `json:"kind,omitempty"`
	Content  string    `json:"content,omitempty"`
	MediaURL string    `json:"media_url,omitempty"`
}

// Empty reports whether the reply carries nothing to send.
func (r Reply) Empty() bool { return r.Content == "" && r.MediaURL == "" }

// TextReply builds a plain text reply.
func TextReply(content string) Reply {
	return Reply{Kind: ReplyText, Content: content}
}

// OutboundAction is a reply bound to a delivery target. The core produces
// these values; the transport layer performs the actual send.
type OutboundAction struct {
	Target  Identity `json:"target"`
	Reply   Reply    `json:"reply"`
	EventID string   `json:"event_id"`
}
