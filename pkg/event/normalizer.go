package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is wrapped by every normalization failure.
var ErrMalformedPayload = errors.New("malformed payload")

// Normalize converts one raw inbound payload (decoded webhook body or socket
// dispatch frame) into a canonical Event. Both transports deliver the same
// logical envelope: an event type under "t" and the event body under "d".
//
// It is a pure structural transform: required fields are validated, nothing
// else is interpreted.
func Normalize(transport Transport, raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("%w: not valid JSON", ErrMalformedPayload)
	}

	root := gjson.ParseBytes(raw)
	eventType := root.Get("t").String()
	if eventType == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	body := root.Get("d")
	if !body.Exists() {
		return Event{}, fmt.Errorf("%w: missing event body", ErrMalformedPayload)
	}

	sender := senderIdentity(body)
	if sender.UserID == "" {
		return Event{}, fmt.Errorf("%w: missing sender id", ErrMalformedPayload)
	}

	content := body.Get("content").String()
	if content == "" {
		return Event{}, fmt.Errorf("%w: missing message content", ErrMalformedPayload)
	}

	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	return Event{
		ID:         uuid.New().String(),
		Transport:  transport,
		Type:       eventType,
		Sender:     sender,
		Content:    strings.TrimSpace(content),
		Raw:        rawCopy,
		ReceivedAt: time.Now(),
	}, nil
}

// senderIdentity extracts the sender from the event body. The platform spells
// the author id differently per chat scene, so each known spelling is tried
// in order.
func senderIdentity(body gjson.Result) Identity {
	var id Identity
	for _, path := range []string{"author.id", "author.user_openid", "author.member_openid"} {
		if v := body.Get(path); v.Exists() {
			id.UserID = v.String()
			break
		}
	}
	for _, path := range []string{"group_openid", "group_id", "guild_id"} {
		if v := body.Get(path); v.Exists() {
			id.GroupID = v.String()
			break
		}
	}
	return id
}
