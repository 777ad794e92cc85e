package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conduit-lang/cascade/internal/orm/binlog"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Message types
const (
	TypeWelcome     = "welcome"
	TypeInvalidate  = "invalidate"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// maxSubscriptions bounds the type names one client can subscribe to
const maxSubscriptions = 256

// Message is one websocket frame in either direction
type Message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload interface{}     `json:"-"`
}

// marshalMessage converts a Message to JSON, encoding Payload into Data
func marshalMessage(message *Message) ([]byte, error) {
	if message.Payload != nil {
		data, err := json.Marshal(message.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		message.Data = data
	}
	return json.Marshal(message)
}

// MessageHandler handles one incoming message type
type MessageHandler func(ctx context.Context, client *Client, message *Message) error

// AffectedPayload is one invalidated association
type AffectedPayload struct {
	Prop string      `json:"prop"`
	ID   interface{} `json:"id"`
}

// EventPayload is the data of an invalidate message
type EventPayload struct {
	Table    string            `json:"table"`
	Op       string            `json:"op"`
	Type     string            `json:"type,omitempty"`
	ID       interface{}       `json:"id,omitempty"`
	Changed  []string          `json:"changed,omitempty"`
	Affected []AffectedPayload `json:"affected,omitempty"`
}

// NewEventPayload converts an accepted change
func NewEventPayload(ev *binlog.Event) *EventPayload {
	p := &EventPayload{
		Table:   ev.Table,
		Op:      ev.Op.String(),
		ID:      ev.ID,
		Changed: ev.Changed,
	}
	if ev.Type != nil {
		p.Type = ev.Type.Name()
	}
	for _, a := range ev.Affected {
		p.Affected = append(p.Affected, AffectedPayload{Prop: a.Prop.String(), ID: a.ID})
	}
	return p
}

// eventTypes returns the names a subscriber can match an event by: the
// changed type, the types declaring the affected associations and all of
// their supertypes
func eventTypes(ev *binlog.Event) []string {
	var names []string
	seen := make(map[string]bool)
	addChain := func(t *meta.Type) {
		for ; t != nil; t = t.Super() {
			if !seen[t.Name()] {
				seen[t.Name()] = true
				names = append(names, t.Name())
			}
		}
	}

	addChain(ev.Type)
	for _, a := range ev.Affected {
		addChain(a.Prop.DeclaringType())
	}
	return names
}

type subscription struct {
	Types []string `json:"types"`
}

// SubscribeHandler restricts the client to events of the given types
func SubscribeHandler(ctx context.Context, client *Client, message *Message) error {
	var req subscription
	if err := json.Unmarshal(message.Data, &req); err != nil {
		return fmt.Errorf("invalid subscribe request: %w", err)
	}
	if len(req.Types) == 0 {
		return fmt.Errorf("at least one type is required")
	}
	types, err := client.subscribe(req.Types)
	if err != nil {
		return err
	}
	return client.SendJSON(TypeSubscribed, subscription{Types: types})
}

// UnsubscribeHandler drops subscriptions. Without types it drops all of
// them and the client receives every event again.
func UnsubscribeHandler(ctx context.Context, client *Client, message *Message) error {
	var req subscription
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &req); err != nil {
			return fmt.Errorf("invalid unsubscribe request: %w", err)
		}
	}
	return client.SendJSON(TypeSubscribed, subscription{Types: client.unsubscribe(req.Types)})
}

// PingHandler answers with a pong echoing the data
func PingHandler(ctx context.Context, client *Client, message *Message) error {
	return client.Send(&Message{Type: TypePong, Data: message.Data})
}
