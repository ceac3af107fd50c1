// Package notify implements the per-account publish/subscribe channel used
// to stream job progress to connected clients. Delivery is at-most-once and
// best-effort: a publish with no active subscriber is dropped silently.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Envelope is the wire shape of every event. Data is a JSON-encoded string
// of the event-specific payload.
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Event is a decoded envelope as seen by a subscriber.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// Bus delivers events to zero-or-one currently connected listener per channel.
type Bus interface {
	// Publish is fire-and-forget: failures are logged, never propagated,
	// and must not roll back the action that triggered them.
	Publish(ctx context.Context, accountID snowflake.ID, eventType string, payload any)
	Subscribe(ctx context.Context, accountID snowflake.ID) (Subscription, error)
}

// Subscription is one listener on an account channel.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Channel names the pub/sub channel for an account.
func Channel(accountID snowflake.ID) string {
	return fmt.Sprintf("user-%s", accountID.String())
}

func encodeEnvelope(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: string(data)})
}

func decodeEnvelope(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, err
	}
	return Event{Type: env.Type, Payload: json.RawMessage(env.Data)}, nil
}
