// Package events carries bridge notifications (sync summaries, revocations,
// listing and purchase outcomes, forwarded ledger changes) to downstream
// consumers over an in-memory channel, a Redis list or a RabbitMQ queue.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names a bridge notification.
type Kind string

const (
	KindSyncCompleted     Kind = "BRIDGE_SYNC_COMPLETED"
	KindIdentityRevoked   Kind = "BRIDGE_IDENTITY_REVOKED"
	KindAccessRevoked     Kind = "BRIDGE_ACCESS_REVOKED"
	KindListingCreated    Kind = "BRIDGE_LISTING_CREATED"
	KindDataPurchased     Kind = "BRIDGE_DATA_PURCHASED"
	KindIdentityLedger    Kind = "IDENTITY_LEDGER_EVENT"
	KindMarketplaceLedger Kind = "MARKETPLACE_LEDGER_EVENT"
	KindDisclosureIssued  Kind = "DISCLOSURE_ISSUED"
	KindAlert             Kind = "BRIDGE_ALERT"
)

// Event 是投递到事件流的消息。
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent encodes payload into an event with a fresh id.
func NewEvent(kind Kind, source string, payload any) (Event, error) {
	evt := Event{ID: uuid.NewString(), Kind: kind, Source: source, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Handler 处理来自事件流的消息。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责向事件流投递消息。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责从事件流消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Stream 同时具备生产者与消费者能力。
type Stream interface {
	Publisher
	Consumer
}

// Nop discards every event. It is used when event streaming is disabled.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
