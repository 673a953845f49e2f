package queuesource

import (
	"context"
	"fmt"
	"time"
)

// Receipt is the queue-service-issued authorization to delete exactly one
// delivered copy of a message. It is carried inside the Message's
// acknowledgment binding and is never part of the payload.
type Receipt struct {
	// MessageID is the unique identifier the queue service assigned to the message.
	MessageID string

	// Handle is the opaque token that authorizes deletion of this specific
	// delivery. A redelivered copy of the same message carries a new Handle.
	Handle string
}

// Item is a raw queue entry as returned by a QueueClient. It contains the
// core data, broker metadata, and the deletion receipt.
type Item struct {
	// Payload is the raw byte content of the message.
	Payload []byte

	// Attributes holds metadata from the queue service (e.g., SQS system and
	// message attributes, Pub/Sub attributes).
	Attributes map[string]string

	// Receipt authorizes deletion of this delivery.
	Receipt Receipt
}

// Message is the canonical representation of a queue entry flowing through
// the pipeline. It pairs the raw item with an acknowledgment binding: the
// receipt plus a reference to the QueueClient that delivered it. The binding
// is what allows the Acknowledger to delete the queue copy once the pipeline
// reports success.
//
// Messages are created by a Producer when items are fetched and are owned by
// the pipeline until acknowledged.
type Message struct {
	Item

	// ReceivedAt is the time this copy was fetched from the queue.
	ReceivedAt time.Time

	// client is the QueueClient this message was received through. Kept
	// unexported so pipeline code cannot detach a message from its source.
	client QueueClient
}

// NewMessage binds an item to the client that delivered it. Producers call
// this when wrapping fetched items; it is exported so that alternative
// sources and tests can construct well-formed messages.
func NewMessage(item Item, client QueueClient) Message {
	return Message{
		Item:       item,
		ReceivedAt: time.Now().UTC(),
		client:     client,
	}
}

// ID returns the queue-assigned message identifier.
func (m *Message) ID() string {
	return m.Receipt.MessageID
}

// Ack deletes this single delivery from its originating queue. Batch
// workloads should prefer the Acknowledger, which chunks deletions.
func (m *Message) Ack(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("message %s has no queue client binding", m.Receipt.MessageID)
	}
	return m.client.DeleteMessages(ctx, []Receipt{m.Receipt})
}
