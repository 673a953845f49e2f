package queuesource

import (
	"context"
)

// ====================================================================================
// This file defines the core interfaces and function types for building a
// queue-backed pipeline source. It outlines the contracts for fetching items
// from a remote queue, emitting them downstream under demand, and processing
// them.
// ====================================================================================

// --- Queue backend ---

// QueueClient is the capability contract for a remote queue backend
// (e.g., AWS SQS, Google Pub/Sub, Redis). Implementations perform the actual
// wire calls; construction and option validation belong to each
// implementation's constructor, so conforming backends and in-memory test
// doubles are interchangeable.
//
// Transport-level retry and timeouts are the implementation's responsibility;
// callers only react to the returned result.
type QueueClient interface {
	// ReceiveMessages returns up to amount items currently available on the
	// queue, possibly none. Implementations enforce any provider-side
	// per-call ceiling themselves, so fewer than amount items is a normal
	// result even when the queue is not empty.
	ReceiveMessages(ctx context.Context, amount int) ([]Item, error)

	// DeleteMessages permanently removes the delivered copies identified by
	// the receipts. Callers are expected to respect the provider's per-call
	// batch limit; see MaxDeleteBatch.
	DeleteMessages(ctx context.Context, receipts []Receipt) error
}

// --- Source ---

// MessageSource is the downstream-facing contract of a demand-driven source.
// A consumer grants capacity with Request before any message is emitted,
// which bounds in-process buffering to the granted demand.
type MessageSource interface {
	// Messages returns the read-only channel on which fetched messages are emitted.
	Messages() <-chan Message
	// Request grants n additional units of demand to the source.
	Request(n int)
	// Start begins polling. The context governs the polling loop's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully ceases polling and waits for background work to finish.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the source has completely shut down.
	Done() <-chan struct{}
}

// --- Processor ---

// MessageHandler processes a single message. A nil return marks the message
// successful and eligible for deletion from the queue; an error leaves the
// queue copy untouched so the queue service's visibility timeout governs its
// redelivery.
type MessageHandler func(ctx context.Context, msg Message) error
