// memqueue/memqueue.go
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/obutuz/go-queuesource/pkg/queuesource"
	"github.com/rs/zerolog"
)

const defaultVisibilityTimeout = 30 * time.Second

// Config holds configuration for an in-memory queue.
type Config struct {
	// VisibilityTimeout is how long a received entry stays invisible before
	// it is redelivered. Defaults to 30 seconds.
	VisibilityTimeout time.Duration
}

type entry struct {
	id         string
	payload    []byte
	attributes map[string]string
	deadline   time.Time
}

// Queue is a thread-safe, in-memory QueueClient implementation with
// at-least-once delivery semantics: received entries become invisible until
// deleted, and reappear at the back of the queue once their visibility
// timeout lapses. It is intended for tests and local development.
type Queue struct {
	visibilityTimeout time.Duration
	logger            zerolog.Logger

	mu       sync.Mutex
	ready    []entry
	inFlight map[string]entry
}

// New creates an empty in-memory queue.
func New(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	return &Queue{
		visibilityTimeout: cfg.VisibilityTimeout,
		logger:            logger.With().Str("component", "MemQueue").Logger(),
		inFlight:          make(map[string]entry),
	}
}

// Publish appends a payload to the back of the queue and returns the
// assigned message ID.
func (q *Queue) Publish(payload []byte, attributes map[string]string) string {
	e := entry{
		id:         uuid.NewString(),
		payload:    append([]byte(nil), payload...),
		attributes: copyAttributes(attributes),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, e)
	return e.id
}

// ReceiveMessages pops up to amount ready entries. Each returned item gets a
// fresh receipt handle and becomes invisible until deleted or until its
// visibility timeout lapses. An empty queue returns an empty slice.
func (q *Queue) ReceiveMessages(ctx context.Context, amount int) ([]queuesource.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpiredLocked(time.Now())

	n := amount
	if n > len(q.ready) {
		n = len(q.ready)
	}

	deadline := time.Now().Add(q.visibilityTimeout)
	items := make([]queuesource.Item, 0, n)
	for _, e := range q.ready[:n] {
		handle := uuid.NewString()
		e.deadline = deadline
		q.inFlight[handle] = e
		items = append(items, queuesource.Item{
			Payload:    append([]byte(nil), e.payload...),
			Attributes: copyAttributes(e.attributes),
			Receipt: queuesource.Receipt{
				MessageID: e.id,
				Handle:    handle,
			},
		})
	}
	q.ready = q.ready[n:]
	return items, nil
}

// DeleteMessages removes the deliveries identified by the receipts. Handles
// that already expired and were requeued are silently skipped, so deletion
// stays idempotent.
func (q *Queue) DeleteMessages(ctx context.Context, receipts []queuesource.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range receipts {
		if _, ok := q.inFlight[r.Handle]; !ok {
			q.logger.Debug().Str("msg_id", r.MessageID).Msg("Ignoring delete for unknown or expired receipt handle.")
			continue
		}
		delete(q.inFlight, r.Handle)
	}
	return nil
}

// Len returns the number of entries currently ready for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpiredLocked(time.Now())
	return len(q.ready)
}

// InFlight returns the number of delivered but not yet deleted entries.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpiredLocked(time.Now())
	return len(q.inFlight)
}

// requeueExpiredLocked moves timed-out in-flight entries to the back of the
// ready queue. Callers must hold q.mu.
func (q *Queue) requeueExpiredLocked(now time.Time) {
	for handle, e := range q.inFlight {
		if now.After(e.deadline) {
			delete(q.inFlight, handle)
			q.ready = append(q.ready, e)
			q.logger.Debug().Str("msg_id", e.id).Msg("Visibility timeout lapsed, requeueing entry.")
		}
	}
}

func copyAttributes(attributes map[string]string) map[string]string {
	if attributes == nil {
		return nil
	}
	copied := make(map[string]string, len(attributes))
	for k, v := range attributes {
		copied[k] = v
	}
	return copied
}
