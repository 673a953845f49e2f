package queuesource

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// MaxDeleteBatch is the largest number of receipts passed to a single
// QueueClient.DeleteMessages call. It matches the batch ceiling of the
// hosted queue services this package targets.
const MaxDeleteBatch = 10

// Acknowledger settles processing outcomes against the originating queues.
// Successful messages are deleted; failed messages are left untouched so the
// queue redelivers them once their visibility timeout lapses.
type Acknowledger struct {
	logger zerolog.Logger
}

// NewAcknowledger creates an Acknowledger.
func NewAcknowledger(logger zerolog.Logger) *Acknowledger {
	return &Acknowledger{
		logger: logger.With().Str("component", "Acknowledger").Logger(),
	}
}

// Ack deletes the successful messages from their queues and leaves the
// failed ones for redelivery. Successful messages are grouped by their
// client binding, preserving order, and each group is deleted in chunks of
// at most MaxDeleteBatch receipts. Every chunk is attempted even when an
// earlier one fails; the combined error is returned.
func (a *Acknowledger) Ack(ctx context.Context, successful, failed []Message) error {
	if len(failed) > 0 {
		a.logger.Debug().Int("failed_count", len(failed)).Msg("Leaving failed messages for queue redelivery.")
	}

	var errs []error

	for start := 0; start < len(successful); {
		client := successful[start].client
		end := start
		for end < len(successful) && successful[end].client == client {
			end++
		}

		if client == nil {
			a.logger.Error().Int("count", end-start).Msg("Dropping messages with no queue client binding from acknowledgement batch.")
			errs = append(errs, fmt.Errorf("%d messages have no queue client binding", end-start))
		} else {
			errs = append(errs, a.deleteRun(ctx, client, successful[start:end])...)
		}
		start = end
	}

	return errors.Join(errs...)
}

// deleteRun deletes one same-client run of messages in MaxDeleteBatch chunks.
func (a *Acknowledger) deleteRun(ctx context.Context, client QueueClient, run []Message) []error {
	receipts := make([]Receipt, len(run))
	for i := range run {
		receipts[i] = run[i].Receipt
	}

	var errs []error
	for start := 0; start < len(receipts); start += MaxDeleteBatch {
		end := start + MaxDeleteBatch
		if end > len(receipts) {
			end = len(receipts)
		}
		chunk := receipts[start:end]

		if err := client.DeleteMessages(ctx, chunk); err != nil {
			a.logger.Error().Err(err).Int("batch_size", len(chunk)).Msg("Failed to delete message batch from queue.")
			errs = append(errs, fmt.Errorf("deleting batch of %d messages: %w", len(chunk), err))
			continue
		}
		a.logger.Debug().Int("batch_size", len(chunk)).Msg("Deleted message batch from queue.")
	}
	return errs
}
