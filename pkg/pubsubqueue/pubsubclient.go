package pubsubqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/obutuz/go-queuesource/pkg/queuesource"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Google Pub/Sub QueueClient Implementation ---

// maxPullBatch is the Pub/Sub per-call ceiling on pulled messages.
const maxPullBatch = 1000

const defaultMaxWait = 10 * time.Second

// Config holds configuration for a Pub/Sub-backed queue client.
type Config struct {
	ProjectID      string
	SubscriptionID string

	// MaxWait bounds how long a single pull blocks waiting for messages.
	// An empty subscription yields an empty result after this long.
	// Defaults to 10 seconds.
	MaxWait time.Duration
}

// Client is a QueueClient backed by a Google Pub/Sub subscription. It uses
// the synchronous Pull API so that each poll fetches at most the demanded
// amount; acknowledgment maps to deleting, and unacknowledged messages are
// redelivered after the subscription's ack deadline.
type Client struct {
	subscriber       *pubsubapi.SubscriberClient
	subscriptionName string
	maxWait          time.Duration
	logger           zerolog.Logger
}

// NewClient creates a Client and verifies the subscription exists.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id must be a non-empty string")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription id must be a non-empty string")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}

	subscriber, err := pubsubapi.NewSubscriberClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub subscriber client: %w", err)
	}

	subscriptionName := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)
	if _, err := subscriber.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subscriptionName}); err != nil {
		_ = subscriber.Close()
		return nil, fmt.Errorf("subscription %s does not exist: %w", subscriptionName, err)
	}
	logger.Info().Str("subscription", subscriptionName).Msg("Listening for messages")

	return &Client{
		subscriber:       subscriber,
		subscriptionName: subscriptionName,
		maxWait:          cfg.MaxWait,
		logger:           logger.With().Str("component", "PubsubClient").Str("subscription", subscriptionName).Logger(),
	}, nil
}

// ReceiveMessages pulls up to amount messages. A subscription with nothing
// available returns an empty result once MaxWait elapses.
func (c *Client) ReceiveMessages(ctx context.Context, amount int) ([]queuesource.Item, error) {
	if amount <= 0 {
		return nil, nil
	}
	batch := int32(amount)
	if batch > maxPullBatch {
		batch = maxPullBatch
	}

	pullCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	resp, err := c.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: c.subscriptionName,
		MaxMessages:  batch,
	})
	if err != nil {
		// An expired pull deadline is the long-poll way of saying "nothing
		// there right now", not a failure.
		if ctx.Err() == nil && (status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded)) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pull messages from Pub/Sub: %w", err)
	}

	items := make([]queuesource.Item, 0, len(resp.ReceivedMessages))
	for _, rm := range resp.ReceivedMessages {
		if rm.Message == nil {
			continue
		}
		payloadCopy := make([]byte, len(rm.Message.Data))
		copy(payloadCopy, rm.Message.Data)

		attrs := rm.Message.Attributes
		if rm.Message.PublishTime != nil {
			if attrs == nil {
				attrs = make(map[string]string, 1)
			}
			attrs["publish_time"] = rm.Message.PublishTime.AsTime().Format(time.RFC3339Nano)
		}

		items = append(items, queuesource.Item{
			Payload:    payloadCopy,
			Attributes: attrs,
			Receipt: queuesource.Receipt{
				MessageID: rm.Message.MessageId,
				Handle:    rm.AckId,
			},
		})
	}
	c.logger.Debug().Int("requested", amount).Int("received", len(items)).Msg("Pub/Sub pull completed.")
	return items, nil
}

// DeleteMessages acknowledges the identified deliveries in one call.
func (c *Client) DeleteMessages(ctx context.Context, receipts []queuesource.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	ackIDs := make([]string, len(receipts))
	for i, r := range receipts {
		ackIDs[i] = r.Handle
	}

	if err := c.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: c.subscriptionName,
		AckIds:       ackIDs,
	}); err != nil {
		return fmt.Errorf("failed to acknowledge messages on Pub/Sub: %w", err)
	}
	c.logger.Debug().Int("count", len(ackIDs)).Msg("Acknowledged Pub/Sub messages.")
	return nil
}

// Close releases the underlying subscriber client.
func (c *Client) Close() error {
	return c.subscriber.Close()
}
