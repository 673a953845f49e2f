package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/obutuz/go-queuesource/pkg/queuesource"
	"github.com/rs/zerolog"
)

// --- AWS SQS QueueClient Implementation ---

// maxReceiveBatch is the SQS per-call ceiling on received messages. Demand
// beyond it is satisfied by the source's follow-up polls.
const maxReceiveBatch = 10

const (
	defaultMaxRetryAttempts     = 5
	defaultMaxRetryBackoffDelay = 10 * time.Second
)

// Config holds configuration for an SQS-backed queue client.
type Config struct {
	// QueueName is resolved to a queue URL at construction time.
	QueueName string

	// QueueURL skips name resolution when set.
	QueueURL string

	// MaxMessagesPerPoll caps how many messages a single receive call asks
	// for. Defaults to 10, which is also the SQS ceiling.
	MaxMessagesPerPoll int32

	// WaitTime is the long-poll wait passed to each receive call. Zero uses
	// the queue's configured default; the SQS maximum is 20 seconds.
	WaitTime time.Duration

	// VisibilityTimeout is applied to each received message. Zero uses the
	// queue's configured default.
	VisibilityTimeout time.Duration

	// MaxRetryAttempts and MaxRetryBackoffDelay tune the AWS SDK retryer
	// built by NewClientFromDefaults. Defaults: 5 attempts, 10s backoff.
	MaxRetryAttempts     int
	MaxRetryBackoffDelay time.Duration

	// AttributeNames lists the system attributes to request with each
	// message. Defaults to all of them.
	AttributeNames []string

	// MessageAttributeNames lists the custom attributes to request with
	// each message. Defaults to all of them.
	MessageAttributeNames []string
}

// sqsAPI is the slice of the AWS SQS API this client uses. *sqs.Client
// satisfies it; tests substitute a mock.
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Client is a QueueClient backed by an AWS SQS queue.
type Client struct {
	api                   sqsAPI
	queueURL              string
	maxMessagesPerPoll    int32
	waitTimeSeconds       int32
	visibilitySeconds     int32
	attributeNames        []sqstypes.QueueAttributeName
	messageAttributeNames []string
	logger                zerolog.Logger
}

// NewClient creates a Client over an existing SQS SDK client. Unless
// cfg.QueueURL is set, the queue URL is resolved once here via GetQueueUrl.
func NewClient(ctx context.Context, cfg Config, client *sqs.Client, logger zerolog.Logger) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client must not be nil")
	}
	return newClientWithAPI(ctx, cfg, client, logger)
}

// NewClientFromDefaults creates a Client using ambient AWS credentials,
// with a retryer tuned by cfg.MaxRetryAttempts and cfg.MaxRetryBackoffDelay.
func NewClientFromDefaults(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	maxAttempts := cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetryAttempts
	}
	maxBackoff := cfg.MaxRetryBackoffDelay
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxRetryBackoffDelay
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, maxBackoff)
		o.Retryer = retry.AddWithMaxAttempts(o.Retryer, maxAttempts)
	})

	return NewClient(ctx, cfg, client, logger)
}

func newClientWithAPI(ctx context.Context, cfg Config, api sqsAPI, logger zerolog.Logger) (*Client, error) {
	if cfg.QueueName == "" && cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue name must be a non-empty string")
	}
	if cfg.MaxMessagesPerPoll < 0 || cfg.MaxMessagesPerPoll > maxReceiveBatch {
		return nil, fmt.Errorf("max messages per poll must be between 1 and 10")
	}
	if cfg.MaxMessagesPerPoll == 0 {
		cfg.MaxMessagesPerPoll = maxReceiveBatch
	}
	if cfg.WaitTime < 0 || cfg.WaitTime > 20*time.Second {
		return nil, fmt.Errorf("receive wait time must be between 0 and 20 seconds")
	}
	if cfg.VisibilityTimeout < 0 || cfg.VisibilityTimeout > 12*time.Hour {
		return nil, fmt.Errorf("visibility timeout must be between 0 seconds and 12 hours")
	}

	queueURL := cfg.QueueURL
	if queueURL == "" {
		resp, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve queue URL for %s: %w", cfg.QueueName, err)
		}
		queueURL = aws.ToString(resp.QueueUrl)
	}

	attributeNames := []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll}
	if len(cfg.AttributeNames) > 0 {
		attributeNames = make([]sqstypes.QueueAttributeName, 0, len(cfg.AttributeNames))
		for _, name := range cfg.AttributeNames {
			attributeNames = append(attributeNames, sqstypes.QueueAttributeName(name))
		}
	}
	messageAttributeNames := cfg.MessageAttributeNames
	if len(messageAttributeNames) == 0 {
		messageAttributeNames = []string{"All"}
	}

	logger.Info().Str("queue_url", queueURL).Msg("Connected to SQS queue")

	return &Client{
		api:                   api,
		queueURL:              queueURL,
		maxMessagesPerPoll:    cfg.MaxMessagesPerPoll,
		waitTimeSeconds:       int32(cfg.WaitTime.Seconds()),
		visibilitySeconds:     int32(cfg.VisibilityTimeout.Seconds()),
		attributeNames:        attributeNames,
		messageAttributeNames: messageAttributeNames,
		logger:                logger.With().Str("component", "SQSClient").Str("queue_url", queueURL).Logger(),
	}, nil
}

// ReceiveMessages fetches up to amount messages with a single ReceiveMessage
// call, capped at the configured per-poll maximum.
func (c *Client) ReceiveMessages(ctx context.Context, amount int) ([]queuesource.Item, error) {
	if amount <= 0 {
		return nil, nil
	}
	batch := int32(amount)
	if batch > c.maxMessagesPerPoll {
		batch = c.maxMessagesPerPoll
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              &c.queueURL,
		MaxNumberOfMessages:   batch,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     c.visibilitySeconds,
		AttributeNames:        c.attributeNames,
		MessageAttributeNames: c.messageAttributeNames,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages from SQS: %w", err)
	}

	items := make([]queuesource.Item, 0, len(out.Messages))
	for _, m := range out.Messages {
		items = append(items, queuesource.Item{
			Payload:    []byte(aws.ToString(m.Body)),
			Attributes: flattenAttributes(m),
			Receipt: queuesource.Receipt{
				MessageID: aws.ToString(m.MessageId),
				Handle:    aws.ToString(m.ReceiptHandle),
			},
		})
	}
	c.logger.Debug().Int("requested", amount).Int("received", len(items)).Msg("SQS receive completed.")
	return items, nil
}

// DeleteMessages removes the identified deliveries with DeleteMessageBatch
// calls of at most ten entries each. Per-entry failures reported by SQS are
// folded into the returned error; the remaining entries are still deleted.
func (c *Client) DeleteMessages(ctx context.Context, receipts []queuesource.Receipt) error {
	var errs []error

	for start := 0; start < len(receipts); start += queuesource.MaxDeleteBatch {
		end := start + queuesource.MaxDeleteBatch
		if end > len(receipts) {
			end = len(receipts)
		}
		chunk := receipts[start:end]

		entries := make([]sqstypes.DeleteMessageBatchRequestEntry, len(chunk))
		for i, r := range chunk {
			entries[i] = sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(r.Handle),
			}
		}

		out, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: &c.queueURL,
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete message batch from SQS: %w", err))
			continue
		}

		for _, f := range out.Failed {
			msgID := aws.ToString(f.Id)
			if idx, convErr := strconv.Atoi(msgID); convErr == nil && idx >= 0 && idx < len(chunk) {
				msgID = chunk[idx].MessageID
			}
			c.logger.Warn().Str("msg_id", msgID).Str("code", aws.ToString(f.Code)).Msg("SQS reported a failed delete entry.")
			errs = append(errs, fmt.Errorf("failed to delete message %s: %s (%s)", msgID, aws.ToString(f.Message), aws.ToString(f.Code)))
		}
	}

	return errors.Join(errs...)
}

// flattenAttributes merges system and custom message attributes into one map.
// Custom attributes win on a name collision; only string values are carried.
func flattenAttributes(m sqstypes.Message) map[string]string {
	if len(m.Attributes) == 0 && len(m.MessageAttributes) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(m.Attributes)+len(m.MessageAttributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	return attrs
}
