// redisqueue/redisqueue.go
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/obutuz/go-queuesource/pkg/queuesource"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultKeyPrefix         = "queue"
	defaultVisibilityTimeout = 30 * time.Second

	// requeueScanLimit bounds how many expired leases a single receive call
	// will move back to the ready list.
	requeueScanLimit = 100
)

// Config holds the configuration for the Redis queue client.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces the queue's keys so several queues can share one
	// Redis instance. Defaults to "queue".
	KeyPrefix string

	// VisibilityTimeout is how long a received message stays invisible
	// before it is eligible for redelivery. Defaults to 30 seconds.
	VisibilityTimeout time.Duration
}

// storedMessage is the JSON body kept in the bodies hash.
type storedMessage struct {
	Payload    []byte            `json:"payload"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Client is a QueueClient backed by Redis. A ready list holds the IDs
// waiting for delivery, a hash holds the message bodies, and each delivery
// takes a lease: the receipt handle is scored by its visibility deadline in
// a sorted set so expired leases can be moved back to the ready list.
//
// Multiple consumers can poll the same queue; the list pop hands each
// message to exactly one of them per delivery.
type Client struct {
	redisClient       *redis.Client
	logger            zerolog.Logger
	visibilityTimeout time.Duration

	readyKey    string
	bodiesKey   string
	inflightKey string
	pendingKey  string
}

// NewClient creates and connects a new Redis queue client.
// It pings the Redis server to ensure connectivity before returning.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address must be a non-empty string")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key_prefix", cfg.KeyPrefix).Msg("Successfully connected to Redis.")

	return &Client{
		redisClient:       rdb,
		logger:            logger.With().Str("component", "RedisQueue").Logger(),
		visibilityTimeout: cfg.VisibilityTimeout,
		readyKey:          cfg.KeyPrefix + ":ready",
		bodiesKey:         cfg.KeyPrefix + ":bodies",
		inflightKey:       cfg.KeyPrefix + ":inflight",
		pendingKey:        cfg.KeyPrefix + ":pending",
	}, nil
}

// Publish appends a payload to the back of the queue and returns the
// assigned message ID.
func (c *Client) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	id := uuid.NewString()
	body, err := json.Marshal(storedMessage{Payload: payload, Attributes: attributes})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message body: %w", err)
	}

	pipe := c.redisClient.TxPipeline()
	pipe.HSet(ctx, c.bodiesKey, id, body)
	pipe.RPush(ctx, c.readyKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// ReceiveMessages pops up to amount ready messages. Each delivery gets a
// fresh receipt handle and a visibility lease; expired leases found along
// the way are moved back to the ready list first.
func (c *Client) ReceiveMessages(ctx context.Context, amount int) ([]queuesource.Item, error) {
	if amount <= 0 {
		return nil, nil
	}

	if err := c.requeueExpired(ctx); err != nil {
		// A fresh pop will surface a genuinely broken connection.
		c.logger.Warn().Err(err).Msg("Failed to requeue expired leases, continuing with receive.")
	}

	ids, err := c.redisClient.LPopCount(ctx, c.readyKey, amount).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from ready list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := c.redisClient.HMGet(ctx, c.bodiesKey, ids...).Result()
	if err != nil {
		// The popped ids carry no lease yet, so nothing would ever requeue them.
		c.restoreReady(ctx, ids)
		return nil, fmt.Errorf("failed to load message bodies: %w", err)
	}

	deadline := float64(time.Now().Add(c.visibilityTimeout).UnixMilli())
	pipe := c.redisClient.TxPipeline()
	items := make([]queuesource.Item, 0, len(ids))
	for i, id := range ids {
		raw, ok := bodies[i].(string)
		if !ok {
			c.logger.Warn().Str("msg_id", id).Msg("Message body missing, dropping entry.")
			continue
		}
		var stored storedMessage
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			c.logger.Error().Err(err).Str("msg_id", id).Msg("Failed to unmarshal message body, dropping entry.")
			continue
		}

		handle := uuid.NewString()
		pipe.ZAdd(ctx, c.pendingKey, redis.Z{Score: deadline, Member: handle})
		pipe.HSet(ctx, c.inflightKey, handle, id)

		items = append(items, queuesource.Item{
			Payload:    stored.Payload,
			Attributes: stored.Attributes,
			Receipt: queuesource.Receipt{
				MessageID: id,
				Handle:    handle,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.restoreReady(ctx, ids)
		return nil, fmt.Errorf("failed to register in-flight leases: %w", err)
	}

	c.logger.Debug().Int("requested", amount).Int("received", len(items)).Msg("Redis receive completed.")
	return items, nil
}

// DeleteMessages removes the identified deliveries and their bodies.
// Handles whose lease already expired are silently skipped, so deletion
// stays idempotent.
func (c *Client) DeleteMessages(ctx context.Context, receipts []queuesource.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	handles := make([]string, len(receipts))
	for i, r := range receipts {
		handles[i] = r.Handle
	}

	rawIDs, err := c.redisClient.HMGet(ctx, c.inflightKey, handles...).Result()
	if err != nil {
		return fmt.Errorf("failed to look up in-flight leases: %w", err)
	}

	liveHandles := make([]string, 0, len(handles))
	liveMembers := make([]interface{}, 0, len(handles))
	ids := make([]string, 0, len(handles))
	for i, raw := range rawIDs {
		id, ok := raw.(string)
		if !ok {
			c.logger.Debug().Str("msg_id", receipts[i].MessageID).Msg("Ignoring delete for unknown or expired receipt handle.")
			continue
		}
		liveHandles = append(liveHandles, handles[i])
		liveMembers = append(liveMembers, handles[i])
		ids = append(ids, id)
	}
	if len(liveHandles) == 0 {
		return nil
	}

	pipe := c.redisClient.TxPipeline()
	pipe.ZRem(ctx, c.pendingKey, liveMembers...)
	pipe.HDel(ctx, c.inflightKey, liveHandles...)
	pipe.HDel(ctx, c.bodiesKey, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// Len returns the number of messages currently ready for delivery.
func (c *Client) Len(ctx context.Context) (int64, error) {
	return c.redisClient.LLen(ctx, c.readyKey).Result()
}

// InFlight returns the number of delivered but not yet deleted messages.
func (c *Client) InFlight(ctx context.Context) (int64, error) {
	return c.redisClient.ZCard(ctx, c.pendingKey).Result()
}

// requeueExpired moves leases whose visibility deadline passed back to the
// ready list. The ZRem guard keeps concurrent consumers from requeueing the
// same lease twice.
func (c *Client) requeueExpired(ctx context.Context) error {
	expired, err := c.redisClient.ZRangeByScore(ctx, c.pendingKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(time.Now().UnixMilli(), 10),
		Offset: 0,
		Count:  requeueScanLimit,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan expired leases: %w", err)
	}

	for _, handle := range expired {
		removed, err := c.redisClient.ZRem(ctx, c.pendingKey, handle).Result()
		if err != nil {
			return fmt.Errorf("failed to claim expired lease: %w", err)
		}
		if removed == 0 {
			continue
		}

		id, err := c.redisClient.HGet(ctx, c.inflightKey, handle).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to resolve expired lease: %w", err)
		}

		pipe := c.redisClient.TxPipeline()
		pipe.HDel(ctx, c.inflightKey, handle)
		pipe.RPush(ctx, c.readyKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to requeue expired message: %w", err)
		}
		c.logger.Debug().Str("msg_id", id).Msg("Visibility timeout lapsed, requeueing message.")
	}
	return nil
}

// restoreReady puts popped ids back on the ready list after a receive failed
// partway. Until the lease registration pipeline has run, requeueExpired
// cannot see the ids, so this push is their only way back. Best effort: a
// failed push is logged with the stranded ids.
func (c *Client) restoreReady(ctx context.Context, ids []string) {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := c.redisClient.RPush(ctx, c.readyKey, members...).Err(); err != nil {
		c.logger.Error().Err(err).Strs("msg_ids", ids).Msg("Failed to return popped messages to the ready list.")
	}
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
