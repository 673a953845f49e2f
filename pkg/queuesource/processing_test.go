package queuesource_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obutuz/go-queuesource/pkg/queuesource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// okHandler accepts every message.
func okHandler(_ context.Context, _ queuesource.Message) error {
	return nil
}

func TestNewProcessingService_Validation(t *testing.T) {
	t.Run("nil source", func(t *testing.T) {
		_, err := queuesource.NewProcessingService(queuesource.ProcessingServiceConfig{}, nil, okHandler, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source")
	})

	t.Run("nil handler", func(t *testing.T) {
		_, err := queuesource.NewProcessingService(queuesource.ProcessingServiceConfig{}, NewMockMessageSource(10), nil, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler")
	})
}

func TestProcessingService_Lifecycle(t *testing.T) {
	// Arrange
	source := NewMockMessageSource(10)
	cfg := queuesource.ProcessingServiceConfig{NumWorkers: 1, AckBatchSize: 7}
	service, err := queuesource.NewProcessingService(cfg, source, okHandler, zerolog.Nop())
	require.NoError(t, err)

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	// Act
	require.NoError(t, service.Start(serviceCtx))

	// Assert: the source was started and seeded with one ack batch of demand.
	assert.Equal(t, 1, source.GetStartCount())
	assert.Equal(t, []int{7}, source.GetRequested())

	// Act
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, service.Stop(stopCtx))

	// Assert
	assert.Equal(t, 1, source.GetStopCount())
}

func TestProcessingService_StartFailsWhenSourceFails(t *testing.T) {
	// Arrange
	source := NewMockMessageSource(10)
	source.SetStartError(errors.New("broker unreachable"))
	service, err := queuesource.NewProcessingService(queuesource.ProcessingServiceConfig{}, source, okHandler, zerolog.Nop())
	require.NoError(t, err)

	// Act
	err = service.Start(context.Background())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start message source")
}

func TestProcessingService_AcksWhenBatchFills(t *testing.T) {
	// Arrange
	client := NewMockQueueClient()
	source := NewMockMessageSource(10)
	cfg := queuesource.ProcessingServiceConfig{NumWorkers: 1, AckBatchSize: 2, FlushInterval: time.Hour}
	service, err := queuesource.NewProcessingService(cfg, source, okHandler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
	})

	// Act
	for _, item := range newTestItems("fill", 2) {
		source.Push(queuesource.NewMessage(item, client))
	}

	// Assert: hitting the batch size flushes without waiting for the interval,
	// and the flush replenishes the matching amount of demand.
	require.Eventually(t, func() bool {
		return client.GetDeleteCount() == 1
	}, time.Second, 10*time.Millisecond, "Batch was not acknowledged when full")
	assert.Len(t, client.GetDeletedReceipts(), 2)

	require.Eventually(t, func() bool {
		return source.GetTotalRequested() == 2+2
	}, time.Second, 10*time.Millisecond, "Flush did not replenish demand")
}

func TestProcessingService_FlushesOnInterval(t *testing.T) {
	// Arrange
	client := NewMockQueueClient()
	source := NewMockMessageSource(10)
	cfg := queuesource.ProcessingServiceConfig{NumWorkers: 1, AckBatchSize: 100, FlushInterval: 50 * time.Millisecond}
	service, err := queuesource.NewProcessingService(cfg, source, okHandler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
	})

	// Act: three messages, far below the batch size.
	for _, item := range newTestItems("tick", 3) {
		source.Push(queuesource.NewMessage(item, client))
	}

	// Assert: the interval flush picks them up as a single delete call.
	require.Eventually(t, func() bool {
		return client.GetDeleteCount() >= 1
	}, time.Second, 10*time.Millisecond, "Interval flush did not happen")
	assert.Len(t, client.GetDeletedReceipts(), 3)
}

func TestProcessingService_FailedMessagesLeftForRedelivery(t *testing.T) {
	// Arrange: the handler rejects one specific payload.
	client := NewMockQueueClient()
	source := NewMockMessageSource(10)
	handler := func(_ context.Context, msg queuesource.Message) error {
		if bytes.Contains(msg.Payload, []byte("poison")) {
			return errors.New("cannot process this payload")
		}
		return nil
	}

	cfg := queuesource.ProcessingServiceConfig{NumWorkers: 1, AckBatchSize: 1, FlushInterval: time.Hour}
	service, err := queuesource.NewProcessingService(cfg, source, handler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
	})

	// Act
	source.Push(queuesource.NewMessage(newTestItems("poison", 1)[0], client))
	source.Push(queuesource.NewMessage(newTestItems("good", 1)[0], client))

	// Assert: only the good message is deleted; the failure still replenishes
	// demand so the pipeline keeps flowing.
	require.Eventually(t, func() bool {
		return client.GetDeleteCount() == 1
	}, time.Second, 10*time.Millisecond, "Good message was not acknowledged")

	deleted := client.GetDeletedReceipts()
	require.Len(t, deleted, 1)
	assert.Equal(t, "good-0", deleted[0].MessageID)

	require.Eventually(t, func() bool {
		// Initial grant of 1, plus one per settled message across two flushes.
		return source.GetTotalRequested() == 3
	}, time.Second, 10*time.Millisecond, "Failure did not replenish demand")
}

func TestProcessingService_EndToEndWithProducer(t *testing.T) {
	// Arrange: a real Producer over a scripted client, driven by the service.
	client := NewMockQueueClient()
	client.AddResponse(newTestItems("e2e", 5), nil)

	producer, err := queuesource.NewProducer(queuesource.ProducerConfig{PollInterval: time.Hour}, client, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]struct{})
	handler := func(_ context.Context, msg queuesource.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.ID()] = struct{}{}
		return nil
	}

	cfg := queuesource.ProcessingServiceConfig{NumWorkers: 2, AckBatchSize: 5, FlushInterval: time.Hour}
	service, err := queuesource.NewProcessingService(cfg, producer, handler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	require.NoError(t, service.Start(ctx))

	// Assert: all five messages flow through and are deleted in one batch.
	require.Eventually(t, func() bool {
		return client.GetDeleteCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "Messages were not acknowledged")
	assert.Len(t, client.GetDeletedReceipts(), 5)

	mu.Lock()
	assert.Len(t, seen, 5)
	mu.Unlock()

	// The flush replenished demand, so the producer polled again for five.
	require.Eventually(t, func() bool {
		return client.GetReceiveCount() == 2
	}, 2*time.Second, 10*time.Millisecond, "Replenished demand did not trigger a poll")
	assert.Equal(t, []int{5, 5}, client.GetReceiveCalls())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, service.Stop(stopCtx))
}
