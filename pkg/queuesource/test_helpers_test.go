package queuesource_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/obutuz/go-queuesource/pkg/queuesource"
)

// ====================================================================================
// This file contains mocks for the interfaces defined in the queuesource
// package, shared by all unit tests in this package.
// ====================================================================================

// --- MockQueueClient ---

// MockQueueClient is a scripted QueueClient implementation. Each call to
// ReceiveMessages consumes the next scripted response; once the script is
// exhausted every poll returns an empty result. All receive and delete calls
// are recorded for assertions.
type MockQueueClient struct {
	mu           sync.Mutex
	responses    []mockReceiveResponse
	receiveCalls []int
	deleteCalls  [][]queuesource.Receipt
	deleteHook   func(receipts []queuesource.Receipt) error
}

type mockReceiveResponse struct {
	items []queuesource.Item
	err   error
}

// NewMockQueueClient creates an empty-scripted mock client.
func NewMockQueueClient() *MockQueueClient {
	return &MockQueueClient{}
}

// AddResponse scripts the result of the next unscripted ReceiveMessages call.
func (m *MockQueueClient) AddResponse(items []queuesource.Item, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockReceiveResponse{items: items, err: err})
}

// ReceiveMessages records the requested amount and pops the next scripted response.
func (m *MockQueueClient) ReceiveMessages(_ context.Context, amount int) ([]queuesource.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveCalls = append(m.receiveCalls, amount)
	if len(m.responses) == 0 {
		return nil, nil
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	return next.items, next.err
}

// DeleteMessages records the receipts and returns the hook's result, if any.
func (m *MockQueueClient) DeleteMessages(_ context.Context, receipts []queuesource.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recorded := make([]queuesource.Receipt, len(receipts))
	copy(recorded, receipts)
	m.deleteCalls = append(m.deleteCalls, recorded)
	if m.deleteHook != nil {
		return m.deleteHook(recorded)
	}
	return nil
}

// SetDeleteHook installs a function whose return value becomes the result of
// every subsequent DeleteMessages call.
func (m *MockQueueClient) SetDeleteHook(hook func(receipts []queuesource.Receipt) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteHook = hook
}

// GetReceiveCalls returns a copy of the amounts requested by each receive call.
func (m *MockQueueClient) GetReceiveCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]int, len(m.receiveCalls))
	copy(calls, m.receiveCalls)
	return calls
}

// GetReceiveCount returns how many times ReceiveMessages was called.
func (m *MockQueueClient) GetReceiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receiveCalls)
}

// GetDeleteCalls returns a copy of the receipt batches passed to DeleteMessages.
func (m *MockQueueClient) GetDeleteCalls() [][]queuesource.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([][]queuesource.Receipt, len(m.deleteCalls))
	for i, c := range m.deleteCalls {
		batch := make([]queuesource.Receipt, len(c))
		copy(batch, c)
		calls[i] = batch
	}
	return calls
}

// GetDeleteCount returns how many times DeleteMessages was called.
func (m *MockQueueClient) GetDeleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleteCalls)
}

// GetDeletedReceipts returns every deleted receipt in delivery order.
func (m *MockQueueClient) GetDeletedReceipts() []queuesource.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var receipts []queuesource.Receipt
	for _, c := range m.deleteCalls {
		receipts = append(receipts, c...)
	}
	return receipts
}

// --- MockMessageSource ---

// MockMessageSource is a mock implementation of the MessageSource interface.
// Tests push messages into it directly and inspect the demand grants it received.
type MockMessageSource struct {
	msgChan    chan queuesource.Message
	doneChan   chan struct{}
	mu         sync.Mutex
	startCount int
	stopCount  int
	startErr   error
	requested  []int
	closeOnce  sync.Once
}

// NewMockMessageSource creates a new mock source with a buffered channel.
func NewMockMessageSource(bufferSize int) *MockMessageSource {
	return &MockMessageSource{
		msgChan:  make(chan queuesource.Message, bufferSize),
		doneChan: make(chan struct{}),
	}
}

// Messages returns the read-only channel tests push into.
func (m *MockMessageSource) Messages() <-chan queuesource.Message {
	return m.msgChan
}

// Request records the demand grant.
func (m *MockMessageSource) Request(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = append(m.requested, n)
}

// Start counts invocations and returns the configured error, if any.
func (m *MockMessageSource) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

// SetStartError configures the mock to return an error on Start().
func (m *MockMessageSource) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Stop counts invocations and closes the message channel.
func (m *MockMessageSource) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopCount++
	m.mu.Unlock()
	m.Close()
	return nil
}

// Done reports shutdown completion.
func (m *MockMessageSource) Done() <-chan struct{} {
	return m.doneChan
}

// Push injects a message into the source's channel.
func (m *MockMessageSource) Push(msg queuesource.Message) {
	m.msgChan <- msg
}

// Close closes the message channel exactly once.
func (m *MockMessageSource) Close() {
	m.closeOnce.Do(func() {
		close(m.msgChan)
		close(m.doneChan)
	})
}

// GetStartCount returns the number of times Start() was called.
func (m *MockMessageSource) GetStartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

// GetStopCount returns the number of times Stop() was called.
func (m *MockMessageSource) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

// GetRequested returns a copy of the individual demand grants.
func (m *MockMessageSource) GetRequested() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants := make([]int, len(m.requested))
	copy(grants, m.requested)
	return grants
}

// GetTotalRequested returns the sum of all demand grants.
func (m *MockMessageSource) GetTotalRequested() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requested {
		total += n
	}
	return total
}

// --- Shared helpers ---

// newTestItems builds n items with deterministic IDs like "<prefix>-0", "<prefix>-1", ...
func newTestItems(prefix string, n int) []queuesource.Item {
	items := make([]queuesource.Item, n)
	for i := range items {
		items[i] = queuesource.Item{
			Payload: []byte(fmt.Sprintf("%s-payload-%d", prefix, i)),
			Receipt: queuesource.Receipt{
				MessageID: fmt.Sprintf("%s-%d", prefix, i),
				Handle:    fmt.Sprintf("%s-handle-%d", prefix, i),
			},
		}
	}
	return items
}

// collectMessages drains exactly n messages from ch, failing the test on timeout.
func collectMessages(t *testing.T, ch <-chan queuesource.Message, n int, timeout time.Duration) []queuesource.Message {
	t.Helper()
	out := make([]queuesource.Message, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("message channel closed after %d of %d messages", len(out), n)
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for messages: got %d of %d", len(out), n)
		}
	}
	return out
}
