package queuesource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPollInterval           = 5 * time.Second
	defaultMaxOutstandingMessages = 100

	// demandBuffer is how many Request grants may queue up while the polling
	// loop is busy (or not yet started) before Request blocks.
	demandBuffer = 64
)

// ProducerConfig holds configuration for a Producer.
type ProducerConfig struct {
	// PollInterval is the idle backoff between polls while the queue has
	// nothing available. Defaults to 5 seconds.
	PollInterval time.Duration

	// MaxOutstandingMessages sizes the output channel buffer.
	// Defaults to 100.
	MaxOutstandingMessages int
}

// Producer is a demand-driven MessageSource backed by a QueueClient.
//
// A Producer never polls ahead of demand: the downstream consumer grants
// capacity with Request, and the Producer asks the queue for at most the
// outstanding amount. A poll that returns nothing schedules an idle-backoff
// retry; a poll that only partially satisfies demand schedules an immediate
// follow-up; a poll that fully satisfies demand leaves the Producer quiet
// until the next grant. At most one poll trigger is pending at any time.
//
// All demand and timer state is owned by a single goroutine, so a Producer
// needs no internal locking. Producers share no state with each other;
// run several against the same queue for horizontal throughput.
type Producer struct {
	client       QueueClient
	logger       zerolog.Logger
	pollInterval time.Duration

	outputChan chan Message
	demandChan chan int
	doneChan   chan struct{}

	// Owned exclusively by the run goroutine.
	demand    int
	pollTimer *time.Timer

	stopOnce   sync.Once
	cancelPoll context.CancelFunc
}

// NewProducer creates a Producer over an initialized QueueClient.
// It fails fast on invalid configuration; no partial state is produced.
func NewProducer(cfg ProducerConfig, client QueueClient, logger zerolog.Logger) (*Producer, error) {
	if client == nil {
		return nil, fmt.Errorf("queue client must not be nil")
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("poll interval must be a positive duration, got %s", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = defaultMaxOutstandingMessages
	}

	return &Producer{
		client:       client,
		logger:       logger.With().Str("component", "Producer").Logger(),
		pollInterval: cfg.PollInterval,
		outputChan:   make(chan Message, cfg.MaxOutstandingMessages),
		demandChan:   make(chan int, demandBuffer),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages returns the read-only channel on which fetched messages are
// emitted. The channel is closed after the Producer has fully stopped.
func (p *Producer) Messages() <-chan Message {
	return p.outputChan
}

// Request grants n additional units of demand. Grants issued before Start
// are queued and honored once the polling loop is running. Requests after
// the Producer has stopped are dropped.
func (p *Producer) Request(n int) {
	if n <= 0 {
		return
	}
	select {
	case p.demandChan <- n:
	case <-p.doneChan:
		p.logger.Debug().Int("demand", n).Msg("Demand grant dropped, source already stopped.")
	}
}

// Start launches the polling loop. The provided context bounds the loop's
// lifetime; cancelling it has the same effect as calling Stop.
func (p *Producer) Start(ctx context.Context) error {
	p.logger.Info().Dur("poll_interval", p.pollInterval).Msg("Starting queue polling loop...")
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancelPoll = cancel

	go func() {
		defer close(p.doneChan)
		defer close(p.outputChan)
		defer p.logger.Info().Msg("Queue polling loop stopped.")
		p.run(pollCtx)
	}()
	return nil
}

// Stop gracefully shuts the Producer down, waiting for the polling loop to
// exit or the context to expire.
func (p *Producer) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping queue source...")
		if p.cancelPoll != nil {
			p.cancelPoll()
		}
	})

	select {
	case <-p.doneChan:
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for polling loop to stop.")
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the Producer has completely shut down.
func (p *Producer) Done() <-chan struct{} {
	return p.doneChan
}

// run is the single-writer loop that owns all demand and timer state.
func (p *Producer) run(ctx context.Context) {
	defer p.clearPollTimer()

	for {
		// A nil timer channel blocks forever, so the timer case is only
		// selectable while a poll is actually scheduled.
		var timerC <-chan time.Time
		if p.pollTimer != nil {
			timerC = p.pollTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case n := <-p.demandChan:
			p.demand += n
			p.attemptPoll(ctx)
		case <-timerC:
			p.pollTimer = nil
			p.attemptPoll(ctx)
		}
	}
}

// attemptPoll polls the queue for the outstanding demand and decides the next
// schedule. It is a no-op while a poll is already scheduled or no demand is
// outstanding, which keeps poll triggers mutually exclusive.
func (p *Producer) attemptPoll(ctx context.Context) {
	if p.pollTimer != nil || p.demand <= 0 {
		return
	}

	items, err := p.client.ReceiveMessages(ctx, p.demand)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Transport retry is the QueueClient's job; here a failed poll is
		// scheduled again like an empty one.
		p.logger.Error().Err(err).Int("demand", p.demand).Msg("Failed to receive messages, scheduling backoff poll.")
		p.pollTimer = time.NewTimer(p.pollInterval)
		return
	}

	for i := range items {
		if !p.emit(ctx, NewMessage(items[i], p.client)) {
			return
		}
	}

	p.demand -= len(items)
	if p.demand < 0 {
		p.demand = 0
	}

	switch {
	case len(items) == 0:
		// Nothing available: idle backoff.
		p.pollTimer = time.NewTimer(p.pollInterval)
	case p.demand == 0:
		// Demand fully satisfied: stay quiet until the next grant.
	default:
		// Partially satisfied: the queue may hold more, poll again at once.
		p.pollTimer = time.NewTimer(0)
	}
}

func (p *Producer) emit(ctx context.Context, msg Message) bool {
	select {
	case p.outputChan <- msg:
		return true
	case <-ctx.Done():
		p.logger.Warn().Str("msg_id", msg.ID()).Msg("Source stopping, dropping message; the queue will redeliver it after its visibility timeout.")
		return false
	}
}

func (p *Producer) clearPollTimer() {
	if p.pollTimer != nil {
		p.pollTimer.Stop()
		p.pollTimer = nil
	}
}
