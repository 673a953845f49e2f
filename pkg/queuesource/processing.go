package queuesource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProcessingServiceConfig holds the configuration for a ProcessingService.
type ProcessingServiceConfig struct {
	NumWorkers    int
	AckBatchSize  int
	FlushInterval time.Duration
}

// ProcessingService orchestrates a complete queue pipeline: it drives a
// MessageSource with demand, runs a pool of workers over the fetched
// messages, and settles the outcomes in batches through an Acknowledger.
//
// Demand accounting keeps the pipeline fed without overrunning it: an
// initial grant of AckBatchSize is issued at startup and every flush
// replenishes one unit per settled message, so outstanding work stays
// near AckBatchSize. Failed messages are never deleted; the queue
// redelivers them after their visibility timeout.
type ProcessingService struct {
	cfg      ProcessingServiceConfig
	source   MessageSource
	handler  MessageHandler
	acker    *Acknowledger
	logger   zerolog.Logger
	workerWg sync.WaitGroup
	ackWg    sync.WaitGroup
	ackChan  chan outcome
}

// outcome is one worker's verdict on a single message.
type outcome struct {
	msg Message
	ok  bool
}

// NewProcessingService creates a new ProcessingService.
func NewProcessingService(
	cfg ProcessingServiceConfig,
	source MessageSource,
	handler MessageHandler,
	logger zerolog.Logger,
) (*ProcessingService, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.AckBatchSize <= 0 {
		cfg.AckBatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		// Held messages stay invisible to other consumers, so flush well
		// inside typical visibility timeouts.
		cfg.FlushInterval = 10 * time.Second
	}
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	return &ProcessingService{
		cfg:     cfg,
		source:  source,
		handler: handler,
		acker:   NewAcknowledger(logger),
		logger:  logger.With().Str("service", "ProcessingService").Logger(),
		ackChan: make(chan outcome, cfg.AckBatchSize*cfg.NumWorkers),
	}, nil
}

// Start begins the service operation. It starts the source, spawns the
// worker pool and the acknowledgement worker, and issues the initial
// demand grant.
func (s *ProcessingService) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting processing service...")

	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message source: %w", err)
	}
	s.logger.Info().Msg("Message source started.")

	s.ackWg.Add(1)
	go s.ackWorker(ctx)

	s.logger.Info().Int("worker_count", s.cfg.NumWorkers).Msg("Starting processing workers...")
	s.workerWg.Add(s.cfg.NumWorkers)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		go s.worker(ctx, i)
	}

	// Close the ack channel only after every producer of it has exited.
	go func() {
		s.workerWg.Wait()
		close(s.ackChan)
	}()

	s.source.Request(s.cfg.AckBatchSize)

	s.logger.Info().Msg("Processing service started successfully.")
	return nil
}

// Stop gracefully shuts down the entire service in the correct order.
func (s *ProcessingService) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping processing service...")

	// Stop the source first so no new messages arrive.
	if err := s.source.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during source stop, continuing shutdown.")
	}

	allDone := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		s.ackWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		s.logger.Info().Msg("All workers completed gracefully.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for workers to finish.")
		return ctx.Err()
	}

	s.logger.Info().Msg("Processing service stopped.")
	return nil
}

// worker is the main processing loop for each concurrent worker.
func (s *ProcessingService) worker(ctx context.Context, workerID int) {
	defer s.workerWg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("worker_id", workerID).Msg("Processing worker shutting down due to context cancellation.")
			return
		case msg, ok := <-s.source.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Source channel closed, worker exiting.")
				return
			}
			s.handleMessage(ctx, msg, workerID)
		}
	}
}

// handleMessage runs the handler and forwards the outcome to the
// acknowledgement loop.
func (s *ProcessingService) handleMessage(ctx context.Context, msg Message, workerID int) {
	err := s.handler(ctx, msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("msg_id", msg.ID()).Int("worker_id", workerID).Msg("Handler failed, leaving message for redelivery.")
	}

	select {
	case s.ackChan <- outcome{msg: msg, ok: err == nil}:
	case <-ctx.Done():
	}
}

// ackWorker collects processing outcomes, partitions them into successes
// and failures, and flushes the batch to the Acknowledger when it fills or
// the flush interval elapses.
func (s *ProcessingService) ackWorker(ctx context.Context) {
	defer s.ackWg.Done()
	s.logger.Debug().Msg("Acknowledgement worker started.")

	successes := make([]Message, 0, s.cfg.AckBatchSize)
	failures := make([]Message, 0, s.cfg.AckBatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		settled := len(successes) + len(failures)
		if settled == 0 {
			return
		}
		s.logger.Info().Int("ack_count", len(successes)).Int("failed_count", len(failures)).Msg("Settling processed messages.")
		if err := s.acker.Ack(ctx, successes, failures); err != nil {
			s.logger.Error().Err(err).Msg("Failed to acknowledge some messages; the queue will redeliver them.")
		}
		s.source.Request(settled)
		successes = make([]Message, 0, s.cfg.AckBatchSize)
		failures = make([]Message, 0, s.cfg.AckBatchSize)
		ticker.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case res, ok := <-s.ackChan:
			if !ok {
				flush() // Final flush
				return
			}
			if res.ok {
				successes = append(successes, res.msg)
			} else {
				failures = append(failures, res.msg)
			}
			if len(successes)+len(failures) >= s.cfg.AckBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
