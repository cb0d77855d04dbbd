// Package scheduler finds due subscriptions on a fixed cadence and hands
// them to the worker queues. It never executes anything itself and never
// touches next_run_at; the pipeline owns the schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/metrics"
	"bot-rental-engine/internal/pipeline"
	"bot-rental-engine/internal/queue"
)

// Lister enumerates subscriptions due to run.
type Lister interface {
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*database.DueSubscription, error)
}

// DepthReader reports the current length of a work queue. The broker
// implements it; fakes in tests may not.
type DepthReader interface {
	Depth(ctx context.Context, queue string) (int64, error)
}

// Stats is a snapshot of the loop's counters for the ops API.
type Stats struct {
	Running         bool      `json:"running"`
	LastScanAt      time.Time `json:"last_scan_at"`
	LastScanCount   int       `json:"last_scan_count"`
	ScansTotal      int64     `json:"scans_total"`
	DispatchedTotal int64     `json:"dispatched_total"`
	DispatchErrors  int64     `json:"dispatch_errors"`
}

// Scheduler is the periodic dispatch loop.
type Scheduler struct {
	cfg      config.SchedulerConfig
	lister   Lister
	enqueuer queue.Enqueuer
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats Stats

	stopChan chan struct{}
	done     chan struct{}
}

// New creates a scheduler.
func New(cfg config.SchedulerConfig, lister Lister, enqueuer queue.Enqueuer, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		lister:   lister,
		enqueuer: enqueuer,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called or ctx ends. The first
// scan happens immediately rather than one interval in.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stats.Running = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		defer func() {
			s.mu.Lock()
			s.stats.Running = false
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()

		s.scan(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for the in-flight scan to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.done
}

// Stats returns a copy of the loop's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// scan enumerates due subscriptions and enqueues one run each, routed by
// bot category. Dispatch is fire-and-forget; the pipeline re-validates.
func (s *Scheduler) scan(ctx context.Context) {
	now := s.now()
	due, err := s.lister.ListDueSubscriptions(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("list due subscriptions")
		return
	}

	dispatched := 0
	var errors int64
	for _, d := range due {
		req := pipeline.RunRequest{SubscriptionID: d.SubscriptionID}
		if err := s.enqueuer.Enqueue(ctx, queueFor(d.BotCategory), req, 0); err != nil {
			errors++
			s.logger.Error().Err(err).
				Str("subscription_id", d.SubscriptionID).
				Msg("enqueue run")
			continue
		}
		dispatched++
	}

	s.mu.Lock()
	s.stats.LastScanAt = now
	s.stats.LastScanCount = len(due)
	s.stats.ScansTotal++
	s.stats.DispatchedTotal += int64(dispatched)
	s.stats.DispatchErrors += errors
	s.mu.Unlock()

	s.observeQueueDepths(ctx)

	if len(due) > 0 {
		s.logger.Info().
			Int("due", len(due)).
			Int("dispatched", dispatched).
			Msg("scan complete")
	}
}

// observeQueueDepths refreshes the per-queue depth gauges once per scan,
// when the enqueuer can report depths at all.
func (s *Scheduler) observeQueueDepths(ctx context.Context) {
	reader, ok := s.enqueuer.(DepthReader)
	if !ok {
		return
	}
	for _, q := range []string{queue.QueueActiveBots, queue.QueueSignalBots, queue.QueueRPABots, queue.QueueNotify} {
		depth, err := reader.Depth(ctx, q)
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", q).Msg("read queue depth")
			continue
		}
		metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
	}
}

func queueFor(category string) string {
	switch category {
	case database.BotCategorySignal:
		return queue.QueueSignalBots
	case database.BotCategoryRPA:
		return queue.QueueRPABots
	default:
		return queue.QueueActiveBots
	}
}
