package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Consumer pulls jobs from one named queue with a fixed-size worker pool.
type Consumer struct {
	broker     *Broker
	queue      string
	workers    int
	handler    Handler
	jobTimeout time.Duration
	logger     zerolog.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewConsumer creates a consumer for the named queue.
func NewConsumer(broker *Broker, queue string, workers int, handler Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		broker:   broker,
		queue:    queue,
		workers:  workers,
		handler:  handler,
		logger:   logger.With().Str("component", "Consumer").Str("queue", queue).Logger(),
		stopChan: make(chan struct{}),
	}
}

// WithJobTimeout sets a hard per-job deadline. Zero means no limit.
func (c *Consumer) WithJobTimeout(d time.Duration) *Consumer {
	c.jobTimeout = d
	return c
}

// Start launches the worker pool and the delayed-job promoter.
func (c *Consumer) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.promoter()
	c.logger.Info().Int("workers", c.workers).Msg("Queue consumer started")
}

// Stop signals the workers to drain and waits for in-flight jobs.
func (c *Consumer) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info().Msg("Queue consumer stopped")
}

func (c *Consumer) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		// Short BRPOP timeout keeps shutdown responsive.
		res, err := c.broker.client.BRPop(context.Background(), time.Second, jobsKey(c.queue)).Result()
		if err != nil {
			if err != redis.Nil {
				c.logger.Warn().Err(err).Msg("Queue pop failed")
				time.Sleep(time.Second)
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			c.logger.Error().Err(err).Msg("Dropping malformed job")
			continue
		}

		c.handle(job)
	}
}

// handle runs one job with panic isolation. Failed jobs are not re-queued;
// the execution pipeline reschedules its own next run.
func (c *Consumer) handle(job Job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("job_id", job.ID).Msg("Job handler panicked")
		}
	}()

	ctx := context.Background()
	if c.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()
	}

	if err := c.handler(ctx, job); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job handler returned error")
	}
}

func (c *Consumer) promoter() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.broker.promoteDue(ctx, c.queue); err != nil {
				c.logger.Warn().Err(err).Msg("Delayed-job promotion failed")
			}
			cancel()
		case <-c.stopChan:
			return
		}
	}
}
