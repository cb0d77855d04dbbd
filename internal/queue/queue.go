// Package queue provides named Redis-backed work queues with optional
// delayed delivery. The scheduler enqueues pipeline runs, the pipeline
// enqueues notifications; consumers pull jobs with a worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Queue names used by the engine. One queue per bot category plus one for
// notification fan-out.
const (
	QueueActiveBots = "bots:active"
	QueueSignalBots = "bots:signal"
	QueueRPABots    = "bots:rpa"
	QueueNotify     = "notify"
)

// Job is one unit of work. Payload is opaque to the queue.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Enqueuer is the producer side of the queue, narrow so callers can be
// tested with a fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, delay time.Duration) error
}

// Broker implements Enqueuer on Redis: immediate jobs go to a list consumed
// with BRPOP, delayed jobs wait in a sorted set scored by ready time and
// are promoted to the list by a background goroutine.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewBroker creates a Redis-backed broker.
func NewBroker(client *redis.Client, logger zerolog.Logger) *Broker {
	return &Broker{
		client: client,
		logger: logger.With().Str("component", "Broker").Logger(),
	}
}

func jobsKey(queue string) string    { return fmt.Sprintf("engine:queue:%s:jobs", queue) }
func delayedKey(queue string) string { return fmt.Sprintf("engine:queue:%s:delayed", queue) }

// Enqueue pushes a job onto the named queue, optionally delayed.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload interface{}, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := b.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
			return fmt.Errorf("enqueue delayed job on %s: %w", queue, err)
		}
		return nil
	}

	if err := b.client.LPush(ctx, jobsKey(queue), data).Err(); err != nil {
		return fmt.Errorf("enqueue job on %s: %w", queue, err)
	}
	return nil
}

// Depth returns the number of jobs currently waiting on the named queue,
// immediate plus delayed.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := b.client.LLen(ctx, jobsKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := b.client.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

// promoteDue moves delayed jobs whose ready time has passed onto the jobs
// list. Called periodically by each consumer.
func (b *Broker) promoteDue(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipe := b.client.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, jobsKey(queue), m)
		pipe.ZRem(ctx, delayedKey(queue), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promote delayed jobs on %s: %w", queue, err)
	}
	return nil
}

// Handler processes one job. A returned error is logged; the job is not
// re-queued (the pipeline has its own rescheduling discipline).
type Handler func(ctx context.Context, job Job) error
