// Package locks provides a TTL-based advisory lock keyed by subscription id.
// It prevents two workers from executing the same subscription concurrently;
// a crashed worker's lock self-expires instead of deadlocking the
// subscription.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker is the mutual-exclusion primitive used by the execution pipeline.
// Acquire never blocks: a held key is a normal "skip" outcome for the
// caller, not an error.
type Locker interface {
	// Acquire sets a lock token for key only if absent. Returns false when
	// the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release deletes the token. Releasing an expired, foreign, or already
	// released key is a no-op.
	Release(ctx context.Context, key string) error
}

const lockKeyPrefix = "engine:lock"

// RedisLocker implements Locker on Redis SET NX with a per-holder token so
// a stale holder cannot release a lock re-acquired by someone else.
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string // key -> token held by this process
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger.With().Str("component", "RedisLocker").Logger(),
		tokens: make(map[string]string),
	}
}

func lockKey(key string) string {
	return fmt.Sprintf("%s:%s", lockKeyPrefix, key)
}

// Acquire sets the lock token if the key is free.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()

	l.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
	return true, nil
}

// Release deletes the key only when it still carries our token. A key that
// expired and was re-acquired by another worker is left alone.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, held := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()

	if !held {
		return nil
	}

	// Compare-and-delete in a single server-side script so an expiry
	// between GET and DEL cannot release someone else's lock.
	const releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	released, err := l.client.Eval(ctx, releaseScript, []string{lockKey(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if released == 0 {
		l.logger.Debug().Str("key", key).Msg("Lock already expired or taken over, release skipped")
	}
	return nil
}

// MemoryLocker is an in-process Locker used in tests and single-node
// deployments without Redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	expiresAt time.Time
}

// NewMemoryLocker creates an in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryLock),
		clock: time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if existing, ok := l.held[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	l.held[key] = memoryLock{expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
