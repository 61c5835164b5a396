package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker on Redis SET NX with TTL. It guards a unit
// of evaluation work against concurrent duplicate deliveries; expiry keeps a
// crashed holder from wedging the key.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a locker on the given Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, "lock:"+key).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// MemoryLocker is an in-process Locker for development and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
