package tick

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock implements Lock via a TTL'd key: SETNX claims it, and a
// matching-owner GET renews it each tick so the holder doesn't lose it to
// its own TTL mid-session. Meant for multiple host replicas sharing one
// data directory and market state, where only one should emit ticks.
type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLock builds a lock over key, identifying this replica as owner.
func NewRedisLock(client *redis.Client, key, owner string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire claims the lock if unheld, or renews it if this replica already
// holds it. Returns false without error if another replica holds it.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if current != l.owner {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}
