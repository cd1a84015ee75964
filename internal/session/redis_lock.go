package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

const (
	releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`
	refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`
)

// RedisLocker shares project locks between processes using SET NX PX.
type RedisLocker struct {
	client backend.UniversalClient
	prefix string
}

// NewRedisLocker returns a locker storing keys as <prefix>lock:<key>.
func NewRedisLocker(client backend.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

type redisLease struct {
	client backend.UniversalClient
	key    string
	token  string
}

// TryLock makes a single attempt. A held key yields ErrLocked.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error acquiring lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{client: l.client, key: lockKey, token: token}, nil
}

func (r *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	n, err := r.client.Eval(ctx, refreshScript, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis error refreshing lock: %w", err)
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := r.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("redis error releasing lock: %w", err)
	}
	return nil
}
