package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds the caller's value.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisMutex keeps feed locks in Redis using SET NX with expiry.
type RedisMutex struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisMutex(client redis.Cmdable, prefix string, ttl time.Duration) *RedisMutex {
	return &RedisMutex{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMutex) key(feedID uuid.UUID) string {
	if m.prefix == "" {
		return Key(feedID)
	}
	return m.prefix + ":" + Key(feedID)
}

func (m *RedisMutex) TryAcquire(ctx context.Context, feedID, jobID uuid.UUID) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(feedID), encode(feedID, jobID), m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock/redis: acquire: %w", err)
	}
	return ok, nil
}

func (m *RedisMutex) Release(ctx context.Context, feedID, jobID uuid.UUID) (bool, error) {
	n, err := releaseScript.Run(ctx, m.client, []string{m.key(feedID)}, encode(feedID, jobID)).Int64()
	if err != nil {
		return false, fmt.Errorf("lock/redis: release: %w", err)
	}
	return n > 0, nil
}

func (m *RedisMutex) Holder(ctx context.Context, feedID uuid.UUID) (uuid.UUID, bool, error) {
	raw, err := m.client.Get(ctx, m.key(feedID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lock/redis: holder: %w", err)
	}
	jobID, err := decode(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lock/redis: holder: decode %q: %w", raw, err)
	}
	return jobID, true, nil
}
