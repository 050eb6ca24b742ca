package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// popScript returns expired in-flight messages to the ready set, then moves
// the earliest ready message into the in-flight set with a new deadline.
var popScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local deadline = tonumber(ARGV[2])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], now, id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], deadline, ids[1])
return ids[1]
`)

// RedisQueue stores message bodies in hashes and schedules them through two
// sorted sets: ready (scored by visible-at) and inflight (scored by
// visibility deadline). A worker that dies mid-step leaves its message in
// inflight; the next Dequeue after the deadline hands it out again.
type RedisQueue struct {
	client     redis.Cmdable
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

func NewRedisQueue(client redis.Cmdable, prefix string, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *RedisQueue) readyKey() string { return q.prefix + ":queue:ready" }

func (q *RedisQueue) inflightKey() string { return q.prefix + ":queue:inflight" }

func (q *RedisQueue) messageKey(id string) string { return q.prefix + ":queue:msg:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte, delay time.Duration) error {
	id := uuid.NewString()
	readyAt := q.now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.messageKey(id), "body", body, "deliveries", 0)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(readyAt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	now := q.now()
	deadline := now.Add(q.visibility)

	res, err := popScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		now.UnixMilli(), deadline.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: dequeue pop: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("queue/redis: dequeue pop: unexpected reply %T", res)
	}

	key := q.messageKey(id)
	pipe := q.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "deliveries", 1)
	body := pipe.HGet(ctx, key, "body")
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			// The body is gone; drop the orphaned id.
			q.client.ZRem(ctx, q.inflightKey(), id)
			q.client.Del(ctx, key)
			return nil, nil
		}
		return nil, fmt.Errorf("queue/redis: dequeue load: %w", err)
	}

	return &Message{ID: id, Body: []byte(body.Val()), Deliveries: int(incr.Val())}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), msg.ID)
	pipe.Del(ctx, q.messageKey(msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	readyAt := q.now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), msg.ID)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(readyAt), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: nack: %w", err)
	}
	return nil
}

// Depth reports how many messages are waiting and in flight.
func (q *RedisQueue) Depth(ctx context.Context) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.ZCard(ctx, q.readyKey())
	i := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue/redis: depth: %w", err)
	}
	return r.Val(), i.Val(), nil
}
