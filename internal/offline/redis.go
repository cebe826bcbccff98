package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/observability/metrics"

	"github.com/go-redis/redis/v8"
)

type RedisQueue struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

type Option func(*RedisQueue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *RedisQueue) {
		if logger != nil {
			q.log = logger
		}
	}
}

// NewRedisQueue connects to the server described by url (redis://...).
func NewRedisQueue(url, prefix string, opts ...Option) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("offline: parse redis url: %w", err)
	}
	return NewRedisQueueWithClient(redis.NewClient(ropts), prefix, opts...), nil
}

func NewRedisQueueWithClient(client *redis.Client, prefix string, opts ...Option) *RedisQueue {
	q := &RedisQueue{client: client, prefix: prefix, log: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) key(k string) string { return q.prefix + k }

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Append(ctx context.Context, key string, ev domain.OfflineEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key(key), raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.OfflineEvents("append", 1)
	return nil
}

func (q *RedisQueue) Drain(ctx context.Context, key string) ([]domain.OfflineEvent, error) {
	var rng *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, q.key(key), 0, -1)
		p.Del(ctx, q.key(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	raws := rng.Val()
	out := make([]domain.OfflineEvent, 0, len(raws))
	for _, raw := range raws {
		var ev domain.OfflineEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			// a corrupt record cannot be replayed; skip it rather than block the queue
			q.log.Warn("skipping corrupt offline record", "identity", key, "bytes", len(raw), "error", err)
			metrics.OfflineEvents("corrupt", 1)
			continue
		}
		out = append(out, ev)
	}
	metrics.OfflineEvents("drain", len(out))
	return out, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, key string, evs []domain.OfflineEvent) error {
	if len(evs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(evs))
	// LPUSH inserts left to right, so push in reverse to keep the original order
	for i := len(evs) - 1; i >= 0; i-- {
		raw, err := json.Marshal(evs[i])
		if err != nil {
			return err
		}
		vals = append(vals, raw)
	}
	if err := q.client.LPush(ctx, q.key(key), vals...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.OfflineEvents("requeue", len(evs))
	return nil
}

func (q *RedisQueue) Exists(ctx context.Context, key string) (bool, error) {
	n, err := q.client.Exists(ctx, q.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Delete(ctx context.Context, key string) error {
	if err := q.client.Del(ctx, q.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
