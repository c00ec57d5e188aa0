package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Queue on top of Redis Streams.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	// BLOCK 0 в Redis ждёт вечно; отрицательное значение go-redis не отправляет
	if block <= 0 {
		block = -1
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if isNoGroup(err) {
			return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, ErrNoGroup)
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []Entry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (r *Redis) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]Pending, error) {
	res, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, ErrNoGroup)
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	out := make([]Pending, 0, len(res))
	for _, p := range res {
		out = append(out, Pending{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}
	return toEntries(msgs), nil
}

func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		// записи, вытесненные MAXLEN, приходят из XCLAIM без полей
		if m.ID == "" {
			continue
		}
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch t := v.(type) {
			case string:
				fields[k] = t
			default:
				fields[k] = fmt.Sprint(t)
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}

// RedisMarks stores idempotency markers as plain keys with expiry.
type RedisMarks struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisMarks(rdb redis.UniversalClient, prefix string) *RedisMarks {
	return &RedisMarks{rdb: rdb, prefix: prefix}
}

func (m *RedisMarks) Seen(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("marks exists: %w", err)
	}
	return n > 0, nil
}

func (m *RedisMarks) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.rdb.Set(ctx, m.prefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("marks set: %w", err)
	}
	return nil
}
