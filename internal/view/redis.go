package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdatesChannel is the pub/sub channel the renderer listens on.
const UpdatesChannel = "avito:view:updates"

// SET KEEPTTL when the key is alive, SET PX otherwise, in one round trip.
var saveKeepTTL = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("SET", KEYS[1], ARGV[1], "KEEPTTL")
end
return redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
`)

type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (ChatView, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, v ChatView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	if err := saveKeepTTL.Run(ctx, s.rdb, []string{key}, b, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// RedisNotifier publishes {view_key, model} so every subscriber re-renders.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: UpdatesChannel}
}

type Update struct {
	Key   string   `json:"view_key"`
	Model ChatView `json:"model"`
}

func (n *RedisNotifier) Notify(ctx context.Context, key string, v ChatView) error {
	b, err := json.Marshal(Update{Key: key, Model: v})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}
