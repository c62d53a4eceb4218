package tracking

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the set in a Redis SET so several machines can share one record.
// SADD merges instead of overwriting, so concurrent runs do not lose each other's keys.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// OpenRedisStore connects using a redis:// URL and verifies the connection.
func OpenRedisStore(ctx context.Context, url, id string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, id, logger), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, id string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisStore{
		client: client,
		key:    "kbctl:processed:" + id,
		logger: logger,
	}
}

func (r *RedisStore) Location() string {
	return "redis:" + r.client.Options().Addr + "/" + r.key
}

func (r *RedisStore) Load(ctx context.Context) (*Set, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tracked keys: %w", err)
	}
	return NewSet(members...), nil
}

func (r *RedisStore) Save(ctx context.Context, set *Set) error {
	keys := set.Keys()
	if len(keys) == 0 {
		return nil
	}

	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	added, err := r.client.SAdd(ctx, r.key, members...).Result()
	if err != nil {
		return fmt.Errorf("save tracked keys: %w", err)
	}
	r.logger.Debug("tracked keys saved", "key", r.key, "added", added)
	return nil
}

func (r *RedisStore) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("drop tracked keys: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
