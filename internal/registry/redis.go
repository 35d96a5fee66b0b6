package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding pending escrows.
const DefaultRedisKey = "notary:pending_escrows"

// RedisStore persists the mapping as fields of a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisStore wraps client. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	out, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	return out, nil
}

func (r *RedisStore) Put(ctx context.Context, documentHash, escrowID string) error {
	return r.client.HSet(ctx, r.key, documentHash, escrowID).Err()
}

func (r *RedisStore) Delete(ctx context.Context, documentHash string) error {
	return r.client.HDel(ctx, r.key, documentHash).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
