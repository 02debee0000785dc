package preview

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

const cacheKeyPrefix = "preview:"

// RedisCache keeps previews in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redisURL and checks the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, url string) (model.LinkPreview, bool, error) {
	b, err := c.client.Get(ctx, cacheKeyPrefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.LinkPreview{}, false, nil
	}
	if err != nil {
		return model.LinkPreview{}, false, err
	}
	var p model.LinkPreview
	if err := json.Unmarshal(b, &p); err != nil {
		return model.LinkPreview{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, url string, p model.LinkPreview, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+url, b, ttl).Err()
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
