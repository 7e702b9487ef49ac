package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache key patterns:
// - session:{local}:{remote}:{device} - session state, TTL CACHE_SESSION_TTL
// - senderkey:{owner}:{group}:{sender}:{device} - sender key state, same TTL

const cacheKeyPrefix = "e2ee:"

// CacheStore is the Redis side of the session and sender-key cache.
type CacheStore struct {
	client goredis.UniversalClient
}

// NewCacheStore creates a new cache store
func NewCacheStore(client goredis.UniversalClient) *CacheStore {
	return &CacheStore{client: client}
}

// Get returns (nil, false, nil) on a cache miss.
func (c *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err()
}

func (c *CacheStore) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, cacheKeyPrefix+key).Err()
}
