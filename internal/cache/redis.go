// Package cache keeps a read-through copy of each document's current version
// in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"workshelf/api/internal/store"
)

const defaultTTL = 10 * time.Minute

// putIfNewer writes only when the incoming version number is greater than the
// cached one, so a slow writer can never overwrite a newer pointer.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'n')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'n', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, prefix: "workshelf:current:", ttl: ttl}
}

func (c *RedisCache) key(documentID string) string {
	return c.prefix + documentID
}

// GetCurrent returns the cached current version. ok is false on a miss.
func (c *RedisCache) GetCurrent(ctx context.Context, documentID string) (store.Version, bool, error) {
	data, err := c.client.HGet(ctx, c.key(documentID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Version{}, false, nil
	}
	if err != nil {
		return store.Version{}, false, fmt.Errorf("get cached version: %w", err)
	}

	var v store.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return store.Version{}, false, fmt.Errorf("decode cached version: %w", err)
	}
	return v, true, nil
}

// PutCurrent stores v unless the cache already holds the same or a newer
// version of the document. It reports whether the entry was written.
func (c *RedisCache) PutCurrent(ctx context.Context, v store.Version) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode version: %w", err)
	}

	written, err := putIfNewer.Run(ctx, c.client,
		[]string{c.key(v.DocumentID)},
		strconv.Itoa(v.VersionNumber), data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put cached version: %w", err)
	}
	return written == 1, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached version: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
