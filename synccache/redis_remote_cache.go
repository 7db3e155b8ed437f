package synccache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRemoteCache layers a Redis look-aside cache over another RemoteStore.
// It models the transport-level cache a synced container keeps between the
// process and the backing store: reads are served from Redis when the key is
// present, and Invalidate drops the Redis copy so the next read goes all the
// way to the inner store. It also implements Pinger, giving the facade a
// cheap liveness probe.
type RedisRemoteCache struct {
	inner  RemoteStore
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRemoteCache creates a Redis cache layer over inner.
func NewRedisRemoteCache(ctx context.Context, inner RemoteStore, address string, ttlSeconds int) (*RedisRemoteCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    "", // no password
		DB:          0,  // use default DB
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisRemoteCache{
		inner:  inner,
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client. The inner store is not closed.
func (c *RedisRemoteCache) Close() error {
	return c.client.Close()
}

// Exists checks Redis first and falls through to the inner store.
func (c *RedisRemoteCache) Exists(ctx context.Context, key Key) (bool, error) {
	n, err := c.client.Exists(ctx, c.cacheKey(key)).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	if err != nil {
		log.Printf("Warning: Redis exists check for key %q failed: %v", key, err)
	}
	return c.inner.Exists(ctx, key)
}

// Read serves the Redis copy when present, otherwise reads the inner store
// and populates Redis.
func (c *RedisRemoteCache) Read(ctx context.Context, key Key) ([]byte, error) {
	data, err := c.client.Get(ctx, c.cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	if err != redis.Nil {
		log.Printf("Warning: Redis get for key %q failed: %v", key, err)
	}

	payload, err := c.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, c.cacheKey(key), payload, c.ttl).Err(); err != nil {
		log.Printf("Warning: Redis set for key %q failed: %v", key, err)
	}
	return payload, nil
}

// Write writes through to the inner store, then refreshes the Redis copy.
func (c *RedisRemoteCache) Write(ctx context.Context, key Key, payload []byte) error {
	if err := c.inner.Write(ctx, key, payload); err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.cacheKey(key), payload, c.ttl).Err(); err != nil {
		log.Printf("Warning: Redis set for key %q failed: %v", key, err)
	}
	return nil
}

// Delete removes the blob from the inner store and drops the Redis copy.
func (c *RedisRemoteCache) Delete(ctx context.Context, key Key) error {
	if err := c.inner.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.cacheKey(key)).Err(); err != nil {
		log.Printf("Warning: Redis del for key %q failed: %v", key, err)
	}
	return nil
}

// Invalidate drops the Redis copy of key and forwards the hint to the inner
// store when it supports one.
func (c *RedisRemoteCache) Invalidate(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, c.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate Redis copy: %v", err)
	}
	if inv, ok := c.inner.(Invalidator); ok {
		return inv.Invalidate(ctx, key)
	}
	return nil
}

// Ping reports Redis liveness.
func (c *RedisRemoteCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRemoteCache) cacheKey(key Key) string {
	return fmt.Sprintf("blob:%s", key)
}
