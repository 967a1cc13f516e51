package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Spans go to the global tracer provider
	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument Redis client: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func recordKey(id string) string {
	return "file:" + id
}

// GetRecord gets a file record from the cache
func (c *RedisCache) GetRecord(ctx context.Context, id string) (*FileRecord, error) {
	data, err := c.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record FileRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode cached record %s: %w", id, err)
	}

	return &record, nil
}

// SetRecord sets a file record in the cache
func (c *RedisCache) SetRecord(ctx context.Context, record *FileRecord) error {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, recordKey(record.ID), data, c.ttl).Err()
}

// DeleteRecord deletes a file record from the cache
func (c *RedisCache) DeleteRecord(ctx context.Context, id string) error {
	return c.client.Del(ctx, recordKey(id)).Err()
}
