package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "admit:"

// RedisIndex is a FastIndex shared by every process pointing at the same
// Redis. Entries expire through Redis TTLs, so Purge has nothing to do.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIndex parses url, connects, and verifies the connection with PING.
func NewRedisIndex(ctx context.Context, url string, ttl time.Duration) (*RedisIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisIndex{client: client, ttl: ttl}, nil
}

// NewRedisIndexFromClient wraps an existing client.
func NewRedisIndexFromClient(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func (r *RedisIndex) key(userID, eventID string) string {
	// The length prefix keeps "a:b"+"c" and "a"+"b:c" apart.
	return redisKeyPrefix + strconv.Itoa(len(userID)) + ":" + userID + ":" + eventID
}

// Contains implements FastIndex.
func (r *RedisIndex) Contains(ctx context.Context, userID, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(userID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Mark implements FastIndex.
func (r *RedisIndex) Mark(ctx context.Context, userID, eventID string) error {
	if err := r.client.Set(ctx, r.key(userID, eventID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge implements FastIndex.
func (r *RedisIndex) Purge(context.Context) (int, error) { return 0, nil }

// Len implements FastIndex. Counting keys would need a SCAN, so it is unknown.
func (r *RedisIndex) Len(context.Context) int { return -1 }

// Close releases the underlying connection pool.
func (r *RedisIndex) Close() error { return r.client.Close() }
