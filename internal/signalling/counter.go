package signalling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// UserCounter tracks the cluster-wide number of connected sockets.
type UserCounter interface {
	Add(ctx context.Context) (int, error)
	Remove(ctx context.Context) (int, error)
}

const connectedUsersKey = "num_users"

// RedisUserCounter counts across all signalling instances.
type RedisUserCounter struct {
	client *redis.Client
}

// NewRedisUserCounter connects to Redis and returns the counter.
func NewRedisUserCounter(url string) (*RedisUserCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisUserCounter{client: client}, nil
}

func (c *RedisUserCounter) Add(ctx context.Context) (int, error) {
	n, err := c.client.Incr(ctx, connectedUsersKey).Result()
	return int(n), err
}

func (c *RedisUserCounter) Remove(ctx context.Context) (int, error) {
	n, err := c.client.Decr(ctx, connectedUsersKey).Result()
	return int(n), err
}

// Close closes the underlying Redis client.
func (c *RedisUserCounter) Close() error {
	return c.client.Close()
}

// MemoryUserCounter serves single-instance deployments and tests.
type MemoryUserCounter struct {
	n atomic.Int64
}

// NewMemoryUserCounter creates an in-process counter.
func NewMemoryUserCounter() *MemoryUserCounter {
	return &MemoryUserCounter{}
}

func (c *MemoryUserCounter) Add(_ context.Context) (int, error) {
	return int(c.n.Add(1)), nil
}

func (c *MemoryUserCounter) Remove(_ context.Context) (int, error) {
	return int(c.n.Add(-1)), nil
}
