package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bandachao-commerce/internal/models"

	"github.com/go-redis/redis/v8"
)

// Client wraps Redis as the fast-path atomic counter store. It implements
// counter.FastStore.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Reserve atomically decrements the counter by amount. DECRBY is issued
// first; a negative result is restored with a compensating INCRBY before
// reporting insufficiency. The intermediate negative value is never observed
// by other callers of Reserve because they apply the same protocol.
func (c *Client) Reserve(ctx context.Context, key string, amount int64) (int64, error) {
	remaining, err := c.rdb.DecrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("decrby failed: %w", err)
	}

	if remaining == -amount {
		// DECRBY fabricates missing keys at -amount. If the key expired
		// between the caller's cache check and this call, compensating would
		// pin a zero-value key with no TTL, blocking reservations until the
		// next sync. Delete it and report the key absent; a key that really
		// held zero reloads to zero and fails in the durable store instead.
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("del of fabricated counter failed: %w", err)
		}
		return 0, models.ErrStockNotFound
	}

	if remaining < 0 {
		if err := c.rdb.IncrBy(ctx, key, amount).Err(); err != nil {
			// The counter is left decremented; the next sync repairs it.
			return 0, fmt.Errorf("compensating incrby failed: %w", err)
		}
		return remaining + amount, models.ErrInsufficientStock
	}

	return remaining, nil
}

// Release atomically increments the counter by amount.
func (c *Client) Release(ctx context.Context, key string, amount int64) (int64, error) {
	value, err := c.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby failed: %w", err)
	}
	return value, nil
}

// Init overwrites the counter value with a TTL. Used by sync; the TTL keeps
// stale entries from surviving a long drift between store and cache.
func (c *Client) Init(ctx context.Context, key string, quantity int64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, quantity, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// InitIfAbsent writes the counter only when the key is missing (SETNX with a
// TTL). Lazy cache loads must never overwrite a counter that concurrent
// reservations have already decremented.
func (c *Client) InitIfAbsent(ctx context.Context, key string, quantity int64, ttl time.Duration) (bool, error) {
	created, err := c.rdb.SetNX(ctx, key, quantity, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return created, nil
}

// Get reads the counter value.
func (c *Client) Get(ctx context.Context, key string) (int64, error) {
	value, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, models.ErrStockNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return value, nil
}
