package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"circulation-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks the connection
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

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func borrowKey(key string) string {
	return fmt.Sprintf("idempotency:borrow:%s", key)
}

func availabilityKey(bookID int64) string {
	return fmt.Sprintf("availability:%d", bookID)
}

// LookupBorrow returns the loan created by an earlier borrow with the same key
func (c *Client) LookupBorrow(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, borrowKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	loanID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency value for %s: %w", key, err)
	}
	return loanID, true, nil
}

// RememberBorrow stores the loan created for an idempotency key
func (c *Client) RememberBorrow(ctx context.Context, key string, loanID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, borrowKey(key), loanID, ttl).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

// GetAvailability returns the cached availability of a book, or nil on a miss
func (c *Client) GetAvailability(ctx context.Context, bookID int64) (*models.Availability, error) {
	raw, err := c.rdb.Get(ctx, availabilityKey(bookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var avail models.Availability
	if err := json.Unmarshal(raw, &avail); err != nil {
		// treat an unreadable entry as a miss, the next write replaces it
		return nil, nil
	}
	return &avail, nil
}

// SetAvailability caches the availability of a book
func (c *Client) SetAvailability(ctx context.Context, avail *models.Availability, ttl time.Duration) error {
	raw, err := json.Marshal(avail)
	if err != nil {
		return fmt.Errorf("failed to marshal availability: %w", err)
	}
	return c.rdb.Set(ctx, availabilityKey(avail.BookID), raw, ttl).Err()
}

// InvalidateAvailability drops the cached availability of a book
func (c *Client) InvalidateAvailability(ctx context.Context, bookID int64) error {
	return c.rdb.Del(ctx, availabilityKey(bookID)).Err()
}
