package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/consume_otp.lua
var consumeOTPScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	consumeScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		consumeScript: redis.NewScript(consumeOTPScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func otpKey(email string) string         { return fmt.Sprintf("otp:%s", email) }
func otpAttemptsKey(email string) string { return fmt.Sprintf("otp:%s:attempts", email) }
func orderKey(orderID int64) string      { return fmt.Sprintf("order:%d", orderID) }
func lockKey(name string) string         { return fmt.Sprintf("lock:%s", name) }

// StoreOTP saves a code for email, replacing any previous code and its attempt count
func (c *Client) StoreOTP(ctx context.Context, email, code string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, otpKey(email), code, ttl)
	pipe.Del(ctx, otpAttemptsKey(email))

	_, err := pipe.Exec(ctx)
	return err
}

// ConsumeOTP atomically compares and deletes the code using Lua script.
// Wrong codes count towards maxAttempts, after which the code is dropped.
func (c *Client) ConsumeOTP(ctx context.Context, email, code string, maxAttempts int) (bool, error) {
	keys := []string{otpKey(email), otpAttemptsKey(email)}

	result, err := c.consumeScript.Run(ctx, c.rdb, keys, code, maxAttempts).Result()
	if err != nil {
		return false, fmt.Errorf("consume otp script failed: %w", err)
	}

	matched, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return matched == 1, nil
}

// GetCachedOrder returns the cached order view, or models.ErrNotFound on a miss
func (c *Client) GetCachedOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	raw, err := c.rdb.Get(ctx, orderKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var order models.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("failed to decode cached order %d: %w", orderID, err)
	}
	return &order, nil
}

// CacheOrder stores the full order view with TTL
func (c *Client) CacheOrder(ctx context.Context, order *models.Order, ttl time.Duration) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode order %d: %w", order.ID, err)
	}
	return c.rdb.Set(ctx, orderKey(order.ID), raw, ttl).Err()
}

// InvalidateOrder drops the cached view of an order
func (c *Client) InvalidateOrder(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, orderKey(orderID)).Err()
}

// AcquireLock acquires a distributed lock. The returned token must be passed to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a distributed lock if it is still held by token
func (c *Client) ReleaseLock(ctx context.Context, name, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
