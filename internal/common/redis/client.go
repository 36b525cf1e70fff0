package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/procopio420/basecommerce/internal/common/config"
	"github.com/procopio420/basecommerce/internal/common/logger"
)

type Client struct {
	*redis.Client
	logger *logger.Logger
}

func Connect(cfg config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Connected to Redis")

	return &Client{Client: rdb, logger: log}, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	
	ok, err := c.SetNX(ctx, lockKey, "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if ok {
		c.logger.Debugf("Lock acquired: %s", lockKey)
	}

	return ok, nil
}

func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	lockKey := fmt.Sprintf("lock:%s", key)
	
	err := c.Del(ctx, lockKey).Err()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	c.logger.Debugf("Lock released: %s", lockKey)
	return nil
}

func (c *Client) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	idempotencyKey := fmt.Sprintf("idempotency:%s", key)
	
	exists, err := c.Exists(ctx, idempotencyKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}

	return exists > 0, nil
}

func (c *Client) SetIdempotency(ctx context.Context, key string, ttl time.Duration) error {
	idempotencyKey := fmt.Sprintf("idempotency:%s", key)
	
	err := c.Set(ctx, idempotencyKey, "used", ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set idempotency: %w", err)
	}

	c.logger.Debugf("Idempotency key set: %s", idempotencyKey)
	return nil
}

// IncrementDeliveryAttempts atomically bumps a Redis counter (INCR) for
// key (typically an event ID) and returns the new count, refreshing its
// TTL on every call. It is a best-effort, observational mirror of the
// consumer's own in-process attempt count — never the authority that
// decides retry-vs-dead-letter, since a counter shared over the network
// can lag or diverge from what any one consumer instance has seen.
func (c *Client) IncrementDeliveryAttempts(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	counterKey := fmt.Sprintf("delivery-attempts:%s", key)

	count, err := c.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment delivery attempt counter: %w", err)
	}

	c.Expire(ctx, counterKey, ttl)

	return count, nil
}

// GetDeliveryAttempts returns the current attempt count for key, or 0 if
// it has never been incremented (or has expired).
func (c *Client) GetDeliveryAttempts(ctx context.Context, key string) (int64, error) {
	counterKey := fmt.Sprintf("delivery-attempts:%s", key)

	val, err := c.Get(ctx, counterKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get delivery attempt counter: %w", err)
	}

	return val, nil
}