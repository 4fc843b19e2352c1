package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"omniusage/internal/ledger"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g. "redis://localhost:6379" or
	// "redis://:password@host:6379/0").
	URL string

	// TTL is the time-to-live for cached summaries.
	TTL time.Duration
}

// RedisCache implements ledger.SummaryCache using Redis, so multiple
// instances share one summary cache and one invalidation.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed summary cache.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	slog.Info("redis summary cache connected", "ttl", ttl)

	return &RedisCache{client: client, ttl: ttl}, nil
}

func redisKey(userID string, period ledger.Period) string {
	return fmt.Sprintf("omniusage:summary:%s:%s", userID, period)
}

func (c *RedisCache) Get(ctx context.Context, userID string, period ledger.Period) (*ledger.Summary, error) {
	data, err := c.client.Get(ctx, redisKey(userID, period)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get summary from redis: %w", err)
	}

	var sum ledger.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("failed to parse summary from redis: %w", err)
	}
	return &sum, nil
}

func (c *RedisCache) Set(ctx context.Context, userID string, period ledger.Period, sum *ledger.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	if err := c.client.Set(ctx, redisKey(userID, period), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set summary in redis: %w", err)
	}
	return nil
}

// Invalidate deletes the user's entry for every period in one round trip.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	keys := make([]string, 0, len(ledger.Periods))
	for _, period := range ledger.Periods {
		keys = append(keys, redisKey(userID, period))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate summaries in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
