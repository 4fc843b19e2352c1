// Package cache provides summary cache backends for the ledger service.
// The local cache suits single-instance deployments; Redis is for
// multi-instance deployments behind a load balancer.
package cache

import (
	"fmt"
	"time"

	"omniusage/internal/ledger"
)

// Config holds summary cache configuration.
type Config struct {
	// Type selects the backend: "local" (default), "redis", or "none".
	Type string `yaml:"type"`

	// TTL bounds how long a cached summary may be served. Every write
	// invalidates the user's entries anyway, so this is a backstop
	// against entries orphaned by a crashed instance.
	TTL time.Duration `yaml:"ttl"`

	// RedisURL is the Redis connection URL (e.g. redis://localhost:6379/0).
	RedisURL string `yaml:"redis_url"`
}

// DefaultTTL is the fallback lifetime for cached summaries.
const DefaultTTL = time.Minute

// New builds the configured summary cache. The "none" type returns
// nil, which disables caching in the ledger service.
func New(cfg Config) (ledger.SummaryCache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch cfg.Type {
	case "local", "":
		return NewLocalCache(ttl), nil
	case "redis":
		return NewRedisCache(RedisConfig{URL: cfg.RedisURL, TTL: ttl})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (valid: local, redis, none)", cfg.Type)
	}
}
