package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"omniusage/internal/ledger"
)

// LocalCache implements ledger.SummaryCache with an in-process map.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
	now     func() time.Time
}

type localEntry struct {
	summary   *ledger.Summary
	expiresAt time.Time
}

// NewLocalCache creates an in-memory summary cache with the given TTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func localKey(userID string, period ledger.Period) string {
	return userID + ":" + string(period)
}

func (c *LocalCache) Get(ctx context.Context, userID string, period ledger.Period) (*ledger.Summary, error) {
	c.mu.RLock()
	entry, ok := c.entries[localKey(userID, period)]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.summary, nil
}

func (c *LocalCache) Set(ctx context.Context, userID string, period ledger.Period, sum *ledger.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[localKey(userID, period)] = localEntry{
		summary:   sum,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Invalidate drops every period entry for the user.
func (c *LocalCache) Invalidate(ctx context.Context, userID string) error {
	prefix := userID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *LocalCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]localEntry)
	return nil
}
