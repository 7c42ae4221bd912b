package policystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/store"
)

// Cached layers a read cache over a Store. Stored versions are immutable, so
// Get results are cacheable indefinitely; only the active-version pointer is
// always read through. The TTL merely bounds cache residency.
type Cached struct {
	Store *Store
	Cache store.Cache
	TTL   time.Duration
}

func NewCached(s *Store, c store.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{Store: s, Cache: c, TTL: ttl}
}

func cacheKey(version int64) string {
	return fmt.Sprintf("policy:v%d", version)
}

// Get serves an immutable version from cache when possible.
func (c *Cached) Get(ctx context.Context, version int64) (models.Policy, error) {
	if c.Cache != nil {
		if raw, err := c.Cache.Get(ctx, cacheKey(version)); err == nil && raw != "" {
			var p models.Policy
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return p, nil
			}
			// A corrupt entry is dropped and refetched.
			_ = c.Cache.Del(ctx, cacheKey(version))
		}
	}
	p, err := c.Store.Get(ctx, version)
	if err != nil {
		return models.Policy{}, err
	}
	if c.Cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			_ = c.Cache.Set(ctx, cacheKey(version), string(raw), c.TTL)
		}
	}
	return p, nil
}

// GetActive reads the live pointer from the store and the version body
// through the cache, so activations take effect immediately.
func (c *Cached) GetActive(ctx context.Context) (models.Policy, error) {
	version, err := c.Store.ActiveVersion(ctx)
	if err != nil {
		return models.Policy{}, err
	}
	return c.Get(ctx, version)
}
