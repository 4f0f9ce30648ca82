package cache

import (
	"context"
	"time"

	"coinsim/internal/domain"

	"github.com/shopspring/decimal"
)

// DefaultTTL is the uniform freshness window for market prices
const DefaultTTL = 5 * time.Minute

// PriceCache wraps a PriceFetcher with a Memo.
// It satisfies domain.PriceFetcher itself, so callers can use it as a drop-in.
type PriceCache struct {
	memo     *Memo[decimal.Decimal]
	upstream domain.PriceFetcher
	ttl      time.Duration
}

// NewPriceCache creates a cache in front of upstream. ttl <= 0 selects DefaultTTL.
func NewPriceCache(upstream domain.PriceFetcher, ttl time.Duration, obs Observer) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PriceCache{
		memo:     NewMemo[decimal.Decimal](obs),
		upstream: upstream,
		ttl:      ttl,
	}
}

// Get returns the real price of id, at most ttl old (or stale on upstream failure).
func (c *PriceCache) Get(ctx context.Context, id string, ttl time.Duration) (decimal.Decimal, error) {
	return c.memo.Get(ctx, id, ttl, func(ctx context.Context) (decimal.Decimal, error) {
		return c.upstream.FetchRealPrice(ctx, id)
	})
}

// FetchRealPrice implements domain.PriceFetcher with the configured TTL
func (c *PriceCache) FetchRealPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	return c.Get(ctx, id, c.ttl)
}

// Prime stores a price observed elsewhere (e.g., by the poller) as fresh
func (c *PriceCache) Prime(id string, price decimal.Decimal) {
	c.memo.mu.Lock()
	c.memo.entries[id] = entry[decimal.Decimal]{value: price, fetchedAt: c.memo.now()}
	c.memo.mu.Unlock()
}

// TTL returns the configured freshness window
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}
