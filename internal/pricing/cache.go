package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrPriceUnavailable means no external price could be obtained and no
// previous value exists to fall back on. Settlement cannot proceed; the
// caller must not guess a price.
var ErrPriceUnavailable = errors.New("token price unavailable")

// Feed fetches the current USD price for an asset. Expected to fail
// occasionally and to be rate-limited by the cache in front of it.
type Feed interface {
	FetchPrice(ctx context.Context, feedID string) (float64, error)
}

type cacheEntry struct {
	priceUSD  float64
	fetchedAt time.Time
}

// Cache holds the last-fetched USD price per token kind for a short
// validity window. Concurrent refreshes for the same kind coalesce into a
// single outbound fetch; when a refresh fails, a stale-but-recent value is
// served instead of an error.
type Cache struct {
	feed     Feed
	ttl      time.Duration
	maxStale time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group

	now func() time.Time
}

func NewCache(feed Feed, ttl, maxStale time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		feed:     feed,
		ttl:      ttl,
		maxStale: maxStale,
		log:      log,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Price returns the USD price for a token kind. Pegged tokens short-circuit
// to 1.0 and never hit the feed.
func (c *Cache) Price(ctx context.Context, token Token) (float64, error) {
	if token.Pegged {
		return 1.0, nil
	}

	c.mu.RLock()
	entry, ok := c.entries[token.FeedID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.priceUSD, nil
	}

	// One in-flight fetch per token kind; other callers wait for it.
	v, err, _ := c.group.Do(token.FeedID, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// while this one waited on the group.
		c.mu.RLock()
		entry, ok := c.entries[token.FeedID]
		c.mu.RUnlock()
		if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.priceUSD, nil
		}

		price, err := c.feed.FetchPrice(ctx, token.FeedID)
		if err != nil {
			// Serve the previous value if it is not unreasonably stale.
			if ok && c.now().Sub(entry.fetchedAt) < c.maxStale {
				c.log.Warn("price refresh failed, serving stale value",
					zap.String("token", token.Symbol),
					zap.Time("fetched_at", entry.fetchedAt),
					zap.Error(err),
				)
				return entry.priceUSD, nil
			}
			return 0.0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, token.Symbol, err)
		}

		c.mu.Lock()
		c.entries[token.FeedID] = cacheEntry{priceUSD: price, fetchedAt: c.now()}
		c.mu.Unlock()
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}
