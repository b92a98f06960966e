package fetcher

import (
	"context"
	"sync"
	"time"

	"gold-rate-alerts/internal/model"
)

type cacheEntry struct {
	quote     model.Quote
	fetchedAt time.Time
}

// CacheOptions set the TTL per instrument class. FX sources are scraped
// less reliably and rate-limited harder, so pairs cache much longer than
// commodities.
type CacheOptions struct {
	MetalTTL time.Duration
	FXTTL    time.Duration
}

// Cache memoizes fetch results per instrument key for a class-specific TTL.
// Its purpose is rate limiting: a fallback-sourced quote is cached like any
// other, so an upstream outage does not trigger immediate retries within
// the TTL window.
type Cache struct {
	fetch QuoteFetcher
	opts  CacheOptions

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache wraps a fetcher with per-class TTL memoization.
func NewCache(fetch QuoteFetcher, opts CacheOptions) *Cache {
	if opts.MetalTTL <= 0 {
		opts.MetalTTL = 5 * time.Minute
	}
	if opts.FXTTL <= 0 {
		opts.FXTTL = time.Hour
	}
	return &Cache{
		fetch:   fetch,
		opts:    opts,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *Cache) ttl(kind model.InstrumentKind) time.Duration {
	if kind == model.KindFX {
		return c.opts.FXTTL
	}
	return c.opts.MetalTTL
}

// GetOrFetch returns the cached quote while it is fresh, otherwise fetches
// and overwrites the entry unconditionally (last writer wins; there is no
// stale-while-revalidate).
func (c *Cache) GetOrFetch(ctx context.Context, inst model.Instrument) model.Quote {
	key := inst.Key()
	ttl := c.ttl(inst.Kind)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.fetchedAt) < ttl {
		c.mu.Unlock()
		return entry.quote
	}
	c.mu.Unlock()

	// Fetch outside the lock: a slow upstream must not block cached reads
	// of other instruments.
	quote := c.fetch.FetchQuote(ctx, inst)

	c.mu.Lock()
	c.entries[key] = cacheEntry{quote: quote, fetchedAt: c.now()}
	c.mu.Unlock()

	return quote
}

// FetchQuote satisfies QuoteFetcher by reading through the cache.
func (c *Cache) FetchQuote(ctx context.Context, inst model.Instrument) model.Quote {
	return c.GetOrFetch(ctx, inst)
}

// Clear drops cached entries for one instrument class, or all entries when
// kind is empty. The next read refetches. Exposed for operational recovery
// after a bad upstream window.
func (c *Cache) Clear(kind model.InstrumentKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	for key, entry := range c.entries {
		if entry.quote.Instrument.Kind == kind {
			delete(c.entries, key)
		}
	}
}

var _ QuoteFetcher = (*Cache)(nil)
