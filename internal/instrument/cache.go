package instrument

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Default cache lifetimes.
const (
	DefaultCacheTTL    = 15 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	TTL         time.Duration // Lifetime of a found row
	NegativeTTL time.Duration // Lifetime of a not-found answer
	Metrics     *metrics.Metrics
}

type cacheKey struct {
	broker, exchange, symbol string
}

func (k cacheKey) String() string {
	return k.broker + "|" + k.exchange + ":" + k.symbol
}

type cacheEntry struct {
	inst    model.Instrument
	found   bool
	expires time.Time
}

// Cache memoizes a Source. Concurrent misses for the same key share one
// lookup. Transport errors are not cached.
type Cache struct {
	src     Source
	cfg     CacheConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry

	group singleflight.Group
}

// NewCache wraps src.
func NewCache(src Source, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		src:     src,
		cfg:     cfg,
		metrics: cfg.Metrics,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Lookup implements Source.
func (c *Cache) Lookup(ctx context.Context, brokerName, exchange, symbol string) (model.Instrument, error) {
	exchange, symbol = normalize(exchange, symbol)
	key := cacheKey{broker: brokerName, exchange: exchange, symbol: symbol}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		if !e.found {
			c.metrics.InstrumentLookup("not_found")
			return model.Instrument{}, ErrNotFound
		}
		c.metrics.InstrumentLookup("hit")
		return e.inst, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		inst, err := c.src.Lookup(ctx, brokerName, exchange, symbol)
		switch {
		case err == nil:
			c.store(key, cacheEntry{inst: inst, found: true, expires: c.now().Add(c.cfg.TTL)})
		case errors.Is(err, ErrNotFound):
			c.store(key, cacheEntry{expires: c.now().Add(c.cfg.NegativeTTL)})
		}
		return inst, err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.InstrumentLookup("not_found")
		} else {
			c.metrics.InstrumentLookup("error")
		}
		return model.Instrument{}, err
	}
	c.metrics.InstrumentLookup("miss")
	return v.(model.Instrument), nil
}

func (c *Cache) store(key cacheKey, e cacheEntry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ResolveSymbol resolves against rows of any broker.
func (c *Cache) ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	return c.Lookup(ctx, "", exchange, symbol)
}

// ForBroker returns the view of one broker's rows.
func (c *Cache) ForBroker(name string) broker.SymbolResolver {
	return brokerView{c: c, broker: name}
}

type brokerView struct {
	c      *Cache
	broker string
}

func (v brokerView) ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	return v.c.Lookup(ctx, v.broker, exchange, symbol)
}
