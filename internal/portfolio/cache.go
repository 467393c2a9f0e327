package portfolio

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"quantumleap/internal/logger"
)

// Fetcher is the slice of the broker client the cache needs.
type Fetcher interface {
	FetchHoldings(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error)
	FetchPositions(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error)
	FetchOrders(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error)
	FetchMargins(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error)
}

// TokenSource yields a usable access token; in production this is the
// lifecycle manager.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (string, error)
}

// CredentialSource yields the connection's API key pair.
type CredentialSource interface {
	Credentials(ctx context.Context, connectionID string) (apiKey, apiSecret string, err error)
}

type dataKind string

const (
	kindHoldings  dataKind = "holdings"
	kindPositions dataKind = "positions"
	kindOrders    dataKind = "orders"
	kindMargins   dataKind = "margins"
)

type cacheKey struct {
	connectionID string
	kind         dataKind
}

// cacheEntry pairs a payload with the moment it was fetched. The two are
// only ever written and read together, so a served payload always matches
// its recorded age.
type cacheEntry struct {
	at      time.Time
	payload any
}

// Cache is a TTL-bounded cache of normalized broker data per connection.
type Cache struct {
	fetcher Fetcher
	tokens  TokenSource
	creds   CredentialSource

	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry

	nowFn func() time.Time
}

// Options tunes the cache.
type CacheOptions struct {
	TTL        time.Duration
	MaxEntries int
}

func NewCache(fetcher Fetcher, tokens TokenSource, creds CredentialSource, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}
	return &Cache{
		fetcher:    fetcher,
		tokens:     tokens,
		creds:      creds,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		entries:    make(map[cacheKey]cacheEntry),
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (c *Cache) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		c.nowFn = fn
	}
}

// Holdings returns normalized holdings, served from cache when fresh.
// The second return reports whether the payload came from the cache.
func (c *Cache) Holdings(ctx context.Context, connectionID string, bypass bool) ([]Holding, bool, error) {
	payload, cached, err := c.get(ctx, connectionID, kindHoldings, bypass, func(raw json.RawMessage) any {
		return NormalizeHoldings(raw)
	})
	if err != nil {
		return nil, false, err
	}
	return payload.([]Holding), cached, nil
}

// Positions returns normalized positions.
func (c *Cache) Positions(ctx context.Context, connectionID string, bypass bool) ([]Position, bool, error) {
	payload, cached, err := c.get(ctx, connectionID, kindPositions, bypass, func(raw json.RawMessage) any {
		return NormalizePositions(raw)
	})
	if err != nil {
		return nil, false, err
	}
	return payload.([]Position), cached, nil
}

// Orders returns normalized orders.
func (c *Cache) Orders(ctx context.Context, connectionID string, bypass bool) ([]Order, bool, error) {
	payload, cached, err := c.get(ctx, connectionID, kindOrders, bypass, func(raw json.RawMessage) any {
		return NormalizeOrders(raw)
	})
	if err != nil {
		return nil, false, err
	}
	return payload.([]Order), cached, nil
}

// MarginsFor returns normalized margins.
func (c *Cache) MarginsFor(ctx context.Context, connectionID string, bypass bool) (*Margins, bool, error) {
	payload, cached, err := c.get(ctx, connectionID, kindMargins, bypass, func(raw json.RawMessage) any {
		return NormalizeMargins(raw)
	})
	if err != nil {
		return nil, false, err
	}
	return payload.(*Margins), cached, nil
}

// Invalidate drops every cached entry for the connection, e.g. on
// disconnect or credential change.
func (c *Cache) Invalidate(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range []dataKind{kindHoldings, kindPositions, kindOrders, kindMargins} {
		delete(c.entries, cacheKey{connectionID: connectionID, kind: kind})
	}
}

func (c *Cache) get(ctx context.Context, connectionID string, kind dataKind, bypass bool, normalize func(json.RawMessage) any) (any, bool, error) {
	key := cacheKey{connectionID: connectionID, kind: kind}
	if !bypass {
		c.mu.Lock()
		entry, ok := c.entries[key]
		now := c.nowFn()
		c.mu.Unlock()
		if ok && now.Sub(entry.at) < c.ttl {
			return entry.payload, true, nil
		}
	}

	// The lock is never held across the network round-trip.
	accessToken, err := c.tokens.GetValidAccessToken(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}
	apiKey, _, err := c.creds.Credentials(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}
	raw, err := c.fetch(ctx, kind, accessToken, apiKey)
	if err != nil {
		return nil, false, err
	}
	payload := normalize(raw)

	c.mu.Lock()
	c.evictStaleLocked()
	c.entries[key] = cacheEntry{at: c.nowFn(), payload: payload}
	c.mu.Unlock()
	return payload, false, nil
}

func (c *Cache) fetch(ctx context.Context, kind dataKind, accessToken, apiKey string) (json.RawMessage, error) {
	switch kind {
	case kindHoldings:
		return c.fetcher.FetchHoldings(ctx, accessToken, apiKey)
	case kindPositions:
		return c.fetcher.FetchPositions(ctx, accessToken, apiKey)
	case kindOrders:
		return c.fetcher.FetchOrders(ctx, accessToken, apiKey)
	default:
		return c.fetcher.FetchMargins(ctx, accessToken, apiKey)
	}
}

// evictStaleLocked keeps the cache bounded: expired entries go first, then
// the oldest live one if the map is still full.
func (c *Cache) evictStaleLocked() {
	if len(c.entries) < c.maxEntries {
		return
	}
	now := c.nowFn()
	for key, entry := range c.entries {
		if now.Sub(entry.at) >= c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	var oldestKey cacheKey
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.at.Before(oldestAt) {
			oldestKey, oldestAt, first = key, entry.at, false
		}
	}
	logger.Debugf("portfolio cache full (%d entries), evicting oldest entry for %s/%s",
		len(c.entries), oldestKey.connectionID, oldestKey.kind)
	delete(c.entries, oldestKey)
}
