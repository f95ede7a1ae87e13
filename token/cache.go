package token

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures the token cache.
type CacheConfig struct {
	// MaxSize is the maximum number of cached contexts. When full, the
	// least recently used entry is evicted.
	// Default: 100
	MaxSize int

	// PreRefreshBuffer is how long before expiry a cached token stops
	// being served and a refresh is triggered instead.
	// Default: 5 minutes
	PreRefreshBuffer time.Duration
}

// cacheEntry tracks a cached token and its usage. Mutated only under
// the cache mutex.
type cacheEntry struct {
	token     *Token
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// EntryInfo is a snapshot of a cache entry's bookkeeping, for
// inspection and metrics.
type EntryInfo struct {
	ExpiresAt time.Time
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int64
}

// Cache holds one credential per context ID, refreshing through a Source
// when an entry is absent or near expiry. Concurrent refreshes for the
// same context are deduplicated: N callers observe exactly one issuance
// and share its result or error.
type Cache struct {
	config CacheConfig
	source Source

	mu      sync.Mutex
	entries *lru.Cache[string, *cacheEntry]
	group   singleflight.Group
	now     func() time.Time
}

// NewCache creates a token cache backed by the given source.
func NewCache(source Source, config CacheConfig) (*Cache, error) {
	if source == nil {
		return nil, ErrMissingCredentials
	}

	// Apply defaults
	if config.MaxSize <= 0 {
		config.MaxSize = 100
	}
	if config.PreRefreshBuffer <= 0 {
		config.PreRefreshBuffer = 5 * time.Minute
	}

	entries, err := lru.New[string, *cacheEntry](config.MaxSize)
	if err != nil {
		return nil, err
	}

	return &Cache{
		config:  config,
		source:  source,
		entries: entries,
		now:     time.Now,
	}, nil
}

// GetToken returns a valid token for the context, issuing a new one only
// when no cached entry exists or the cached entry is within the
// pre-refresh buffer of its expiry. The cached fast path does not block.
func (c *Cache) GetToken(ctx context.Context, contextID string) (*Token, error) {
	if contextID == "" {
		contextID = DefaultContext
	}

	if tok := c.lookup(contextID); tok != nil {
		return tok, nil
	}
	return c.refresh(ctx, contextID)
}

// Refresh forces a new token for the context, replacing any cached entry.
// Concurrent callers share a single issuance.
func (c *Cache) Refresh(ctx context.Context, contextID string) (*Token, error) {
	if contextID == "" {
		contextID = DefaultContext
	}
	c.Invalidate(contextID)
	return c.refresh(ctx, contextID)
}

// Invalidate drops the cached entry for the context, if any. A refresh
// already in flight is detached so the next caller starts a fresh one.
func (c *Cache) Invalidate(contextID string) {
	if contextID == "" {
		contextID = DefaultContext
	}
	c.mu.Lock()
	c.entries.Remove(contextID)
	c.mu.Unlock()
	c.group.Forget(contextID)
}

// HasValid reports whether an unexpired token is cached for the context.
// It does not bump the entry's recency.
func (c *Cache) HasValid(contextID string) bool {
	if contextID == "" {
		contextID = DefaultContext
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries.Peek(contextID)
	return ok && !ent.token.Expired(c.now())
}

// Cleanup removes entries whose tokens have expired and returns the
// number removed. Eviction pressure aside, expired entries are never
// retained past a completed sweep.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if ent, ok := c.entries.Peek(key); ok && ent.token.Expired(now) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached contexts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Info returns a snapshot of the entry for the context, without bumping
// its recency.
func (c *Cache) Info(contextID string) (EntryInfo, bool) {
	if contextID == "" {
		contextID = DefaultContext
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries.Peek(contextID)
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		ExpiresAt: ent.token.ExpiresAt,
		CreatedAt: ent.createdAt,
		LastUsed:  ent.lastUsed,
		UseCount:  ent.useCount,
	}, true
}

// lookup returns the cached token when it is outside the pre-refresh
// buffer, bumping recency and use count. Returns nil when a refresh is due.
func (c *Cache) lookup(contextID string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries.Get(contextID)
	if !ok {
		return nil
	}
	now := c.now()
	if ent.token.Remaining(now) <= c.config.PreRefreshBuffer {
		return nil
	}
	ent.useCount++
	ent.lastUsed = now
	return ent.token
}

// refresh issues a token through singleflight so that concurrent callers
// for one context trigger at most one issuance. A failed issuance is
// observed by every waiter; nothing stale is served in its place.
func (c *Cache) refresh(ctx context.Context, contextID string) (*Token, error) {
	v, err, _ := c.group.Do(contextID, func() (any, error) {
		tok, err := c.source.Token(ctx, contextID)
		if err != nil {
			return nil, err
		}
		c.store(contextID, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (c *Cache) store(contextID string, tok *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Add evicts the least recently used entry when the cache is full
	// and the context is not already present.
	c.entries.Add(contextID, &cacheEntry{
		token:     tok,
		createdAt: now,
		lastUsed:  now,
	})
}
