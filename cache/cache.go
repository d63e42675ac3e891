// Package cache provides in-memory TTL caches whose misses are fetched once
// per key no matter how many callers ask concurrently.
package cache

import (
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const DefaultTTL = 5 * time.Minute

// FetchFunc loads the value of a missing key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	inserted time.Time
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now as the source of insertion and lookup times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache maps string keys to values that expire ttl after insertion. Expiry is
// checked on lookup. Failed fetches are never stored.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time
	sg   singleflight.Group

	mu      sync.Mutex
	entries map[string]entry[V]
	closed  bool
}

// New creates a cache. A non-positive ttl selects DefaultTTL.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		now:     o.now,
		entries: make(map[string]entry[V]),
	}
}

func (c *Cache[V]) lookup(key string) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.closed {
		return zero, false, fserr.Closed(c.name + " cache")
	}
	e, ok := c.entries[key]
	if !ok {
		return zero, false, nil
	}
	if c.now().Sub(e.inserted) >= c.ttl {
		delete(c.entries, key)
		return zero, false, nil
	}
	return e.value, true, nil
}

// Get returns the cached value of key, calling fetch on a miss. Concurrent
// misses on the same key share a single fetch, run with the context of the
// first caller.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	v, ok, err := c.lookup(key)
	if err != nil || ok {
		return v, err
	}

	res, err, shared := c.sg.Do(key, func() (any, error) {
		// Stored by a fetch that finished after our lookup
		if v, ok, err := c.lookup(key); err != nil || ok {
			return v, err
		}

		log.Debugf("cache.Get: %s miss on %s", c.name, key)
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		if !c.closed {
			c.entries[key] = entry[V]{value: v, inserted: c.now()}
		}
		c.mu.Unlock()
		return v, nil
	})
	if shared {
		log.Debugf("cache.Get: %s shared fetch of %s", c.name, key)
	}
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate drops key from the cache.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops all entries. Later lookups fail with fserr.ErrClosed.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.entries)
}

// RootKey is the only key used in MetadataCache.Root.
const RootKey = "/"

// MetadataCache holds the metadata caches of a file system client, each with
// its own lock.
type MetadataCache struct {
	Recipes  *Cache[*recipe.Recipe]    // Recipes by path
	Listings *Cache[[]object.Metadata] // Directory children by path
	Root     *Cache[object.Metadata]   // Metadata of the root directory
}

func NewMetadataCache(ttl time.Duration, opts ...Option) *MetadataCache {
	return &MetadataCache{
		Recipes:  New[*recipe.Recipe]("recipe", ttl, opts...),
		Listings: New[[]object.Metadata]("listing", ttl, opts...),
		Root:     New[object.Metadata]("root", ttl, opts...),
	}
}

func (m *MetadataCache) Close() {
	m.Recipes.Close()
	m.Listings.Close()
	m.Root.Close()
}
