package resilience

import (
	"container/list"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCacheMaxEntries = 10000
	DefaultCacheTTL        = 5 * time.Minute
)

// QueryCacheConfig tunes a QueryCache. MaxMemoryBytes is only enforced
// when a Sizer is provided.
type QueryCacheConfig struct {
	Name       string
	MaxEntries int
	DefaultTTL time.Duration
	// RefreshOnAccess restarts an entry's TTL clock on every hit,
	// keeping hot entries alive indefinitely.
	RefreshOnAccess bool
	// MaxMemoryBytes bounds the cache by approximate payload size.
	MaxMemoryBytes int64
	// Sizer reports a value's approximate size for the memory bound.
	Sizer func(value any) int64
}

func (c QueryCacheConfig) withDefaults() QueryCacheConfig {
	if c.Name == "" {
		c.Name = "cache"
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultCacheTTL
	}
	return c
}

type cacheEntry struct {
	key       string
	value     any
	size      int64
	ttl       time.Duration
	expiresAt time.Time
}

// CacheStats is a point-in-time snapshot, JSON-shaped for the ops API.
type CacheStats struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	MemoryBytes int64  `json:"memory_bytes"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Evictions   int64  `json:"evictions"`
	Expirations int64  `json:"expirations"`
}

// QueryCache is an in-process LRU cache with per-entry TTLs and a
// single-flight loader. Lookups on expired entries count as misses and
// remove the entry.
type QueryCache struct {
	cfg QueryCacheConfig

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element
	memory  int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	inflightMu sync.Mutex
	inflight   map[string]*flight

	now func() time.Time
}

// flight is one in-progress load shared by concurrent GetOrSet calls.
type flight struct {
	done  chan struct{}
	value any
	err   error
}

func NewQueryCache(cfg QueryCacheConfig) *QueryCache {
	return &QueryCache{
		cfg:      cfg.withDefaults(),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *QueryCache) Get(key string) (any, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		cacheMisses.WithLabelValues(c.cfg.Name).Inc()
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expiresAt) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		cacheMisses.WithLabelValues(c.cfg.Name).Inc()
		return nil, false
	}
	c.order.MoveToFront(elem)
	if c.cfg.RefreshOnAccess {
		entry.expiresAt = now.Add(entry.ttl)
	}
	c.hits++
	cacheHitsTotal.WithLabelValues(c.cfg.Name).Inc()
	return entry.value, true
}

// Set stores value under key with the default TTL.
func (c *QueryCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.cfg.DefaultTTL)
}

// SetWithTTL stores value under key with an explicit TTL, evicting
// least-recently-used entries to stay within the entry and memory
// bounds.
func (c *QueryCache) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	var size int64
	if c.cfg.Sizer != nil {
		size = c.cfg.Sizer(value)
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.memory += size - entry.size
		entry.value = value
		entry.size = size
		entry.ttl = ttl
		entry.expiresAt = now.Add(ttl)
		c.order.MoveToFront(elem)
	} else {
		entry := &cacheEntry{key: key, value: value, size: size, ttl: ttl, expiresAt: now.Add(ttl)}
		c.entries[key] = c.order.PushFront(entry)
		c.memory += size
	}
	for c.order.Len() > c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
	if c.cfg.MaxMemoryBytes > 0 && c.cfg.Sizer != nil {
		for c.memory > c.cfg.MaxMemoryBytes && c.order.Len() > 1 {
			c.evictOldestLocked()
		}
	}
}

func (c *QueryCache) evictOldestLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeLocked(elem)
	c.evictions++
	cacheEvictions.WithLabelValues(c.cfg.Name).Inc()
}

func (c *QueryCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.memory -= entry.size
}

// GetOrSet returns the cached value or runs load to produce it.
// Concurrent callers for the same missing key share a single load; the
// losers block on the winner's result. Load errors are not cached.
func (c *QueryCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.inflightMu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.inflightMu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.inflightMu.Unlock()

	// Re-check: a Set may have landed between the miss and winning the
	// flight slot.
	if v, ok := c.Get(key); ok {
		f.value = v
	} else {
		f.value, f.err = load(ctx)
		if f.err == nil {
			c.SetWithTTL(key, f.value, ttl)
		}
	}

	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
	close(f.done)

	return f.value, f.err
}

// Invalidate removes key, reporting whether it was present.
func (c *QueryCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// InvalidateByPrefix removes every key with the given prefix and
// returns how many were dropped.
func (c *QueryCache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []*list.Element
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		c.removeLocked(elem)
	}
	return len(victims)
}

// InvalidateByPattern removes every key matching the regular
// expression.
func (c *QueryCache) InvalidateByPattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []*list.Element
	for key, elem := range c.entries {
		if re.MatchString(key) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		c.removeLocked(elem)
	}
	return len(victims), nil
}

// Clear drops everything.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.memory = 0
}

// Len reports live (unexpired) entries.
func (c *QueryCache) Len() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, elem := range c.entries {
		if !now.After(elem.Value.(*cacheEntry).expiresAt) {
			n++
		}
	}
	return n
}

// Snapshot returns the live keys and values, excluding expired entries
// that haven't been swept yet.
func (c *QueryCache) Snapshot() map[string]any {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.entries))
	for key, elem := range c.entries {
		entry := elem.Value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			continue
		}
		out[key] = entry.value
	}
	return out
}

func (c *QueryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Name:        c.cfg.Name,
		Entries:     c.order.Len(),
		MemoryBytes: c.memory,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Namespace returns a view of the cache that prefixes every key with
// "<name>:". Views share the underlying storage and stats.
func (c *QueryCache) Namespace(name string) *CacheNamespace {
	return &CacheNamespace{cache: c, prefix: name + ":"}
}

// CacheNamespace is a prefixed view over a shared QueryCache.
type CacheNamespace struct {
	cache  *QueryCache
	prefix string
}

func (n *CacheNamespace) Get(key string) (any, bool) { return n.cache.Get(n.prefix + key) }

func (n *CacheNamespace) Set(key string, value any) { n.cache.Set(n.prefix+key, value) }

func (n *CacheNamespace) SetWithTTL(key string, value any, ttl time.Duration) {
	n.cache.SetWithTTL(n.prefix+key, value, ttl)
}

func (n *CacheNamespace) GetOrSet(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (any, error)) (any, error) {
	return n.cache.GetOrSet(ctx, n.prefix+key, ttl, load)
}

func (n *CacheNamespace) Invalidate(key string) bool { return n.cache.Invalidate(n.prefix + key) }

// InvalidateAll drops every entry in this namespace.
func (n *CacheNamespace) InvalidateAll() int { return n.cache.InvalidateByPrefix(n.prefix) }
