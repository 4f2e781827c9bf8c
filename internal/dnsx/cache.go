package dnsx

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is applied to entries whose insert does not carry one.
	DefaultTTL = 300 * time.Second
	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 60 * time.Second
)

type cacheEntry struct {
	txt     []string
	ips     []string
	mxs     []MXRecord
	expires time.Time
}

// CacheStats is a point-in-time snapshot of cache behavior.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Errors    int64 `json:"errors"`
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
}

// Cache fronts a Resolver with a TTL-bounded map keyed by
// (rrtype, lowercased domain). Reads are lock-shared; concurrent
// inserts of the same key race harmlessly (last writer wins). Errors
// are never cached.
type Cache struct {
	backend Resolver

	ttl        time.Duration
	sweepEvery time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits      atomic.Int64
	misses    atomic.Int64
	errors    atomic.Int64
	evictions atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	startMu  sync.Mutex
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the default insertion TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often expired keys are swept.
func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// NewCache wraps backend with a TTL cache.
func NewCache(backend Resolver, opts ...CacheOption) *Cache {
	c := &Cache{
		backend:    backend,
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		entries:    make(map[string]cacheEntry),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background sweeper. Safe to call once.
func (c *Cache) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.sweepLoop()
}

// Stop terminates the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	c.stopOnce.Do(func() { close(c.stopCh) })
	if started {
		<-c.doneCh
	}
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes expired entries and returns how many were evicted.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.evictions.Add(int64(removed))
	}
	return removed
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errors.Load(),
		Entries:   entries,
		Evictions: c.evictions.Load(),
	}
}

func cacheKey(rrtype, domain string) string {
	return rrtype + ":" + strings.ToLower(domain)
}

func (c *Cache) get(rrtype, domain string) (cacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(rrtype, domain)]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		c.misses.Add(1)
		cacheMisses.WithLabelValues(rrtype).Inc()
		return cacheEntry{}, false
	}
	c.hits.Add(1)
	cacheHits.WithLabelValues(rrtype).Inc()
	return e, true
}

func (c *Cache) put(rrtype, domain string, e cacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e.expires = time.Now().Add(ttl)
	c.mu.Lock()
	c.entries[cacheKey(rrtype, domain)] = e
	c.mu.Unlock()
}

// PrimeTXT inserts TXT records with an explicit TTL (0 = default).
func (c *Cache) PrimeTXT(domain string, recs []string, ttl time.Duration) {
	c.put("TXT", domain, cacheEntry{txt: recs}, ttl)
}

// PrimeA inserts A records with an explicit TTL (0 = default).
func (c *Cache) PrimeA(domain string, ips []string, ttl time.Duration) {
	c.put("A", domain, cacheEntry{ips: ips}, ttl)
}

// PrimeAAAA inserts AAAA records with an explicit TTL (0 = default).
func (c *Cache) PrimeAAAA(domain string, ips []string, ttl time.Duration) {
	c.put("AAAA", domain, cacheEntry{ips: ips}, ttl)
}

// PrimeMX inserts MX records with an explicit TTL (0 = default).
func (c *Cache) PrimeMX(domain string, mxs []MXRecord, ttl time.Duration) {
	c.put("MX", domain, cacheEntry{mxs: mxs}, ttl)
}

func (c *Cache) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	if e, ok := c.get("TXT", domain); ok {
		return e.txt, nil
	}
	recs, err := c.backend.LookupTXT(ctx, domain)
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	c.put("TXT", domain, cacheEntry{txt: recs}, 0)
	return recs, nil
}

func (c *Cache) LookupA(ctx context.Context, domain string) ([]string, error) {
	if e, ok := c.get("A", domain); ok {
		return e.ips, nil
	}
	ips, err := c.backend.LookupA(ctx, domain)
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	c.put("A", domain, cacheEntry{ips: ips}, 0)
	return ips, nil
}

func (c *Cache) LookupAAAA(ctx context.Context, domain string) ([]string, error) {
	if e, ok := c.get("AAAA", domain); ok {
		return e.ips, nil
	}
	ips, err := c.backend.LookupAAAA(ctx, domain)
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	c.put("AAAA", domain, cacheEntry{ips: ips}, 0)
	return ips, nil
}

func (c *Cache) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	if e, ok := c.get("MX", domain); ok {
		return e.mxs, nil
	}
	mxs, err := c.backend.LookupMX(ctx, domain)
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	c.put("MX", domain, cacheEntry{mxs: mxs}, 0)
	return mxs, nil
}
