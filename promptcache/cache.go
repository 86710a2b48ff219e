// Package promptcache serves hot prompt templates from a shared LRU with
// TTL-driven background refresh. Refresh failures never evict: the cache
// keeps serving the stale value and counts the error, so an upstream outage
// degrades to staleness instead of misses.
package promptcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/arc-self/tracekit/internal/obsmetrics"
)

// FetchFunc retrieves the current value of a prompt from upstream. It is
// supplied per Set call or configured cache-wide, and is what the background
// refresh loop invokes for stale entries.
type FetchFunc func(ctx context.Context, key string) (any, error)

// entry is one cached prompt with its bookkeeping.
type entry struct {
	key          string
	value        any
	insertedAt   time.Time
	lastAccessed time.Time
	fetch        FetchFunc

	// refreshing enforces at most one in-flight refresh per key. Guarded by
	// the cache mutex for the claim; cleared by the refresh goroutine.
	refreshing bool
}

// Options configures a Cache.
type Options struct {
	// MaxSize is the entry capacity. 0 disables the cache entirely: every
	// Get misses and no metrics are recorded.
	MaxSize int
	// TTL is how long an entry is fresh. Nil means entries never go stale
	// and the refresh loop never starts.
	TTL *time.Duration
	// RefreshInterval is the refresh-loop tick. Defaults to TTL.
	RefreshInterval time.Duration
	// Fetch is the cache-wide refresh function, used when a Set did not
	// supply one.
	Fetch FetchFunc
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Registry optionally mirrors hit/miss/refresh counts into the SDK's
	// operational metrics.
	Registry *obsmetrics.Registry
}

// Metrics is a point-in-time snapshot of the cache counters.
type Metrics struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Refreshes     int64 `json:"refreshes"`
	RefreshErrors int64 `json:"refresh_errors"`
}

// HitRate derives the hit fraction; 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Cache is an LRU+TTL prompt cache with background refresh. Safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	store   *lru.Cache[string, *entry] // nil when disabled
	opts    Options
	metrics Metrics

	refreshStop chan struct{} // nil when the loop is not running
	refreshWG   sync.WaitGroup

	now func() time.Time
}

// New constructs a Cache. MaxSize 0 yields a disabled cache on which every
// operation is a no-op or a miss.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RefreshInterval <= 0 && opts.TTL != nil {
		opts.RefreshInterval = *opts.TTL
	}

	c := &Cache{opts: opts, now: time.Now}
	if opts.MaxSize > 0 {
		// Capacity eviction is delegated to the LRU; the error path is
		// unreachable for a positive size.
		c.store, _ = lru.New[string, *entry](opts.MaxSize)
	}
	return c
}

// Get looks up key. On a hit the entry moves to MRU. A disabled cache always
// misses without touching the metrics.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil, false
	}

	e, ok := c.store.Get(key)
	if !ok {
		c.metrics.Misses++
		c.opts.Registry.CacheMiss()
		return nil, false
	}
	e.lastAccessed = c.now()
	c.metrics.Hits++
	c.opts.Registry.CacheHit()
	return e.value, true
}

// Set inserts key as the MRU entry, evicting from the LRU end as needed.
// fetch, when non-nil, becomes the entry's refresh function; otherwise the
// cache-wide one applies. The refresh loop is started lazily once an entry
// exists that can be refreshed.
func (c *Cache) Set(key string, value any, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return
	}

	now := c.now()
	c.store.Add(key, &entry{
		key:          key,
		value:        value,
		insertedAt:   now,
		lastAccessed: now,
		fetch:        fetch,
	})
	c.ensureRefreshLoopLocked(fetch)
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		c.store.Remove(key)
	}
}

// Clear removes every entry. Metrics are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		c.store.Purge()
	}
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0
	}
	return c.store.Len()
}

// Metrics returns a snapshot of the counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Stop halts the background refresh loop and waits for in-flight refreshes.
// A later Set that needs refresh restarts it.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop := c.refreshStop
	c.refreshStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.refreshWG.Wait()
}

// ── background refresh ────────────────────────────────────────────────────

// ensureRefreshLoopLocked starts the ticker goroutine if refresh is possible
// and it is not already running. Callers hold c.mu.
func (c *Cache) ensureRefreshLoopLocked(entryFetch FetchFunc) {
	if c.refreshStop != nil {
		return
	}
	if c.opts.TTL == nil {
		return
	}
	if entryFetch == nil && c.opts.Fetch == nil {
		return
	}

	stop := make(chan struct{})
	c.refreshStop = stop
	c.refreshWG.Add(1)
	go c.refreshLoop(stop)
}

func (c *Cache) refreshLoop(stop chan struct{}) {
	defer c.refreshWG.Done()
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	c.opts.Logger.Debug("prompt cache refresh loop started",
		zap.Duration("interval", c.opts.RefreshInterval))

	for {
		select {
		case <-stop:
			c.opts.Logger.Debug("prompt cache refresh loop stopping")
			return
		case <-ticker.C:
			c.refreshStale()
		}
	}
}

// refreshStale scans for entries past their TTL and refreshes each in its
// own goroutine. An entry already claimed by a previous tick is skipped.
func (c *Cache) refreshStale() {
	c.mu.Lock()
	ttl := c.opts.TTL
	if c.store == nil || ttl == nil {
		c.mu.Unlock()
		return
	}

	now := c.now()
	var stale []*entry
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok || e.refreshing {
			continue
		}
		if e.insertedAt.Add(*ttl).After(now) {
			continue
		}
		fetch := e.fetch
		if fetch == nil {
			fetch = c.opts.Fetch
		}
		if fetch == nil {
			continue
		}
		e.refreshing = true
		stale = append(stale, e)
	}
	c.mu.Unlock()

	for _, e := range stale {
		e := e
		c.refreshWG.Add(1)
		go func() {
			defer c.refreshWG.Done()
			c.refreshOne(e)
		}()
	}
}

// refreshOne re-fetches a single entry. Success overwrites the value and
// renews insertedAt; failure keeps the stale value and counts the error. The
// entry is never evicted here.
func (c *Cache) refreshOne(e *entry) {
	fetch := e.fetch
	if fetch == nil {
		fetch = c.opts.Fetch
	}

	value, err := fetch(context.Background(), e.key)

	c.mu.Lock()
	defer c.mu.Unlock()
	e.refreshing = false
	if err != nil {
		c.metrics.RefreshErrors++
		c.opts.Registry.CacheRefresh(false)
		c.opts.Logger.Warn("prompt refresh failed; serving stale value",
			zap.String("key", e.key), zap.Error(err))
		return
	}
	e.value = value
	e.insertedAt = c.now()
	c.metrics.Refreshes++
	c.opts.Registry.CacheRefresh(true)
}
