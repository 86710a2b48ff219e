package promptcache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/tracekit/promptcache"
)

func ttl(d time.Duration) *time.Duration { return &d }

// ── Basic LRU behavior ──────────────────────────────────────────────────────

func TestGetSet_HitMissMetrics(t *testing.T) {
	c := promptcache.New(promptcache.Options{MaxSize: 10})

	_, ok := c.Get("greeting")
	assert.False(t, ok)

	c.Set("greeting", "hello {name}", nil)
	v, ok := c.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello {name}", v)

	m := c.Metrics()
	assert.EqualValues(t, 1, m.Hits)
	assert.EqualValues(t, 1, m.Misses)
	assert.InDelta(t, 0.5, m.HitRate(), 1e-9)
}

func TestSet_EvictsLRU(t *testing.T) {
	c := promptcache.New(promptcache.Options{MaxSize: 2})

	c.Set("a", 1, nil)
	c.Set("b", 2, nil)
	_, _ = c.Get("a") // a is now MRU
	c.Set("c", 3, nil)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was LRU and must be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestDisabledCache_NoOpsAndNoMetrics(t *testing.T) {
	c := promptcache.New(promptcache.Options{MaxSize: 0})

	c.Set("a", 1, nil)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	m := c.Metrics()
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.Misses)
}

func TestInvalidateAndClear(t *testing.T) {
	c := promptcache.New(promptcache.Options{MaxSize: 5})
	c.Set("a", 1, nil)
	c.Set("b", 2, nil)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

// ── Background refresh ──────────────────────────────────────────────────────

func TestRefresh_RenewsStaleEntries(t *testing.T) {
	var calls atomic.Int64
	c := promptcache.New(promptcache.Options{
		MaxSize:         5,
		TTL:             ttl(20 * time.Millisecond),
		RefreshInterval: 10 * time.Millisecond,
	})
	defer c.Stop()

	c.Set("p", "stale", func(_ context.Context, _ string) (any, error) {
		calls.Add(1)
		return "fresh", nil
	})

	require.Eventually(t, func() bool {
		v, ok := c.Get("p")
		return ok && v == "fresh"
	}, time.Second, 5*time.Millisecond)

	m := c.Metrics()
	assert.GreaterOrEqual(t, m.Refreshes, int64(1))
	assert.Zero(t, m.RefreshErrors)
}

func TestRefresh_FailureKeepsStaleValue(t *testing.T) {
	c := promptcache.New(promptcache.Options{
		MaxSize:         5,
		TTL:             ttl(10 * time.Millisecond),
		RefreshInterval: 10 * time.Millisecond,
	})
	defer c.Stop()

	c.Set("p", "stale-but-served", func(_ context.Context, _ string) (any, error) {
		return nil, errors.New("upstream down")
	})

	require.Eventually(t, func() bool {
		return c.Metrics().RefreshErrors >= 2
	}, time.Second, 5*time.Millisecond)

	v, ok := c.Get("p")
	require.True(t, ok, "entry must never be evicted on refresh failure")
	assert.Equal(t, "stale-but-served", v)
}

func TestRefresh_NilTTLNeverStartsTimer(t *testing.T) {
	var calls atomic.Int64
	c := promptcache.New(promptcache.Options{
		MaxSize:         5,
		RefreshInterval: time.Millisecond,
	})
	defer c.Stop()

	c.Set("p", "v", func(_ context.Context, _ string) (any, error) {
		calls.Add(1)
		return "new", nil
	})

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
	v, _ := c.Get("p")
	assert.Equal(t, "v", v)
}

// ── Persistence ─────────────────────────────────────────────────────────────

func TestDumpLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cache.json")

	c := promptcache.New(promptcache.Options{MaxSize: 10})
	c.Set("a", "prompt-a", nil)
	c.Set("b", map[string]any{"template": "x {y}"}, nil)
	_, _ = c.Get("a")

	require.NoError(t, c.Dump(path))

	restored := promptcache.New(promptcache.Options{MaxSize: 10})
	assert.Equal(t, 2, restored.Load(path))

	v, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, "prompt-a", v)

	v, ok = restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"template": "x {y}"}, v)
}

func TestLoad_MissingOrCorruptFileLoadsNothing(t *testing.T) {
	dir := t.TempDir()
	c := promptcache.New(promptcache.Options{MaxSize: 10})

	assert.Zero(t, c.Load(filepath.Join(dir, "does-not-exist.json")))

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, writeFile(corrupt, "{not json"))
	assert.Zero(t, c.Load(corrupt))
}

func TestLoad_TruncatesToMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	big := promptcache.New(promptcache.Options{MaxSize: 10})
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		big.Set(k, k, nil)
	}
	require.NoError(t, big.Dump(path))

	small := promptcache.New(promptcache.Options{MaxSize: 3})
	assert.Equal(t, 3, small.Load(path))
	assert.Equal(t, 3, small.Len())

	// The newest entries survive.
	_, ok := small.Get("e")
	assert.True(t, ok)
	_, ok = small.Get("a")
	assert.False(t, ok)
}

// ── Singleton ───────────────────────────────────────────────────────────────

func TestShared_IsProcessWide(t *testing.T) {
	s1 := promptcache.Shared()
	s2 := promptcache.Shared()
	assert.Same(t, s1, s2)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
