package promptcache

import "sync"

// The process-wide shared cache. Multiple clients consult the same instance
// so cache state and metrics are pooled; a client that disables caching
// severs its own reference without affecting anyone else. Tests that need
// isolation must construct their own Cache with New.
var (
	sharedMu sync.Mutex
	shared   *Cache
)

// Configure replaces the shared cache's options. Any previous shared cache
// is stopped first. Returns the new instance.
func Configure(opts Options) *Cache {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		shared.Stop()
	}
	shared = New(opts)
	return shared
}

// Shared returns the process-wide cache, constructing a default-sized one on
// first use.
func Shared() *Cache {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(Options{MaxSize: 100})
	}
	return shared
}

// StopShared stops the shared cache's refresh loop. The instance and its
// contents survive; a later Set restarts refresh.
func StopShared() {
	sharedMu.Lock()
	c := shared
	sharedMu.Unlock()
	if c != nil {
		c.Stop()
	}
}
