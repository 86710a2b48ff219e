// Package serverinfo discovers the ingest backend's capabilities: batch size
// limits, multipart support, and gzip support. The result is cached; on
// probe failure the transport falls back to the classic JSON batch endpoint
// without gzip and the next send re-probes.
package serverinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Info is the capability record returned by GET /info.
type Info struct {
	Version           string            `json:"version"`
	BatchIngestConfig BatchIngestConfig `json:"batch_ingest_config"`
	InstanceFlags     InstanceFlags     `json:"instance_flags"`
}

// BatchIngestConfig holds the server-advertised batching limits.
type BatchIngestConfig struct {
	SizeLimit            int   `json:"size_limit"`
	SizeLimitBytes       int64 `json:"size_limit_bytes"`
	UseMultipartEndpoint bool  `json:"use_multipart_endpoint"`
}

// InstanceFlags holds per-instance feature toggles.
type InstanceFlags struct {
	GzipBodyEnabled bool `json:"gzip_body_enabled"`
}

// Fallback is the capability record assumed when the probe fails: classic
// JSON batch endpoint, no gzip, client-side default limits.
func Fallback() Info {
	return Info{
		BatchIngestConfig: BatchIngestConfig{
			SizeLimit:      100,
			SizeLimitBytes: 20 * 1024 * 1024,
		},
	}
}

// Cache stores a discovered Info record. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context) (Info, bool)
	Put(ctx context.Context, info Info)
}

// MemoryCache is the default single-process Cache: one record with an
// optional freshness window.
type MemoryCache struct {
	mu        sync.Mutex
	info      Info
	fetchedAt time.Time
	ttl       time.Duration // 0 = never expires
}

// NewMemoryCache constructs a MemoryCache. ttl of 0 keeps a discovered
// record for the life of the process.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl}
}

func (m *MemoryCache) Get(context.Context) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchedAt.IsZero() {
		return Info{}, false
	}
	if m.ttl > 0 && time.Since(m.fetchedAt) > m.ttl {
		return Info{}, false
	}
	return m.info, true
}

func (m *MemoryCache) Put(_ context.Context, info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	m.fetchedAt = time.Now()
}

// Probe fetches and caches the server's Info record.
type Probe struct {
	endpoint   string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	cache      Cache
	logger     *zap.Logger
	maxRetries uint64
}

// NewProbe constructs a Probe. cache may be nil, in which case an in-memory
// cache with no expiry is used. The probe keeps its own short per-attempt
// timeout; it must never stall a send for long.
func NewProbe(endpoint, apiKey, userAgent string, cache Cache, logger *zap.Logger) *Probe {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		endpoint:   endpoint,
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache,
		logger:     logger,
		maxRetries: 2,
	}
}

// Get returns the cached Info or probes the server for it. On failure it
// returns Fallback() alongside the error; the failure is not cached, so the
// next call probes again.
func (p *Probe) Get(ctx context.Context) (Info, error) {
	if info, ok := p.cache.Get(ctx); ok {
		return info, nil
	}

	var info Info
	op := func() error {
		fetched, err := p.fetch(ctx)
		if err != nil {
			return err
		}
		info = fetched
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		p.logger.Warn("server info probe failed; using JSON batch fallback", zap.Error(err))
		return Fallback(), fmt.Errorf("serverinfo: probe: %w", err)
	}

	p.cache.Put(ctx, info)
	p.logger.Debug("server info discovered",
		zap.String("version", info.Version),
		zap.Bool("multipart", info.BatchIngestConfig.UseMultipartEndpoint),
		zap.Bool("gzip", info.InstanceFlags.GzipBodyEnabled),
	)
	return info, nil
}

// fetch issues one GET /info attempt. 4xx responses are permanent — retrying
// a rejected credential or a missing route is pointless.
func (p *Probe) fetch(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/info", nil)
	if err != nil {
		return Info{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Info{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Info{}, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, backoff.Permanent(fmt.Errorf("unmarshal info: %w", err))
	}
	return info, nil
}
