// Package httpclient provides the retrying HTTP caller the transport and
// server-info probe dispatch through. Retry classification follows the
// taxonomy in package errs: transient statuses and network errors retry with
// decorrelated-jitter backoff, 429 honors Retry-After, 422 aborts the
// request, and 401/403 latch the caller off for the rest of the session.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arc-self/tracekit/errs"
	"github.com/arc-self/tracekit/internal/obsmetrics"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// transientStatus is the exact set of response codes worth another attempt.
var transientStatus = map[int]bool{
	408: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// Config carries the knobs the caller needs; zero values fall back to the
// defaults noted per field.
type Config struct {
	MaxRetries     int           // attempts = MaxRetries total; default 6
	AttemptTimeout time.Duration // per-attempt deadline; default 30s
	MaxConcurrency int64         // global in-flight bound; default 10
}

// Caller is a concurrency-bounded, retrying HTTP client. Safe for use by
// multiple goroutines.
type Caller struct {
	client  *retryablehttp.Client
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics *obsmetrics.Registry

	// disabled latches on after a 401/403 so the session stops hammering an
	// endpoint that will never accept it. Logged once.
	disabled    atomic.Bool
	disabledLog sync.Once

	mu        sync.Mutex
	prevSleep time.Duration
	rng       *rand.Rand
}

// New constructs a Caller.
func New(cfg Config, logger *zap.Logger, metrics *obsmetrics.Registry) *Caller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 6
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Caller{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:  logger,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.AttemptTimeout}
	rc.RetryMax = cfg.MaxRetries - 1 // RetryMax counts retries after the first attempt
	rc.Logger = nil
	rc.CheckRetry = c.checkRetry
	rc.Backoff = c.backoff
	// Keep the last response on retry exhaustion so Do can classify its
	// status instead of reporting a generic give-up error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.HTTPRetry()
			logger.Debug("retrying request",
				zap.String("url", req.URL.Path),
				zap.Int("attempt", attempt),
			)
		}
	}
	c.client = rc
	return c
}

// Disabled reports whether a 401/403 has latched the caller off.
func (c *Caller) Disabled() bool {
	return c.disabled.Load()
}

// Do issues one logical request: it blocks for an in-flight slot, runs the
// attempt/retry loop, and returns the final status and body. A non-2xx final
// status is returned as a classified *errs.HTTPError.
func (c *Caller) Do(ctx context.Context, method, url string, body []byte, header http.Header) (int, []byte, error) {
	if c.disabled.Load() {
		return 0, nil, fmt.Errorf("httpclient: %w: sends disabled for this session", errs.ErrUnauthorized)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("httpclient: acquire slot: %w", err)
	}
	defer c.sem.Release(1)

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rawBody)
	if err != nil {
		return 0, nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("httpclient: %w: %v", errs.ErrTransientNetwork, ctx.Err())
		}
		return 0, nil, fmt.Errorf("httpclient: %w: %v", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, raw, nil
	}

	kind := errs.FromStatus(resp.StatusCode)
	if errors.Is(kind, errs.ErrUnauthorized) {
		c.disabled.Store(true)
		c.disabledLog.Do(func() {
			c.logger.Error("endpoint rejected credentials; disabling sends for this session",
				zap.Int("status", resp.StatusCode),
			)
		})
	}
	return resp.StatusCode, raw, &errs.HTTPError{Kind: kind, Status: resp.StatusCode, Body: truncate(raw, 512)}
}

// checkRetry implements the retry decision: network errors and the transient
// status set retry; everything else (including 422 and 401/403) stops the
// loop so Do can classify the final response.
func (c *Caller) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return transientStatus[resp.StatusCode], nil
}

// backoff returns the sleep before the next attempt. A 429 with a parseable
// Retry-After is honored exactly; otherwise decorrelated jitter starting from
// backoffBase, capped at backoffCap.
func (c *Caller) backoff(_, _ time.Duration, _ int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.prevSleep
	if prev < backoffBase {
		prev = backoffBase
	}
	upper := 3 * prev
	if upper > backoffCap {
		upper = backoffCap
	}
	sleep := backoffBase + time.Duration(c.rng.Int63n(int64(upper-backoffBase)+1))
	c.prevSleep = sleep
	return sleep
}

// parseRetryAfter handles both forms the header may take: integer seconds or
// an HTTP-date.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
