// Package tracekit is a trace-ingest client SDK: it assembles hierarchical
// run trees describing LLM/agent executions and ships them to an
// observability backend through an auto-batching, retrying pipeline. Run
// creation and update never fail because of the network — a dead backend
// degrades to logged drops, not application errors. They do not wait on the
// network either, with one exception: in BlockOnRootFinalization mode the
// update that ends a root run waits until its batch has been sent.
package tracekit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/tracekit/batch"
	"github.com/arc-self/tracekit/config"
	"github.com/arc-self/tracekit/errs"
	"github.com/arc-self/tracekit/httpclient"
	"github.com/arc-self/tracekit/internal/obsmetrics"
	"github.com/arc-self/tracekit/promptcache"
	"github.com/arc-self/tracekit/run"
	"github.com/arc-self/tracekit/serverinfo"
	"github.com/arc-self/tracekit/tracectx"
	"github.com/arc-self/tracekit/transport"
)

// Client is the trace-ingest client. Construct with NewClient or
// NewClientFromEnv; Shutdown when done. Safe for concurrent use.
type Client struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *obsmetrics.Registry
	builder *run.Builder
	queue   *batch.Queue
	caller  *httpclient.Caller
	cache   *promptcache.Cache

	stopLoop context.CancelFunc
	closed   atomic.Bool
}

// Option customizes client construction.
type Option func(*clientOptions)

type clientOptions struct {
	logger      *zap.Logger
	hideInputs  run.HideFunc
	hideOutputs run.HideFunc
	infoCache   serverinfo.Cache
	dispatcher  batch.Dispatcher
	cache       *promptcache.Cache
	noCache     bool
}

// WithLogger supplies a structured logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithHideInputs transforms run inputs before they are queued, e.g. to
// redact secrets.
func WithHideInputs(f run.HideFunc) Option {
	return func(o *clientOptions) { o.hideInputs = f }
}

// WithHideOutputs transforms run outputs before they are queued.
func WithHideOutputs(f run.HideFunc) Option {
	return func(o *clientOptions) { o.hideOutputs = f }
}

// WithServerInfoCache replaces the in-memory capability cache, e.g. with the
// Redis-backed one so a fleet probes once.
func WithServerInfoCache(c serverinfo.Cache) Option {
	return func(o *clientOptions) { o.infoCache = c }
}

// WithDispatcher replaces the HTTP transport with a custom batch dispatcher.
func WithDispatcher(d batch.Dispatcher) Option {
	return func(o *clientOptions) { o.dispatcher = d }
}

// WithPromptCache attaches a locally-owned prompt cache instead of the
// process-wide shared one.
func WithPromptCache(c *promptcache.Cache) Option {
	return func(o *clientOptions) { o.cache = c }
}

// WithoutPromptCache severs this client's prompt-cache reference. The shared
// singleton and other clients are unaffected.
func WithoutPromptCache() Option {
	return func(o *clientOptions) { o.noCache = true }
}

// NewClientFromEnv builds a client from the process environment.
func NewClientFromEnv(opts ...Option) (*Client, error) {
	return NewClient(config.FromEnviron(), opts...)
}

// NewClient builds a client from an explicit configuration record.
func NewClient(cfg config.Config, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics, err := obsmetrics.New(context.Background(), "tracekit", cfg.OTLPEndpoint)
	if err != nil {
		// Metric export is auxiliary; the in-process counters still work.
		logger.Warn("metric exporter init failed", zap.Error(err))
	}

	caller := httpclient.New(httpclient.Config{
		MaxRetries:     cfg.MaxRetries,
		AttemptTimeout: cfg.HTTPTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	}, logger, metrics)

	dispatcher := o.dispatcher
	if dispatcher == nil {
		probe := serverinfo.NewProbe(cfg.Endpoint, cfg.APIKey, cfg.UserAgent, o.infoCache, logger)
		dispatcher = transport.New(
			cfg.Endpoint, cfg.APIKey, cfg.DefaultProject, cfg.UserAgent,
			caller, probe, logger, metrics,
		)
	}

	queue := batch.NewQueue(batch.Config{
		SizeLimit:               cfg.BatchSizeLimit,
		SizeBytesLimit:          cfg.BatchSizeBytesLimit,
		ManualFlushMode:         cfg.ManualFlushMode,
		BlockOnRootFinalization: cfg.BlockOnRootFinalization,
		SamplingRate:            cfg.SamplingRate,
		MaxInFlight:             cfg.MaxConcurrency,
		HighWaterMark:           cfg.HighWaterMark,
		AutoFlushInterval:       cfg.AutoFlushInterval,
	}, dispatcher, logger, metrics)

	cache := o.cache
	if cache == nil && !o.noCache {
		cache = promptcache.Shared()
	}

	builder := &run.Builder{
		Now:         time.Now,
		HideInputs:  o.hideInputs,
		HideOutputs: o.hideOutputs,
		SessionName: cfg.DefaultProject,
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		builder:  builder,
		queue:    queue,
		caller:   caller,
		cache:    cache,
		stopLoop: cancel,
	}
	go queue.Start(loopCtx)

	return c, nil
}

// RunParams carries the user-supplied fields for a new run.
type RunParams struct {
	ID          string // optional; assigned when empty
	Name        string
	RunType     run.Type
	Inputs      map[string]any
	Extra       map[string]any
	Tags        []string
	Attachments []run.Attachment
	Project     string // overrides the client default project for this run
	// Parent explicitly places the run under an existing one. When nil, the
	// ambient run from the context (if any) is the parent.
	Parent *run.ParentRef
}

// StartRun creates a run, queues its create operation, and returns a context
// carrying the run as the ambient parent for children started under it.
func (c *Client) StartRun(ctx context.Context, p RunParams) (context.Context, *run.Run, error) {
	r, err := c.CreateRun(ctx, p)
	if err != nil {
		return ctx, nil, err
	}
	child := tracectx.WithCurrent(ctx, &tracectx.RunTree{
		RunID:       r.ID,
		TraceID:     r.TraceID,
		DottedOrder: r.DottedOrder,
	})
	return child, r, nil
}

// CreateRun assembles a run and queues its create operation. The parent is
// taken from p.Parent, falling back to the ambient run in ctx. Transport
// failures never surface here; the call blocks only when the queue is above
// its high-water mark.
func (c *Client) CreateRun(ctx context.Context, p RunParams) (*run.Run, error) {
	if c.closed.Load() {
		return nil, errors.New("tracekit: client is shut down")
	}

	params := run.NewRunParams{
		ID:      p.ID,
		Name:    p.Name,
		RunType: p.RunType,
		Inputs:  p.Inputs,
		Extra:   p.Extra,
		Tags:    p.Tags,
		Parent:  p.Parent,
	}
	if params.Parent == nil {
		if rt, ok := tracectx.Current(ctx); ok {
			params.Parent = &run.ParentRef{
				TraceID:     rt.TraceID,
				DottedOrder: rt.DottedOrder,
				RunID:       rt.RunID,
			}
			params.ExecutionOrder = rt.NextChildOrder()
		}
	}

	r, err := c.builder.Build(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tracekit: build run: %w", err)
	}
	r.Attachments = p.Attachments
	if p.Project != "" {
		r.SessionName = p.Project
	}

	if !c.cfg.TracingEnabled {
		return r, nil
	}
	if err := c.queue.EnqueuePost(ctx, r); err != nil {
		return r, fmt.Errorf("tracekit: enqueue create: %w", err)
	}
	return r, nil
}

// UpdateRun queues an update for an existing run.
func (c *Client) UpdateRun(ctx context.Context, id, traceID string, u run.Update) error {
	if c.closed.Load() {
		return errors.New("tracekit: client is shut down")
	}
	if !c.cfg.TracingEnabled {
		return nil
	}
	u.ID = id
	u.TraceID = traceID
	if err := c.queue.EnqueuePatch(ctx, id, traceID, &u); err != nil {
		return fmt.Errorf("tracekit: enqueue update: %w", err)
	}
	return nil
}

// EndRun finalizes a run: outputs pass through the configured hide
// transform, end_time is stamped, and the update is queued. r is also
// updated in place so the caller sees the terminal state.
func (c *Client) EndRun(ctx context.Context, r *run.Run, outputs map[string]any, runErr string) error {
	u, err := c.builder.ApplyOutputs(ctx, outputs, runErr)
	if err != nil {
		return fmt.Errorf("tracekit: apply outputs: %w", err)
	}
	r.Merge(u)
	return c.UpdateRun(ctx, r.ID, r.TraceID, u)
}

// Flush drains everything queued and blocks until every resulting batch
// settles, returning any dispatch errors accumulated since the last Flush.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// AwaitPendingBatches blocks until all dispatched batches have settled.
func (c *Client) AwaitPendingBatches(ctx context.Context) error {
	return c.queue.AwaitPending(ctx)
}

// GetPrompt serves a prompt through the cache: hit returns the cached value;
// miss fetches, caches, and returns. With the cache severed it fetches
// directly.
func (c *Client) GetPrompt(ctx context.Context, key string, fetch promptcache.FetchFunc) (any, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
	}
	v, err := fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("tracekit: fetch prompt %q: %w", key, err)
	}
	if c.cache != nil {
		c.cache.Set(key, v, fetch)
	}
	return v, nil
}

// PromptCache exposes the client's prompt cache; nil when severed.
func (c *Client) PromptCache() *promptcache.Cache { return c.cache }

// Metrics returns a snapshot of the SDK's operational counters.
func (c *Client) Metrics() obsmetrics.Snapshot { return c.metrics.Snapshot() }

// Shutdown stops the aggregation loop and the prompt-cache refresh timer,
// drains the queue once, and waits up to the configured grace period for
// in-flight batches. Work still pending when the grace expires is logged and
// dropped.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopLoop()
	if c.cache != nil {
		c.cache.Stop()
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	defer cancel()

	err := c.queue.Flush(graceCtx)
	if graceCtx.Err() != nil {
		c.logger.Warn("shutdown grace expired with work pending",
			zap.Int("queued", c.queue.Depth()),
			zap.Error(errs.ErrShutdownIncomplete),
		)
	} else if err != nil {
		c.logger.Warn("dispatch errors during final drain", zap.Error(err))
	}

	if mErr := c.metrics.Shutdown(context.Background()); mErr != nil {
		c.logger.Warn("metric exporter shutdown failed", zap.Error(mErr))
	}
	return nil
}
