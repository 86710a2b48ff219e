package batch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arc-self/tracekit/internal/obsmetrics"
	"github.com/arc-self/tracekit/run"
)

// Dispatcher ships one assembled batch. The transport implements it; tests
// substitute a recorder.
type Dispatcher interface {
	Dispatch(ctx context.Context, ops []Operation) error
}

// Config carries the queue thresholds and modes.
type Config struct {
	// SizeLimit is the maximum operation count per batch.
	SizeLimit int
	// SizeBytesLimit is the maximum serialized payload bytes per batch.
	SizeBytesLimit int64
	// ManualFlushMode suppresses every automatic drain; only Flush drains.
	ManualFlushMode bool
	// BlockOnRootFinalization drains immediately when a root run's end_time
	// patch is enqueued, and blocks the enqueue until that drain settles.
	BlockOnRootFinalization bool
	// SamplingRate is the probability a root run (and with it, its whole
	// trace) is emitted. 1.0 emits everything; zero or negative is treated
	// as 1.0.
	SamplingRate float64
	// MaxInFlight bounds concurrently dispatching batches.
	MaxInFlight int64
	// HighWaterMark bounds total queued+in-flight operations; enqueues block
	// above it.
	HighWaterMark int
	// AutoFlushInterval is how long a sub-threshold op may sit queued before
	// the aggregation timer drains it. Ignored in manual-flush mode.
	AutoFlushInterval time.Duration
}

// Queue is the auto-batching ingest queue. Enqueues coalesce a patch into a
// still-queued post for the same run, account serialized bytes, and trigger
// drains on count, bytes, or root finalization. Safe for concurrent use.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *obsmetrics.Registry

	mu          sync.Mutex
	fifo        []*Operation
	pendingPost map[string]*Operation
	pendingPatch map[string]*Operation
	queuedBytes int64
	sampledOut  map[string]struct{}
	rng         *rand.Rand

	tokens   chan struct{}
	dispatch *semaphore.Weighted
	inFlight sync.WaitGroup

	errMu     sync.Mutex
	drainErrs error
}

// NewQueue constructs a Queue. Zero-valued thresholds fall back to 100 ops /
// 20 MiB / 10 in-flight / 10000 high-water; a zero sampling rate falls back
// to 1.0 and a zero auto-flush interval to 250 ms.
func NewQueue(cfg Config, dispatcher Dispatcher, logger *zap.Logger, metrics *obsmetrics.Registry) *Queue {
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = 100
	}
	if cfg.SizeBytesLimit <= 0 {
		cfg.SizeBytesLimit = 20 * 1024 * 1024
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 10000
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}
	if cfg.AutoFlushInterval <= 0 {
		cfg.AutoFlushInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:          cfg,
		dispatcher:   dispatcher,
		logger:       logger,
		metrics:      metrics,
		pendingPost:  map[string]*Operation{},
		pendingPatch: map[string]*Operation{},
		sampledOut:   map[string]struct{}{},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		tokens:       make(chan struct{}, cfg.HighWaterMark),
		dispatch:     semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// EnqueuePost queues a create operation. Returns once the op is queued; it
// blocks only above the high-water mark. Transport failures never surface
// here.
func (q *Queue) EnqueuePost(ctx context.Context, r *run.Run) error {
	if !q.admit(r) {
		return nil
	}

	op, err := NewPost(r)
	if err != nil {
		q.logger.Error("dropping run with unserializable payload",
			zap.String("run_id", r.ID), zap.Error(err))
		return nil
	}

	if err := q.acquireToken(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	q.fifo = append(q.fifo, &op)
	q.pendingPost[op.ID] = &op
	q.queuedBytes += int64(op.Bytes())
	q.metrics.SetQueueDepth(1)
	q.metrics.SetQueuedBytes(int64(op.Bytes()))
	shouldDrain := q.overThresholdLocked()
	q.mu.Unlock()

	if shouldDrain && !q.cfg.ManualFlushMode {
		q.drain(false)
	}
	return nil
}

// EnqueuePatch queues an update operation. A patch whose post is still
// queued overlays the post in place ("patch wins") instead of adding a
// second op; likewise consecutive patches for the same run coalesce. A root
// end_time patch in BlockOnRootFinalization mode drains immediately and
// blocks until that drain settles.
func (q *Queue) EnqueuePatch(ctx context.Context, id, traceID string, u *run.Update) error {
	q.mu.Lock()
	if _, dropped := q.sampledOut[traceID]; dropped {
		if isRootEnd(id, traceID, u) {
			delete(q.sampledOut, traceID)
		}
		q.mu.Unlock()
		return nil
	}

	if pending, ok := q.pendingPost[id]; ok {
		q.mergeLocked(pending, func() { pending.Post.Merge(*u) })
		shouldDrain := q.overThresholdLocked()
		rootEnd := isRootEnd(id, traceID, u) && q.cfg.BlockOnRootFinalization
		q.mu.Unlock()
		q.afterPatch(shouldDrain, rootEnd)
		return nil
	}
	if pending, ok := q.pendingPatch[id]; ok {
		q.mergeLocked(pending, func() { mergeUpdate(pending.Patch, u) })
		shouldDrain := q.overThresholdLocked()
		rootEnd := isRootEnd(id, traceID, u) && q.cfg.BlockOnRootFinalization
		q.mu.Unlock()
		q.afterPatch(shouldDrain, rootEnd)
		return nil
	}
	q.mu.Unlock()

	op, err := NewPatch(id, traceID, u)
	if err != nil {
		q.logger.Error("dropping update with unserializable payload",
			zap.String("run_id", id), zap.Error(err))
		return nil
	}

	if err := q.acquireToken(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	q.fifo = append(q.fifo, &op)
	q.pendingPatch[op.ID] = &op
	q.queuedBytes += int64(op.Bytes())
	q.metrics.SetQueueDepth(1)
	q.metrics.SetQueuedBytes(int64(op.Bytes()))
	shouldDrain := q.overThresholdLocked()
	q.mu.Unlock()

	q.afterPatch(shouldDrain, isRootEnd(id, traceID, u) && q.cfg.BlockOnRootFinalization)
	return nil
}

// Flush drains everything queued (in manual-flush mode too) and blocks until
// every resulting batch settles. It returns the dispatch errors accumulated
// since the previous Flush; enqueue paths never see them.
func (q *Queue) Flush(ctx context.Context) error {
	q.drain(true)
	if err := q.AwaitPending(ctx); err != nil {
		return err
	}

	q.errMu.Lock()
	defer q.errMu.Unlock()
	err := q.drainErrs
	q.drainErrs = nil
	return err
}

// AwaitPending blocks until every dispatched batch has settled, or ctx ends.
func (q *Queue) AwaitPending(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: await pending: %w", ctx.Err())
	}
}

// Start runs the aggregation timer loop: any op that sat queued below the
// size thresholds for a full interval is drained anyway. It blocks until ctx
// is cancelled, making it suitable for running inside a goroutine alongside
// the application:
//
//	go queue.Start(ctx)
//
// In manual-flush mode the loop idles; only Flush drains.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.AutoFlushInterval)
	defer ticker.Stop()

	q.logger.Debug("batch aggregation loop started",
		zap.Duration("interval", q.cfg.AutoFlushInterval))

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("batch aggregation loop stopping")
			return
		case <-ticker.C:
			if q.cfg.ManualFlushMode {
				continue
			}
			if q.Depth() > 0 {
				q.drain(false)
			}
		}
	}
}

// Depth reports queued (not yet drained) operation count.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// ── internals ─────────────────────────────────────────────────────────────

// admit applies sampling. The decision is made once, at the root; children
// and later patches follow the recorded per-trace verdict.
func (q *Queue) admit(r *run.Run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dropped := q.sampledOut[r.TraceID]; dropped {
		return false
	}
	if !r.IsRoot() || q.cfg.SamplingRate >= 1.0 {
		q.metrics.Sampled(true)
		return true
	}
	if q.rng.Float64() < q.cfg.SamplingRate {
		q.metrics.Sampled(true)
		return true
	}
	q.sampledOut[r.ID] = struct{}{}
	q.metrics.Sampled(false)
	return false
}

func (q *Queue) acquireToken(ctx context.Context) error {
	select {
	case q.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: enqueue backpressure: %w", ctx.Err())
	}
}

// mergeLocked overlays a patch into a pending op and re-accounts its bytes.
// Callers hold q.mu.
func (q *Queue) mergeLocked(pending *Operation, apply func()) {
	before := pending.Bytes()
	apply()
	if err := pending.recomputeBytes(); err != nil {
		q.logger.Error("resizing merged op failed", zap.String("run_id", pending.ID), zap.Error(err))
		return
	}
	delta := int64(pending.Bytes() - before)
	q.queuedBytes += delta
	q.metrics.SetQueuedBytes(delta)
}

func (q *Queue) overThresholdLocked() bool {
	return len(q.fifo) >= q.cfg.SizeLimit || q.queuedBytes >= q.cfg.SizeBytesLimit
}

func (q *Queue) afterPatch(shouldDrain, rootEnd bool) {
	if q.cfg.ManualFlushMode {
		return
	}
	if rootEnd {
		q.drain(true)
		return
	}
	if shouldDrain {
		q.drain(false)
	}
}

// drain snapshots the FIFO, slices it into batches, and dispatches them
// concurrently. With wait set it blocks until the batches created by this
// call settle; new enqueues are never blocked by a drain.
func (q *Queue) drain(wait bool) {
	q.mu.Lock()
	ops := q.fifo
	q.fifo = nil
	q.pendingPost = map[string]*Operation{}
	q.pendingPatch = map[string]*Operation{}
	released := q.queuedBytes
	q.queuedBytes = 0
	q.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	q.metrics.SetQueueDepth(int64(-len(ops)))
	q.metrics.SetQueuedBytes(-released)

	batches := q.slice(ops)

	var local sync.WaitGroup
	for _, b := range batches {
		b := b
		q.inFlight.Add(1)
		local.Add(1)
		go func() {
			defer q.inFlight.Done()
			defer local.Done()
			defer q.releaseTokens(len(b))

			ctx := context.Background()
			if err := q.dispatch.Acquire(ctx, 1); err != nil {
				return
			}
			defer q.dispatch.Release(1)

			flat := make([]Operation, len(b))
			for i, op := range b {
				flat[i] = *op
			}
			if err := q.dispatcher.Dispatch(ctx, flat); err != nil {
				q.recordDrainErr(err)
			}
		}()
	}
	if wait {
		local.Wait()
	}
}

// slice assigns each op, in FIFO order, to the first batch with room under
// both the count and bytes limits. An op larger than the bytes limit ships
// alone rather than being dropped.
func (q *Queue) slice(ops []*Operation) [][]*Operation {
	type open struct {
		ops   []*Operation
		bytes int64
	}
	var batches []*open
	for _, op := range ops {
		placed := false
		for _, b := range batches {
			if len(b.ops) >= q.cfg.SizeLimit {
				continue
			}
			if b.bytes+int64(op.Bytes()) > q.cfg.SizeBytesLimit && len(b.ops) > 0 {
				continue
			}
			b.ops = append(b.ops, op)
			b.bytes += int64(op.Bytes())
			placed = true
			break
		}
		if !placed {
			batches = append(batches, &open{ops: []*Operation{op}, bytes: int64(op.Bytes())})
		}
	}

	out := make([][]*Operation, len(batches))
	for i, b := range batches {
		out[i] = b.ops
	}
	return out
}

func (q *Queue) releaseTokens(n int) {
	for i := 0; i < n; i++ {
		select {
		case <-q.tokens:
		default:
		}
	}
}

func (q *Queue) recordDrainErr(err error) {
	q.errMu.Lock()
	q.drainErrs = multierr.Append(q.drainErrs, err)
	q.errMu.Unlock()
}

// isRootEnd reports whether the patch finalizes a root run.
func isRootEnd(id, traceID string, u *run.Update) bool {
	return u.EndTime != nil && id == traceID
}

// mergeUpdate overlays b onto a, later values winning, matching the
// post-merge overlay semantics: Extra merges key by key, and Tags and Events
// are appended.
func mergeUpdate(a, b *run.Update) {
	if b.Outputs != nil {
		a.Outputs = b.Outputs
	}
	if b.Error != "" {
		a.Error = b.Error
	}
	if b.EndTime != nil {
		a.EndTime = b.EndTime
	}
	if b.Extra != nil {
		if a.Extra == nil {
			a.Extra = map[string]any{}
		}
		for k, v := range b.Extra {
			a.Extra[k] = v
		}
	}
	if b.Tags != nil {
		a.Tags = append(a.Tags, b.Tags...)
	}
	if b.Events != nil {
		a.Events = append(a.Events, b.Events...)
	}
}
