// Package obsmetrics provides the SDK's internal operational metrics: plain
// atomic counters/gauges always available for in-process assertions, and
// optional mirroring into OpenTelemetry metric instruments when an OTLP
// collector endpoint is configured. Only the SDK's own queue/cache/transport
// counters are exported; no user trace data leaves through this path.
package obsmetrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Registry holds the SDK's internal counters/gauges. The zero value keeps
// in-process counters only; New additionally wires OTLP export. A nil
// *Registry is safe to call methods on (all are no-ops), so components may
// be wired optionally.
type Registry struct {
	queueDepth      atomic.Int64
	queuedBytes     atomic.Int64
	batchesOK       atomic.Int64
	batchesFailed   atomic.Int64
	httpRetries     atomic.Int64
	sampledIn       atomic.Int64
	sampledOut      atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	cacheRefreshes  atomic.Int64
	cacheRefreshErr atomic.Int64

	otel *otelInstruments
}

type otelInstruments struct {
	mp             *sdkmetric.MeterProvider
	queueDepthGge  metric.Int64UpDownCounter
	queuedBytesGge metric.Int64UpDownCounter
	batchCounter   metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// New constructs a Registry. If otlpEndpoint is non-empty, SDK metrics are
// additionally exported via OTLP/gRPC; ctx bounds only that exporter setup,
// not the Registry's lifetime.
func New(ctx context.Context, serviceName, otlpEndpoint string) (*Registry, error) {
	r := &Registry{}
	if otlpEndpoint == "" {
		return r, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(otlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return r, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("github.com/arc-self/tracekit")
	inst := &otelInstruments{mp: mp}
	inst.queueDepthGge, err = meter.Int64UpDownCounter("tracekit.queue.depth")
	if err != nil {
		return r, err
	}
	inst.queuedBytesGge, err = meter.Int64UpDownCounter("tracekit.queue.bytes")
	if err != nil {
		return r, err
	}
	inst.batchCounter, err = meter.Int64Counter("tracekit.batch.dispatched")
	if err != nil {
		return r, err
	}
	inst.retryCounter, err = meter.Int64Counter("tracekit.http.retries")
	if err != nil {
		return r, err
	}
	r.otel = inst
	return r, nil
}

// Shutdown flushes and tears down the OTLP exporter, if one was configured.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r == nil || r.otel == nil {
		return nil
	}
	return r.otel.mp.Shutdown(ctx)
}

func (r *Registry) SetQueueDepth(delta int64) {
	if r == nil {
		return
	}
	r.queueDepth.Add(delta)
	if r.otel != nil {
		r.otel.queueDepthGge.Add(context.Background(), delta)
	}
}

func (r *Registry) SetQueuedBytes(delta int64) {
	if r == nil {
		return
	}
	r.queuedBytes.Add(delta)
	if r.otel != nil {
		r.otel.queuedBytesGge.Add(context.Background(), delta)
	}
}

func (r *Registry) BatchSucceeded() {
	if r == nil {
		return
	}
	r.batchesOK.Add(1)
	if r.otel != nil {
		r.otel.batchCounter.Add(context.Background(), 1, metric.WithAttributes())
	}
}

func (r *Registry) BatchFailed() {
	if r == nil {
		return
	}
	r.batchesFailed.Add(1)
}

func (r *Registry) HTTPRetry() {
	if r == nil {
		return
	}
	r.httpRetries.Add(1)
	if r.otel != nil {
		r.otel.retryCounter.Add(context.Background(), 1)
	}
}

func (r *Registry) Sampled(emitted bool) {
	if r == nil {
		return
	}
	if emitted {
		r.sampledIn.Add(1)
	} else {
		r.sampledOut.Add(1)
	}
}

func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Add(1)
}

func (r *Registry) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Add(1)
}

func (r *Registry) CacheRefresh(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.cacheRefreshes.Add(1)
	} else {
		r.cacheRefreshErr.Add(1)
	}
}

// Snapshot is a point-in-time copy of every counter, for assertions and
// diagnostics.
type Snapshot struct {
	QueueDepth      int64
	QueuedBytes     int64
	BatchesOK       int64
	BatchesFailed   int64
	HTTPRetries     int64
	SampledIn       int64
	SampledOut      int64
	CacheHits       int64
	CacheMisses     int64
	CacheRefreshes  int64
	CacheRefreshErr int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		QueueDepth:      r.queueDepth.Load(),
		QueuedBytes:     r.queuedBytes.Load(),
		BatchesOK:       r.batchesOK.Load(),
		BatchesFailed:   r.batchesFailed.Load(),
		HTTPRetries:     r.httpRetries.Load(),
		SampledIn:       r.sampledIn.Load(),
		SampledOut:      r.sampledOut.Load(),
		CacheHits:       r.cacheHits.Load(),
		CacheMisses:     r.cacheMisses.Load(),
		CacheRefreshes:  r.cacheRefreshes.Load(),
		CacheRefreshErr: r.cacheRefreshErr.Load(),
	}
}
