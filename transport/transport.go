package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/arc-self/tracekit/batch"
	"github.com/arc-self/tracekit/errs"
	"github.com/arc-self/tracekit/httpclient"
	"github.com/arc-self/tracekit/internal/obsmetrics"
	"github.com/arc-self/tracekit/serverinfo"
)

// Transport ships drained batches to the ingest backend, choosing the
// encoding from the capabilities the server-info probe discovered.
type Transport struct {
	endpoint  string
	apiKey    string
	project   string
	userAgent string

	caller  *httpclient.Caller
	probe   *serverinfo.Probe
	logger  *zap.Logger
	metrics *obsmetrics.Registry
}

// New constructs a Transport.
func New(endpoint, apiKey, project, userAgent string, caller *httpclient.Caller, probe *serverinfo.Probe, logger *zap.Logger, metrics *obsmetrics.Registry) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		endpoint:  endpoint,
		apiKey:    apiKey,
		project:   project,
		userAgent: userAgent,
		caller:    caller,
		probe:     probe,
		logger:    logger,
		metrics:   metrics,
	}
}

// Dispatch sends one batch as a single HTTP request. Encoding and gzip are
// negotiated from the probed server capabilities; when the probe fails the
// classic JSON batch endpoint is used without gzip. A 404 from the batch
// endpoint falls back to per-operation single-run requests.
func (t *Transport) Dispatch(ctx context.Context, ops []batch.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	info, probeErr := t.probe.Get(ctx)
	useMultipart := probeErr == nil && info.BatchIngestConfig.UseMultipartEndpoint
	useGzip := probeErr == nil && info.InstanceFlags.GzipBodyEnabled

	var (
		body        []byte
		contentType string
		path        string
		err         error
	)
	if useMultipart {
		body, contentType, err = EncodeMultipart(ops)
		path = "/runs/multipart"
	} else {
		body, err = EncodeJSONEnvelope(ops)
		contentType = "application/json"
		path = "/runs/batch"
	}
	if err != nil {
		return fmt.Errorf("transport: %w: %v", errs.ErrClientBug, err)
	}

	header := t.baseHeader()
	header.Set("Content-Type", contentType)
	if useGzip {
		body, err = gzipBody(body)
		if err != nil {
			return fmt.Errorf("transport: %w: %v", errs.ErrClientBug, err)
		}
		header.Set("Content-Encoding", "gzip")
	}

	status, _, err := t.caller.Do(ctx, http.MethodPost, t.endpoint+path, body, header)
	if err == nil {
		t.metrics.BatchSucceeded()
		return nil
	}
	if status == http.StatusNotFound {
		t.logger.Warn("batch endpoint unavailable; falling back to single-run requests",
			zap.String("path", path))
		return t.dispatchSingles(ctx, ops)
	}

	t.metrics.BatchFailed()
	t.logBatchFailure(err, len(ops))
	return fmt.Errorf("transport: dispatch %d ops: %w", len(ops), err)
}

// dispatchSingles replays each operation against the single-run endpoints:
// POST /runs for creates, PATCH /runs/<id> for updates. A failed op drops
// alone; the rest continue.
func (t *Transport) dispatchSingles(ctx context.Context, ops []batch.Operation) error {
	var firstErr error
	for _, op := range ops {
		var (
			method string
			path   string
			v      any
		)
		if op.Kind == batch.KindPost {
			method, path, v = http.MethodPost, "/runs", op.Post
		} else {
			method, path, v = http.MethodPatch, "/runs/"+op.ID, op.Patch
		}

		body, err := EncodeJSONBody(v)
		if err != nil {
			t.logger.Error("dropping op with unserializable payload",
				zap.String("run_id", op.ID), zap.Error(err))
			continue
		}

		header := t.baseHeader()
		header.Set("Content-Type", "application/json")
		if _, _, err := t.caller.Do(ctx, method, t.endpoint+path, body, header); err != nil {
			t.metrics.BatchFailed()
			t.logBatchFailure(err, 1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.metrics.BatchSucceeded()
	}
	if firstErr != nil {
		return fmt.Errorf("transport: single-run fallback: %w", firstErr)
	}
	return nil
}

func (t *Transport) baseHeader() http.Header {
	header := make(http.Header)
	if t.apiKey != "" {
		header.Set("x-api-key", t.apiKey)
	}
	if t.project != "" {
		header.Set("Langsmith-Project", t.project)
	}
	header.Set("User-Agent", t.userAgent)
	return header
}

// logBatchFailure applies the per-kind log levels: validation rejections at
// WARN, credential failures once at ERROR (the caller handles the once),
// everything else at ERROR.
func (t *Transport) logBatchFailure(err error, opCount int) {
	switch {
	case errors.Is(err, errs.ErrValidationRejected):
		t.logger.Warn("batch rejected by server validation; dropping",
			zap.Int("ops", opCount), zap.Error(err))
	case errors.Is(err, errs.ErrUnauthorized):
		// Already logged once by the caller when the latch flipped.
	default:
		t.logger.Error("batch send failed", zap.Int("ops", opCount), zap.Error(err))
	}
}
