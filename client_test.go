package tracekit_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tracekit "github.com/arc-self/tracekit"
	"github.com/arc-self/tracekit/batch"
	"github.com/arc-self/tracekit/config"
	"github.com/arc-self/tracekit/dottedorder"
	"github.com/arc-self/tracekit/run"
)

// recorder captures dispatched batches in place of the HTTP transport.
type recorder struct {
	mu      sync.Mutex
	batches [][]batch.Operation
}

func (r *recorder) Dispatch(_ context.Context, ops []batch.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ops)
	return nil
}

func (r *recorder) snapshot() [][]batch.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]batch.Operation, len(r.batches))
	copy(out, r.batches)
	return out
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.APIKey = "test-key"
	cfg.DefaultProject = "test-project"
	cfg.AutoFlushInterval = 20 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	return cfg
}

// ── Run tree construction ───────────────────────────────────────────────────

func TestStartRun_ChildInheritsTraceAndExtendsDottedOrder(t *testing.T) {
	rec := &recorder{}
	c, err := tracekit.NewClient(testConfig(), tracekit.WithDispatcher(rec), tracekit.WithoutPromptCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	ctx, root, err := c.StartRun(context.Background(), tracekit.RunParams{
		Name: "agent", RunType: run.TypeChain, Inputs: map[string]any{"q": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, root.TraceID)

	_, child, err := c.StartRun(ctx, tracekit.RunParams{
		Name: "llm-call", RunType: run.TypeLLM,
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.TraceID)
	assert.Equal(t, root.ID, child.ParentRunID)
	assert.True(t, len(child.DottedOrder) > len(root.DottedOrder))
	assert.Equal(t, root.DottedOrder, child.DottedOrder[:len(root.DottedOrder)])

	// The persisted dotted-order parses back to the run's own fields.
	parsed, err := dottedorder.Parse(child.DottedOrder)
	require.NoError(t, err)
	assert.Equal(t, child.ID, parsed.ID)
	assert.Equal(t, child.TraceID, parsed.TraceID)
	assert.Equal(t, child.ParentRunID, parsed.ParentRunID)
}

func TestCreateThenEnd_CoalescesIntoOnePost(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.ManualFlushMode = true
	c, err := tracekit.NewClient(cfg, tracekit.WithDispatcher(rec), tracekit.WithoutPromptCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	r, err := c.CreateRun(context.Background(), tracekit.RunParams{
		Name: "t", RunType: run.TypeLLM, Inputs: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	require.NoError(t, c.EndRun(context.Background(), r, map[string]any{"answer": "42"}, ""))
	require.NoError(t, c.Flush(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	op := batches[0][0]
	assert.Equal(t, batch.KindPost, op.Kind)
	assert.Equal(t, map[string]any{"answer": "42"}, op.Post.Outputs)
	assert.NotNil(t, op.Post.EndTime)
	assert.True(t, r.Finalized())
}

func TestTracingDisabled_BuildsButNeverDispatches(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.TracingEnabled = false
	c, err := tracekit.NewClient(cfg, tracekit.WithDispatcher(rec), tracekit.WithoutPromptCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	r, err := c.CreateRun(context.Background(), tracekit.RunParams{Name: "t", RunType: run.TypeLLM})
	require.NoError(t, err)
	assert.NotEmpty(t, r.DottedOrder)

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, rec.snapshot())
}

// ── Wire-level batch shape ──────────────────────────────────────────────────

func TestBatchedPost_WireShape(t *testing.T) {
	type captured struct {
		path string
		body []byte
	}
	var mu sync.Mutex
	var requests []captured

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.Write([]byte(`{"version":"t","batch_ingest_config":{"size_limit":100,"size_limit_bytes":20971520},"instance_flags":{}}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, captured{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	c, err := tracekit.NewClient(cfg, tracekit.WithoutPromptCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	_, err = c.CreateRun(context.Background(), tracekit.RunParams{
		Name: "t", RunType: run.TypeLLM, Inputs: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/runs/batch", requests[0].path)

	var envelope struct {
		Post  []map[string]any `json:"post"`
		Patch []map[string]any `json:"patch"`
	}
	require.NoError(t, json.Unmarshal(requests[0].body, &envelope))
	require.Len(t, envelope.Post, 1)
	assert.Empty(t, envelope.Patch)
	assert.Equal(t, "t", envelope.Post[0]["name"])
	assert.Equal(t, map[string]any{"text": "hi"}, envelope.Post[0]["inputs"])
}

// ── Root finalization ordering ──────────────────────────────────────────────

func TestRootFinalization_ThreeOrderedBatches(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.BlockOnRootFinalization = true
	c, err := tracekit.NewClient(cfg, tracekit.WithDispatcher(rec), tracekit.WithoutPromptCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	r, err := c.CreateRun(context.Background(), tracekit.RunParams{Name: "r1", RunType: run.TypeChain})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.EndRun(context.Background(), r, map[string]any{"ok": true}, ""))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	_, err = c.CreateRun(context.Background(), tracekit.RunParams{Name: "r2", RunType: run.TypeChain})
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 3)
	assert.Equal(t, batch.KindPost, batches[0][0].Kind)
	assert.Equal(t, batch.KindPatch, batches[1][0].Kind)
	assert.Equal(t, r.ID, batches[1][0].ID)
	assert.Equal(t, batch.KindPost, batches[2][0].Kind)
	assert.Equal(t, "r2", batches[2][0].Post.Name)
}

// ── Prompt access ───────────────────────────────────────────────────────────

func TestGetPrompt_FetchesOnceThenServesFromCache(t *testing.T) {
	rec := &recorder{}
	var fetches int
	fetch := func(_ context.Context, key string) (any, error) {
		fetches++
		return "tmpl:" + key, nil
	}

	cfg := testConfig()
	c, err := tracekit.NewClient(cfg, tracekit.WithDispatcher(rec))
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	v, err := c.GetPrompt(context.Background(), "welcome", fetch)
	require.NoError(t, err)
	assert.Equal(t, "tmpl:welcome", v)

	v, err = c.GetPrompt(context.Background(), "welcome", fetch)
	require.NoError(t, err)
	assert.Equal(t, "tmpl:welcome", v)
	assert.Equal(t, 1, fetches)
}
