// Package tracectx propagates the ambient "current run" through
// context.Context so library code can attach child runs to the active parent
// without plumbing handles. Cross-process propagation uses a header pair:
// langsmith-trace carries the parent's dotted-order, baggage carries
// URL-encoded metadata.
package tracectx

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/arc-self/tracekit/dottedorder"
)

// Header names for cross-boundary propagation.
const (
	TraceHeader   = "langsmith-trace"
	BaggageHeader = "baggage"
)

type contextKey string

// currentKey is the context key for the active RunTree.
const currentKey contextKey = "current_run_tree"

// RunTree is the ambient handle for the run currently executing: enough
// identity to parent a child run under it, plus propagated metadata and a
// per-parent child sequence used to disambiguate sibling start order.
type RunTree struct {
	RunID       string
	TraceID     string
	DottedOrder string
	Baggage     map[string]string

	mu       sync.Mutex
	childSeq int
}

// NextChildOrder returns a per-parent execution order, unique across
// siblings created from this handle.
func (rt *RunTree) NextChildOrder() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.childSeq
	rt.childSeq++
	return n
}

// WithCurrent returns a context carrying rt as the active run.
func WithCurrent(ctx context.Context, rt *RunTree) context.Context {
	return context.WithValue(ctx, currentKey, rt)
}

// Current extracts the active run handle from the context.
func Current(ctx context.Context) (*RunTree, bool) {
	rt, ok := ctx.Value(currentKey).(*RunTree)
	if !ok || rt == nil {
		return nil, false
	}
	return rt, true
}

// Clear returns a context with no active run, ending a scoped execution.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, currentKey, (*RunTree)(nil))
}

// ToHeaders emits the propagation header pair for the active run. An empty
// map is returned when no run is active.
func ToHeaders(ctx context.Context) http.Header {
	h := make(http.Header)
	rt, ok := Current(ctx)
	if !ok {
		return h
	}
	h.Set(TraceHeader, rt.DottedOrder)
	if len(rt.Baggage) > 0 {
		h.Set(BaggageHeader, encodeBaggage(rt.Baggage))
	}
	return h
}

// FromHeaders reconstructs a parent run handle from the propagation headers.
// Returns false when no trace header is present or it does not parse.
func FromHeaders(h http.Header) (*RunTree, bool) {
	dotOrder := h.Get(TraceHeader)
	if dotOrder == "" {
		return nil, false
	}
	parsed, err := dottedorder.Parse(dotOrder)
	if err != nil {
		return nil, false
	}
	return &RunTree{
		RunID:       parsed.ID,
		TraceID:     parsed.TraceID,
		DottedOrder: dotOrder,
		Baggage:     decodeBaggage(h.Get(BaggageHeader)),
	}, true
}

// encodeBaggage renders metadata as comma-joined key=value pairs with
// URL-encoded members, in sorted key order so the header is deterministic.
func encodeBaggage(baggage map[string]string) string {
	keys := make([]string, 0, len(baggage))
	for k := range baggage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(baggage[k]))
	}
	return strings.Join(pairs, ",")
}

func decodeBaggage(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		out[key] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
