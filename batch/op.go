// Package batch implements the auto-batching ingest queue: coalescing
// create/update operations per run, applying size thresholds, sampling, and
// drain triggers on count, bytes, and root finalization.
package batch

import "github.com/arc-self/tracekit/run"

// Kind tags which variant an Operation carries.
type Kind int

const (
	KindPost Kind = iota
	KindPatch
)

func (k Kind) String() string {
	if k == KindPost {
		return "post"
	}
	return "patch"
}

// Operation is the batch-queue element: a tagged union of a create (Post)
// or update (Patch), plus a memoized serialized size used for threshold
// accounting.
type Operation struct {
	Kind    Kind
	ID      string
	TraceID string

	Post  *run.Run
	Patch *run.Update

	bytes int
}

// NewPost builds a post Operation and memoizes its serialized size.
func NewPost(r *run.Run) (Operation, error) {
	size, err := run.PayloadSize(r)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Kind: KindPost, ID: r.ID, TraceID: r.TraceID, Post: r, bytes: size}, nil
}

// NewPatch builds a patch Operation and memoizes its serialized size.
func NewPatch(id, traceID string, u *run.Update) (Operation, error) {
	size, err := run.PayloadSize(u)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Kind: KindPatch, ID: id, TraceID: traceID, Patch: u, bytes: size}, nil
}

// Bytes returns the memoized serialized size of the operation's payload.
func (o Operation) Bytes() int {
	return o.bytes
}

// recomputeBytes refreshes the memoized size after an in-place merge; it
// never fails in practice (the payload was already successfully sized once)
// but surfaces an error rather than panicking on the pathological case.
func (o *Operation) recomputeBytes() error {
	var v any
	if o.Kind == KindPost {
		v = o.Post
	} else {
		v = o.Patch
	}
	size, err := run.PayloadSize(v)
	if err != nil {
		return err
	}
	o.bytes = size
	return nil
}
