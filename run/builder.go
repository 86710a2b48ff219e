package run

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/tracekit/dottedorder"
)

// ParentRef is the minimal handle a builder needs to attach a new run under
// an existing one: the trace it belongs to and the parent's own dotted
// order, so the child's segment can be appended to it.
type ParentRef struct {
	TraceID     string
	DottedOrder string
	RunID       string
}

// HideFunc transforms a run's inputs or outputs before they are enqueued —
// e.g. to redact secrets. It may be synchronous or perform async work; the
// context allows the caller to bound that work.
type HideFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Builder assembles Run values with correctly derived identity and
// dotted-order fields.
type Builder struct {
	Now          func() time.Time
	HideInputs   HideFunc
	HideOutputs  HideFunc
	SessionName  string
}

// NewBuilder constructs a Builder with sane defaults (real wall clock, no
// hide transforms).
func NewBuilder() *Builder {
	return &Builder{Now: time.Now}
}

// NewRunParams carries the user-supplied fields for a new run.
type NewRunParams struct {
	ID      string // optional; assigned if empty
	Name    string
	RunType Type
	Inputs  map[string]any
	Extra   map[string]any
	Tags    []string
	Parent  *ParentRef // nil for a root run
	// ExecutionOrder disambiguates siblings created within the same
	// sub-millisecond window; callers (typically the tracer context) are
	// responsible for making it unique per parent.
	ExecutionOrder int
}

// Build assembles a new Run from params, assigning an id if missing,
// deriving trace_id and dotted_order from the parent (if any), and applying the
// configured HideInputs transform.
func (b *Builder) Build(ctx context.Context, p NewRunParams) (*Run, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := b.Now()
	startTime := now.UnixMilli()

	r := &Run{
		ID:          id,
		Name:        p.Name,
		RunType:     p.RunType,
		Inputs:      p.Inputs,
		Extra:       p.Extra,
		Tags:        p.Tags,
		StartTime:   startTime,
		SessionName: b.SessionName,
	}

	if p.Parent == nil {
		r.TraceID = id
		r.DottedOrder = dottedorder.Encode(now, id, p.ExecutionOrder)
	} else {
		r.TraceID = p.Parent.TraceID
		r.ParentRunID = p.Parent.RunID
		seg := dottedorder.Encode(now, id, p.ExecutionOrder)
		r.DottedOrder = dottedorder.Join(p.Parent.DottedOrder, seg)
	}

	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}

	if b.HideInputs != nil {
		hidden, err := b.HideInputs(ctx, r.Inputs)
		if err != nil {
			return nil, err
		}
		r.Inputs = hidden
	}

	return r, nil
}

// ApplyOutputs applies the configured HideOutputs transform (if any) and
// sets end_time/outputs/error on an update, used when finalizing a run.
func (b *Builder) ApplyOutputs(ctx context.Context, outputs map[string]any, runErr string) (Update, error) {
	u := Update{Error: runErr}
	if outputs != nil {
		if b.HideOutputs != nil {
			hidden, err := b.HideOutputs(ctx, outputs)
			if err != nil {
				return Update{}, err
			}
			outputs = hidden
		}
		u.Outputs = outputs
	}
	end := b.Now().UnixMilli()
	u.EndTime = &end
	return u, nil
}
