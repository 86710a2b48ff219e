// Package run defines the Run schema, its builder, and the cycle-safe JSON
// serialization used to size and ship run payloads.
package run

// Type enumerates the kinds of execution span a Run can represent.
type Type string

const (
	TypeLLM       Type = "llm"
	TypeChain     Type = "chain"
	TypeTool      Type = "tool"
	TypeRetriever Type = "retriever"
	TypeEmbedding Type = "embedding"
	TypePrompt    Type = "prompt"
	TypeParser    Type = "parser"
)

// Event is one structured entry in a Run's ordered event log.
type Event struct {
	Name      string         `json:"name"`
	Time      int64          `json:"time"` // ms epoch
	KWArgs    map[string]any `json:"kwargs,omitempty"`
	RawOutput string         `json:"message,omitempty"`
}

// Attachment is a binary file shipped alongside a run on the multipart
// endpoint. It never appears in the JSON body; the transport emits it as its
// own form part.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Run is the central entity of the trace-ingest protocol: one node (span) in
// an execution trace.
type Run struct {
	ID            string         `json:"id"`
	TraceID       string         `json:"trace_id"`
	DottedOrder   string         `json:"dotted_order"`
	ParentRunID   string         `json:"parent_run_id,omitempty"`
	Name          string         `json:"name"`
	RunType       Type           `json:"run_type"`
	Inputs        map[string]any `json:"inputs"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartTime     int64          `json:"start_time"` // ms epoch
	EndTime       *int64         `json:"end_time,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Events        []Event        `json:"events,omitempty"`
	SessionName   string         `json:"session_name,omitempty"`
	Attachments   []Attachment   `json:"-"`
}

// IsRoot reports whether this run is the root of its trace.
func (r *Run) IsRoot() bool {
	return r.TraceID == r.ID
}

// Finalized reports whether the run has reached its terminal state
// (end_time set).
func (r *Run) Finalized() bool {
	return r.EndTime != nil
}

// Update is the set of fields a patch operation may carry for an
// already-created run. Only non-nil/non-empty fields are meaningful; the
// zero value means "leave unchanged" everywhere except EndTime, which is
// explicitly a pointer so "unset" and "set to zero" are distinguishable.
type Update struct {
	ID       string         `json:"id"`
	TraceID  string         `json:"trace_id"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`
	EndTime  *int64         `json:"end_time,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Events   []Event        `json:"events,omitempty"`
}

// Merge overlays u's non-empty fields onto the run in place, implementing
// the "patch wins" overlay rule used when a patch is merged into
// a still-queued post for the same id. Extra is merged key by key; Tags and
// Events are appended to the run's existing ones rather than replacing them.
func (r *Run) Merge(u Update) {
	if u.Outputs != nil {
		r.Outputs = u.Outputs
	}
	if u.Error != "" {
		r.Error = u.Error
	}
	if u.EndTime != nil {
		r.EndTime = u.EndTime
	}
	if u.Extra != nil {
		if r.Extra == nil {
			r.Extra = map[string]any{}
		}
		for k, v := range u.Extra {
			r.Extra[k] = v
		}
	}
	if u.Tags != nil {
		r.Tags = append(append([]string(nil), r.Tags...), u.Tags...)
	}
	if u.Events != nil {
		r.Events = append(append([]Event(nil), r.Events...), u.Events...)
	}
}
