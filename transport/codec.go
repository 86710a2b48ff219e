// Package transport encodes drained operation batches onto the wire and
// ships them. Two encodings exist: the classic JSON batch envelope and a
// multipart form whose field names route each part server-side. Either body
// may be gzipped when the instance advertises support.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/arc-self/tracekit/batch"
	"github.com/arc-self/tracekit/run"
)

// EncodeJSONEnvelope renders ops as the {"post": [...], "patch": [...]}
// batch body. Both arrays are always present, empty when unused.
func EncodeJSONEnvelope(ops []batch.Operation) ([]byte, error) {
	envelope := struct {
		Post  []json.RawMessage `json:"post"`
		Patch []json.RawMessage `json:"patch"`
	}{
		Post:  []json.RawMessage{},
		Patch: []json.RawMessage{},
	}

	for _, op := range ops {
		switch op.Kind {
		case batch.KindPost:
			raw, err := run.SafeMarshal(op.Post)
			if err != nil {
				return nil, fmt.Errorf("transport: encode post %s: %w", op.ID, err)
			}
			envelope.Post = append(envelope.Post, raw)
		case batch.KindPatch:
			raw, err := run.SafeMarshal(op.Patch)
			if err != nil {
				return nil, fmt.Errorf("transport: encode patch %s: %w", op.ID, err)
			}
			envelope.Patch = append(envelope.Patch, raw)
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}
	return body, nil
}

// part is one multipart form part awaiting emission.
type part struct {
	name        string
	contentType string
	data        []byte
}

// EncodeMultipart renders ops as a multipart form body. Field names encode
// routing: post.<id> / patch.<id> carry the main payload with the large
// blobs (inputs, outputs, events) split into their own parts for streaming
// and independent size accounting; attachment.<id>.<filename> carries binary
// files. Parts are emitted in alphabetical field-name order so the body is
// deterministic.
func EncodeMultipart(ops []batch.Operation) (body []byte, contentType string, err error) {
	var parts []part

	for _, op := range ops {
		switch op.Kind {
		case batch.KindPost:
			p, err := postParts(op.Post)
			if err != nil {
				return nil, "", err
			}
			parts = append(parts, p...)
		case batch.KindPatch:
			p, err := patchParts(op.ID, op.Patch)
			if err != nil {
				return nil, "", err
			}
			parts = append(parts, p...)
		}
	}

	sort.SliceStable(parts, func(i, j int) bool { return parts[i].name < parts[j].name })

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, p.name))
		h.Set("Content-Type", p.contentType)
		h.Set("Content-Length", fmt.Sprintf("%d", len(p.data)))
		fw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("transport: create part %s: %w", p.name, err)
		}
		if _, err := fw.Write(p.data); err != nil {
			return nil, "", fmt.Errorf("transport: write part %s: %w", p.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transport: finalize multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// postParts splits a create payload into its main part, blob parts, and
// attachments.
func postParts(r *run.Run) ([]part, error) {
	main, err := encodeStripped(r, "inputs", "outputs", "events")
	if err != nil {
		return nil, fmt.Errorf("transport: encode post %s: %w", r.ID, err)
	}
	parts := []part{{name: "post." + r.ID, contentType: "application/json", data: main}}

	blobs := []struct {
		suffix  string
		value   any
		present bool
	}{
		{"inputs", r.Inputs, r.Inputs != nil},
		{"outputs", r.Outputs, r.Outputs != nil},
		{"events", r.Events, len(r.Events) > 0},
	}
	for _, b := range blobs {
		if !b.present {
			continue
		}
		raw, err := run.SafeMarshal(b.value)
		if err != nil {
			return nil, fmt.Errorf("transport: encode post %s %s: %w", r.ID, b.suffix, err)
		}
		parts = append(parts, part{
			name:        "post." + r.ID + "." + b.suffix,
			contentType: "application/json",
			data:        raw,
		})
	}

	for _, a := range r.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		parts = append(parts, part{
			name:        "attachment." + r.ID + "." + a.Name,
			contentType: ct,
			data:        a.Data,
		})
	}
	return parts, nil
}

// patchParts splits an update payload the same way as a create.
func patchParts(id string, u *run.Update) ([]part, error) {
	main, err := encodeStripped(u, "outputs", "events")
	if err != nil {
		return nil, fmt.Errorf("transport: encode patch %s: %w", id, err)
	}
	parts := []part{{name: "patch." + id, contentType: "application/json", data: main}}

	if u.Outputs != nil {
		raw, err := run.SafeMarshal(u.Outputs)
		if err != nil {
			return nil, fmt.Errorf("transport: encode patch %s outputs: %w", id, err)
		}
		parts = append(parts, part{name: "patch." + id + ".outputs", contentType: "application/json", data: raw})
	}
	if len(u.Events) > 0 {
		raw, err := run.SafeMarshal(u.Events)
		if err != nil {
			return nil, fmt.Errorf("transport: encode patch %s events: %w", id, err)
		}
		parts = append(parts, part{name: "patch." + id + ".events", contentType: "application/json", data: raw})
	}
	return parts, nil
}

// encodeStripped serializes v cycle-safely and removes the named top-level
// keys, which ship as their own parts.
func encodeStripped(v any, strip ...string) ([]byte, error) {
	raw, err := run.SafeMarshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for _, key := range strip {
		delete(m, key)
	}
	return json.Marshal(m)
}

// EncodeJSONBody serializes one payload cycle-safely for the single-run
// fallback endpoints.
func EncodeJSONBody(v any) ([]byte, error) {
	return run.SafeMarshal(v)
}

// gzipBody compresses body at BestSpeed.
func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("transport: gzip init: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("transport: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transport: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
