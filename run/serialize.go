package run

import (
	"encoding/json"
	"reflect"
	"strings"
)

// circularSentinel is substituted for any back-edge discovered while
// sanitizing a payload for serialization.
var circularSentinel = map[string]any{"result": "[Circular]"}

// SafeMarshal serializes v to JSON, replacing any circular reference with
// circularSentinel instead of recursing forever or returning an error. A
// cycle never makes it fail; a value encoding/json itself rejects (a func, a
// channel, a complex number, a NaN or infinite float) is passed through
// unchanged and still makes it return an error.
func SafeMarshal(v any) ([]byte, error) {
	sanitized := sanitize(v, map[uintptr]bool{})
	return json.Marshal(sanitized)
}

// PayloadSize returns the byte length of v's cycle-safe JSON encoding — the
// same bytes the transport codec will ship, so the auto-batch queue's
// size-bytes thresholding is accurate.
func PayloadSize(v any) (int, error) {
	b, err := SafeMarshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// sanitize walks v, replacing any container (map/slice/pointer) that is
// already on the current recursion path with circularSentinel. "active"
// tracks containers currently being visited (on the call stack), not every
// container ever seen, so shared-but-acyclic substructures (a DAG) are
// preserved rather than flagged as circular.
func sanitize(v any, active map[uintptr]bool) any {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if active[ptr] {
			return circularSentinel
		}
		active[ptr] = true
		defer delete(active, ptr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := formatMapKey(iter.Key())
			out[key] = sanitize(iter.Value().Interface(), active)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		var ptr uintptr
		trackable := rv.Kind() == reflect.Slice
		if trackable {
			ptr = rv.Pointer()
			if active[ptr] {
				return circularSentinel
			}
			active[ptr] = true
			defer delete(active, ptr)
		}

		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), active)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			ptr := rv.Pointer()
			if active[ptr] {
				return circularSentinel
			}
			active[ptr] = true
			defer delete(active, ptr)
		}
		return sanitize(rv.Elem().Interface(), active)

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitempty, skip := jsonFieldName(f)
			if skip {
				continue
			}
			fv := rv.Field(i)
			if omitempty && isEmptyValue(fv) {
				continue
			}
			out[name] = sanitize(fv.Interface(), active)
		}
		return out

	default:
		return v
	}
}

// jsonFieldName resolves the wire name for a struct field per its `json`
// tag, mirroring the subset of encoding/json's tag rules this package needs
// (name override, omitempty, "-" to skip). Untagged fields use the Go field
// name, matching encoding/json's default.
func jsonFieldName(f reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	if tag == "" {
		return f.Name, false, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

func formatMapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if s, ok := k.Interface().(interface{ String() string }); ok {
		return s.String()
	}
	b, err := json.Marshal(k.Interface())
	if err != nil {
		return ""
	}
	return string(b)
}
