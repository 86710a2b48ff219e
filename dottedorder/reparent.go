package dottedorder

import "strings"

// Action is a rewrite step produced by an exporter that discovers a root run
// actually belongs under an externally-rooted parent.
// Exactly one of the Rename/Reparent/Delete fields is meaningful, selected
// by Kind.
type Action struct {
	Kind ActionKind

	// Rename
	SourceID string
	TargetID string

	// Reparent
	RunID          string
	ParentDotOrder string

	// Delete
	DeleteRunID string
}

// ActionKind tags which rewrite an Action performs.
type ActionKind int

const (
	// Rename rewrites a run's own id and any occurrence of it in a
	// descendant's dotted-order.
	Rename ActionKind = iota
	// Reparent replaces the dotted-order prefix up to RunID with
	// ParentDotOrder.
	Reparent
	// Delete removes the segment owned by DeleteRunID from a descendant's
	// dotted-order, collapsing the path.
	Delete
)

// Apply composes a sequence of Actions left-to-right over a dotted-order
// string, as an exporter accumulates per-trace rewrites before emitting.
func Apply(dotOrder string, actions []Action) string {
	for _, a := range actions {
		dotOrder = applyOne(dotOrder, a)
	}
	return dotOrder
}

func applyOne(dotOrder string, a Action) string {
	switch a.Kind {
	case Rename:
		return renameSegment(dotOrder, a.SourceID, a.TargetID)
	case Reparent:
		return reparentAt(dotOrder, a.RunID, a.ParentDotOrder)
	case Delete:
		return deleteSegment(dotOrder, a.DeleteRunID)
	default:
		return dotOrder
	}
}

// renameSegment rewrites every segment whose run id equals sourceID to use
// targetID instead, leaving the timestamp prefix of each segment untouched.
func renameSegment(dotOrder, sourceID, targetID string) string {
	segments := strings.Split(dotOrder, ".")
	for i, seg := range segments {
		if len(seg) < segmentPrefixLen {
			continue
		}
		if seg[segmentPrefixLen:] == sourceID {
			segments[i] = seg[:segmentPrefixLen] + targetID
		}
	}
	return strings.Join(segments, ".")
}

// reparentAt finds the first segment whose run id is runID and prefixes the
// result with parentDotOrder's segments, leaving the original suffix
// (runID's segment onward) intact.
func reparentAt(dotOrder, runID, parentDotOrder string) string {
	segments := strings.Split(dotOrder, ".")
	for i, seg := range segments {
		if len(seg) < segmentPrefixLen {
			continue
		}
		if seg[segmentPrefixLen:] == runID {
			suffix := segments[i:]
			if parentDotOrder == "" {
				return strings.Join(suffix, ".")
			}
			return parentDotOrder + "." + strings.Join(suffix, ".")
		}
	}
	return dotOrder
}

// deleteSegment drops every segment whose run id matches runID, collapsing
// the path around it.
func deleteSegment(dotOrder, runID string) string {
	segments := strings.Split(dotOrder, ".")
	out := segments[:0]
	for _, seg := range segments {
		if len(seg) >= segmentPrefixLen && seg[segmentPrefixLen:] == runID {
			continue
		}
		out = append(out, seg)
	}
	return strings.Join(out, ".")
}

// FindSegmentOwner reports whether any segment of dotOrder is owned by
// runID.
func FindSegmentOwner(dotOrder, runID string) bool {
	for _, seg := range strings.Split(dotOrder, ".") {
		if len(seg) >= segmentPrefixLen && seg[segmentPrefixLen:] == runID {
			return true
		}
	}
	return false
}
