package dottedorder_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/tracekit/dottedorder"
)

func buildChain(t *testing.T, ids ...string) string {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	segs := make([]string, len(ids))
	for i, id := range ids {
		segs[i] = dottedorder.Encode(start.Add(time.Duration(i)*time.Millisecond), id, 0)
	}
	return dottedorder.Join(segs...)
}

func TestApply_Rename(t *testing.T) {
	dotOrder := buildChain(t, "root-1", "child-1")
	out := dottedorder.Apply(dotOrder, []dottedorder.Action{
		{Kind: dottedorder.Rename, SourceID: "child-1", TargetID: "child-2"},
	})
	assert.True(t, dottedorder.FindSegmentOwner(out, "child-2"))
	assert.False(t, dottedorder.FindSegmentOwner(out, "child-1"))
}

func TestApply_Reparent(t *testing.T) {
	dotOrder := buildChain(t, "root-1", "child-1", "grandchild-1")
	externalParent := buildChain(t, "external-root")

	out := dottedorder.Apply(dotOrder, []dottedorder.Action{
		{Kind: dottedorder.Reparent, RunID: "child-1", ParentDotOrder: externalParent},
	})

	assert.True(t, dottedorder.FindSegmentOwner(out, "external-root"))
	assert.True(t, dottedorder.FindSegmentOwner(out, "child-1"))
	assert.True(t, dottedorder.FindSegmentOwner(out, "grandchild-1"))
	assert.False(t, dottedorder.FindSegmentOwner(out, "root-1"))
}

func TestApply_Delete(t *testing.T) {
	dotOrder := buildChain(t, "root-1", "child-1", "grandchild-1")
	out := dottedorder.Apply(dotOrder, []dottedorder.Action{
		{Kind: dottedorder.Delete, DeleteRunID: "child-1"},
	})
	assert.False(t, dottedorder.FindSegmentOwner(out, "child-1"))
	assert.True(t, dottedorder.FindSegmentOwner(out, "root-1"))
	assert.True(t, dottedorder.FindSegmentOwner(out, "grandchild-1"))
}

func TestApply_ComposesLeftToRight(t *testing.T) {
	dotOrder := buildChain(t, "root-1", "child-1", "grandchild-1")
	externalParent := buildChain(t, "external-root")

	out := dottedorder.Apply(dotOrder, []dottedorder.Action{
		{Kind: dottedorder.Rename, SourceID: "child-1", TargetID: "child-2"},
		{Kind: dottedorder.Reparent, RunID: "child-2", ParentDotOrder: externalParent},
		{Kind: dottedorder.Delete, DeleteRunID: "grandchild-1"},
	})

	assert.True(t, dottedorder.FindSegmentOwner(out, "external-root"))
	assert.True(t, dottedorder.FindSegmentOwner(out, "child-2"))
	assert.False(t, dottedorder.FindSegmentOwner(out, "child-1"))
	assert.False(t, dottedorder.FindSegmentOwner(out, "grandchild-1"))
}
