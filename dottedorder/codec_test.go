package dottedorder_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/tracekit/dottedorder"
)

// ── Encode/Parse round-trip ─────────────────────────────────────────────────

func TestEncodeParse_RoundTrip_Root(t *testing.T) {
	now := time.Date(2024, 3, 14, 9, 26, 53, 589793238, time.UTC)
	runID := "11111111-1111-1111-1111-111111111111"

	seg := dottedorder.Encode(now, runID, 0)
	parsed, err := dottedorder.Parse(seg)
	require.NoError(t, err)

	assert.Equal(t, runID, parsed.ID)
	assert.Equal(t, runID, parsed.TraceID)
	assert.Empty(t, parsed.ParentRunID)
	assert.Equal(t, now.Year(), parsed.StartTime.Year())
	assert.Equal(t, now.Minute(), parsed.StartTime.Minute())
	assert.WithinDuration(t, now, parsed.StartTime, time.Second)
}

func TestEncodeParse_Child(t *testing.T) {
	rootID := "11111111-1111-1111-1111-111111111111"
	childID := "22222222-2222-2222-2222-222222222222"
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rootSeg := dottedorder.Encode(start, rootID, 0)
	childSeg := dottedorder.Encode(start.Add(5*time.Millisecond), childID, 0)
	full := dottedorder.Join(rootSeg, childSeg)

	parsed, err := dottedorder.Parse(full)
	require.NoError(t, err)
	assert.Equal(t, childID, parsed.ID)
	assert.Equal(t, rootID, parsed.TraceID)
	assert.Equal(t, rootID, parsed.ParentRunID)
}

func TestEncodeParse_Grandchild_ParentIsSecondToLast(t *testing.T) {
	root := "11111111-1111-1111-1111-111111111111"
	mid := "22222222-2222-2222-2222-222222222222"
	leaf := "33333333-3333-3333-3333-333333333333"
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	full := dottedorder.Join(
		dottedorder.Encode(start, root, 0),
		dottedorder.Encode(start, mid, 0),
		dottedorder.Encode(start, leaf, 0),
	)

	parsed, err := dottedorder.Parse(full)
	require.NoError(t, err)
	assert.Equal(t, leaf, parsed.ID)
	assert.Equal(t, root, parsed.TraceID)
	assert.Equal(t, mid, parsed.ParentRunID)
}

// ── Sibling disambiguation via executionOrder ───────────────────────────────

func TestEncode_SiblingsSameMicrosecond_DisambiguatedByExecutionOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 123456000, time.UTC)
	a := dottedorder.Encode(start, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", 0)
	b := dottedorder.Encode(start, "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", 1)

	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "segment for executionOrder=0 should sort before executionOrder=1")
}

func TestEncode_LexicographicOrderMatchesStartTime(t *testing.T) {
	id := "cccccccc-cccc-cccc-cccc-cccccccccccc"
	earlier := dottedorder.Encode(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), id, 0)
	later := dottedorder.Encode(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), id, 0)
	assert.Less(t, earlier, later)
}

// ── Parse error cases ────────────────────────────────────────────────────────

func TestParse_Empty(t *testing.T) {
	_, err := dottedorder.Parse("")
	assert.Error(t, err)
}

func TestParse_TooShortSegment(t *testing.T) {
	_, err := dottedorder.Parse("short")
	assert.Error(t, err)
}

func TestParse_MalformedTimestamp(t *testing.T) {
	bad := "2024010100000012300" + "X" + "runid123" // wrong length / markers
	_, err := dottedorder.Parse(bad)
	assert.Error(t, err)
}

// ── MillisISOString ──────────────────────────────────────────────────────────

func TestMillisISOString_ZeroTailOmitsMicroseconds(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seg := dottedorder.Encode(start, "dddddddd-dddd-dddd-dddd-dddddddddddd", 0)
	parsed, err := dottedorder.Parse(seg)
	require.NoError(t, err)
	assert.Regexp(t, `^2024-06-01T12:00:00\.000Z$`, parsed.MillisISOString())
}

func TestMillisISOString_NonZeroTailCarriesMicroseconds(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seg := dottedorder.Encode(start, "eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee", 7)
	parsed, err := dottedorder.Parse(seg)
	require.NoError(t, err)
	assert.Regexp(t, `^2024-06-01T12:00:00\.000007Z$`, parsed.MillisISOString())
}
