package run_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/tracekit/run"
)

func TestSafeMarshal_NoCycle(t *testing.T) {
	v := map[string]any{"text": "hi", "n": 3}
	b, err := run.SafeMarshal(v)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "hi", got["text"])
}

func TestSafeMarshal_SelfReferencingMap(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	b, err := run.SafeMarshal(m)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	inner, ok := got["self"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[Circular]", inner["result"])
}

func TestSafeMarshal_MutualCycle(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{}
	a["b"] = b
	b["a"] = a

	out, err := run.SafeMarshal(a)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	bNode := got["b"].(map[string]any)
	aNode := bNode["a"].(map[string]any)
	assert.Equal(t, "[Circular]", aNode["result"])
}

func TestSafeMarshal_SharedButAcyclicIsNotFlagged(t *testing.T) {
	shared := map[string]any{"k": "v"}
	v := map[string]any{"a": shared, "b": shared}

	out, err := run.SafeMarshal(v)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "v", got["a"].(map[string]any)["k"])
	assert.Equal(t, "v", got["b"].(map[string]any)["k"])
}

func TestSafeMarshal_CyclicSlice(t *testing.T) {
	s := make([]any, 1)
	s[0] = s

	out, err := run.SafeMarshal(s)
	require.NoError(t, err)

	var got []any
	require.NoError(t, json.Unmarshal(out, &got))
	inner := got[0].(map[string]any)
	assert.Equal(t, "[Circular]", inner["result"])
}

func TestPayloadSize_MatchesEncodedLength(t *testing.T) {
	v := map[string]any{"text": "hello world"}
	size, err := run.PayloadSize(v)
	require.NoError(t, err)

	b, err := run.SafeMarshal(v)
	require.NoError(t, err)
	assert.Equal(t, len(b), size)
}

// ── Circular inputs and outputs both collapse to the sentinel ─────────────

func TestSafeMarshal_CircularRunInputsAndOutputs(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{}
	a["b"] = b
	b["a"] = a

	r := &run.Run{
		ID:      "r1",
		TraceID: "r1",
		Name:    "t",
		RunType: run.TypeLLM,
		Inputs:  a,
		Outputs: b,
	}

	out, err := run.SafeMarshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	inputsB := got["inputs"].(map[string]any)["b"].(map[string]any)
	assert.Equal(t, "[Circular]", inputsB["a"].(map[string]any)["result"])

	outputsA := got["outputs"].(map[string]any)["a"].(map[string]any)
	assert.Equal(t, "[Circular]", outputsA["b"].(map[string]any)["result"])
}
