package taint

import (
	"testing"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secretTag() contracts.TaintTag {
	return contracts.TaintTag{
		Source:      contracts.TaintSourceTool,
		Sensitivity: contracts.SensitivitySecret,
	}
}

func TestMarkAndTagged(t *testing.T) {
	tc := NewContext()
	tc.Mark("step-1", "read_secrets", "sk-live-abcdef123456", secretTag())

	tag, ok := tc.Tagged("step-1")
	require.True(t, ok)
	assert.Equal(t, "step-1", tag.SourceStep)
	assert.Equal(t, "read_secrets", tag.SourceTool)
	assert.Equal(t, contracts.SensitivitySecret, tag.Sensitivity)

	_, ok = tc.Tagged("step-2")
	assert.False(t, ok)
}

func TestDetectByValueSubstring(t *testing.T) {
	tc := NewContext()
	tc.Mark("step-1", "read_file", "TOKEN=verysecretvalue", secretTag())

	tags := tc.DetectTaintedInputs("step-2", map[string]any{
		"body": "sending TOKEN=verysecretvalue to remote",
	}, nil)
	require.Len(t, tags, 1)

	chain := tc.FlowChain("step-2", 0)
	require.Len(t, chain, 1)
	assert.Equal(t, "step-1", chain[0].SourceStep)
	assert.Equal(t, contracts.ConfidenceMedium, chain[0].Confidence)
	assert.Equal(t, "body", chain[0].FieldPath)
}

func TestDetectByStepIDHighConfidence(t *testing.T) {
	tc := NewContext()
	tc.Mark("step-abc123", "fetch_url", map[string]any{"html": "<html>page body here</html>"}, secretTag())

	tags := tc.DetectTaintedInputs("step-9", map[string]any{
		"input": "result of step-abc123",
	}, nil)
	require.Len(t, tags, 1)

	chain := tc.FlowChain("step-9", 0)
	require.Len(t, chain, 1)
	assert.Equal(t, contracts.ConfidenceHigh, chain[0].Confidence)
}

func TestDeclaredDependencyLowConfidenceWithoutMatch(t *testing.T) {
	tc := NewContext()
	tc.Mark("step-1", "read_db", "row-data-42xyz99", secretTag())

	// No textual trace of the output, but the dependency is declared.
	tags := tc.DetectTaintedInputs("step-2", map[string]any{"q": "unrelated"}, []string{"step-1"})
	require.Len(t, tags, 1)

	chain := tc.FlowChain("step-2", 0)
	require.Len(t, chain, 1)
	assert.Equal(t, contracts.ConfidenceLow, chain[0].Confidence)
}

func TestFlowChainMultiHopAndDepthCap(t *testing.T) {
	tc := NewContext()
	tc.Mark("s1", "source", "taintedvalue-0001", secretTag())
	tc.DetectTaintedInputs("s2", map[string]any{"input": "taintedvalue-0001"}, nil)
	tc.Mark("s2", "transform", "taintedvalue-0001 plus more", secretTag())
	tc.DetectTaintedInputs("s3", map[string]any{"content": "taintedvalue-0001 plus more"}, nil)

	chain := tc.FlowChain("s3", 0)
	require.Len(t, chain, 2)
	assert.Equal(t, "s1", chain[0].SourceStep)
	assert.Equal(t, "s2", chain[0].SinkStep)
	assert.Equal(t, "s2", chain[1].SourceStep)
	assert.Equal(t, "s3", chain[1].SinkStep)

	capped := tc.FlowChain("s3", 1)
	assert.Len(t, capped, 1)
}

func TestCycleDoesNotLoop(t *testing.T) {
	tc := NewContext()
	tc.Mark("a", "t", "cyclevalue-aaaa", secretTag())
	tc.DetectTaintedInputs("b", map[string]any{"input": "cyclevalue-aaaa"}, nil)
	tc.Mark("b", "t", "cyclevalue-bbbb", secretTag())
	tc.DetectTaintedInputs("a", map[string]any{"input": "cyclevalue-bbbb"}, nil)

	// Visited-set terminates even though a <-> b reference each other.
	chain := tc.FlowChain("a", 0)
	assert.NotEmpty(t, chain)
	assert.LessOrEqual(t, len(chain), DefaultMaxDepth)
}

func TestBindingFieldIsDeterministic(t *testing.T) {
	// Two fields reference the marked output: a_ref by step id, b_data by
	// needle. The recorded edge must pick the same field every time.
	for i := 0; i < 100; i++ {
		tc := NewContext()
		tc.Mark("step-src", "fetch", "sharedneedle-123456", secretTag())
		tc.DetectTaintedInputs("step-sink", map[string]any{
			"b_data": "copy sharedneedle-123456",
			"a_ref":  "from step-src",
		}, nil)

		chain := tc.FlowChain("step-sink", 0)
		require.Len(t, chain, 1)
		assert.Equal(t, "a_ref", chain[0].FieldPath, "iteration %d", i)
		assert.Equal(t, contracts.ConfidenceHigh, chain[0].Confidence, "iteration %d", i)
	}
}

func TestShortOutputsIgnored(t *testing.T) {
	tc := NewContext()
	tc.Mark("s1", "t", "ok", secretTag()) // too short to be a needle

	tags := tc.DetectTaintedInputs("s2", map[string]any{"input": "ok then"}, nil)
	assert.Empty(t, tags)
}

func TestNestedParamDetection(t *testing.T) {
	tc := NewContext()
	tc.Mark("s1", "t", "nestedsecret-998877", secretTag())

	tags := tc.DetectTaintedInputs("s2", map[string]any{
		"outer": map[string]any{
			"inner": []any{"prefix nestedsecret-998877 suffix"},
		},
	}, nil)
	require.Len(t, tags, 1)

	chain := tc.FlowChain("s2", 0)
	require.Len(t, chain, 1)
	assert.Equal(t, "outer.inner[0]", chain[0].FieldPath)
}
