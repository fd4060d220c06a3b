package drift

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/trace"
)

func obsSeries(tool string, params ...map[string]any) []Observation {
	out := make([]Observation, len(params))
	for i, p := range params {
		out[i] = Observation{
			Seq:    uint64(i + 1),
			StepID: fmt.Sprintf("s%d", i+1),
			Tool:   tool,
			Params: p,
		}
	}
	return out
}

func TestPathChangeInflection(t *testing.T) {
	var params []map[string]any
	for i := 1; i <= 6; i++ {
		params = append(params, map[string]any{"path": fmt.Sprintf("./data/app%d.log", i)})
	}
	for i := 7; i <= 10; i++ {
		params = append(params, map[string]any{"path": fmt.Sprintf("/etc/app%d.conf", i)})
	}

	a := New(Config{Strategy: StrategyMedian})
	decisions := a.Analyze(obsSeries("file_write", params...))
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, contracts.ActionWarn, d.Decision)
	assert.Equal(t, contracts.CodeContractDrift, d.Code)
	assert.Equal(t, contracts.DomainDrift, d.Domain)
	assert.Equal(t, "path_changed", d.Evidence["reason"])
	assert.Equal(t, uint64(7), d.Evidence["seq"])
	assert.Equal(t, "median", d.Evidence["strategy"])
	assert.Equal(t, []uint64{1, 10}, d.Evidence["window"])
	assert.Equal(t, "./data/*.log", d.Evidence["baseline"])
	assert.Equal(t, "/etc/*.conf", d.Evidence["observed"])
}

func TestRotatingFileNamesAreNotDrift(t *testing.T) {
	a := New(Config{Strategy: StrategyFirstOccurrence})
	decisions := a.Analyze(obsSeries("file_write",
		map[string]any{"path": "./data/2026-01-01.log"},
		map[string]any{"path": "./data/2026-01-02.log"},
		map[string]any{"path": "./data/2026-01-03.log"},
	))
	assert.Empty(t, decisions)
}

func TestMagnitudeThresholds(t *testing.T) {
	a := New(Config{Strategy: StrategyFirstOccurrence})

	t.Run("small change below medium threshold", func(t *testing.T) {
		decisions := a.Analyze(obsSeries("upload",
			map[string]any{"size": float64(100)},
			map[string]any{"size": float64(120)},
		))
		assert.Empty(t, decisions)
	})

	t.Run("large change is high risk", func(t *testing.T) {
		decisions := a.Analyze(obsSeries("upload",
			map[string]any{"size": float64(100)},
			map[string]any{"size": float64(100)},
			map[string]any{"size": float64(1000)},
		))
		require.Len(t, decisions, 1)
		assert.Equal(t, contracts.RiskHigh, decisions[0].RiskLevel)
		assert.Equal(t, "size_magnitude", decisions[0].Evidence["reason"])
		assert.InDelta(t, 9.0, decisions[0].Evidence["magnitude"].(float64), 0.001)
	})

	t.Run("medium change is medium risk", func(t *testing.T) {
		decisions := a.Analyze(obsSeries("upload",
			map[string]any{"size": float64(100)},
			map[string]any{"size": float64(180)},
		))
		require.Len(t, decisions, 1)
		assert.Equal(t, contracts.RiskMedium, decisions[0].RiskLevel)
	})
}

func TestIgnoreFields(t *testing.T) {
	a := New(Config{Strategy: StrategyFirstOccurrence, IgnoreFields: []string{"request_id"}})
	decisions := a.Analyze(obsSeries("fetch",
		map[string]any{"request_id": "a1", "host": "api.example.com"},
		map[string]any{"request_id": "b2", "host": "api.example.com"},
	))
	assert.Empty(t, decisions)
}

func TestUnorderedSetFields(t *testing.T) {
	a := New(Config{Strategy: StrategyFirstOccurrence, UnorderedSetFields: []string{"columns"}})

	decisions := a.Analyze(obsSeries("query",
		map[string]any{"columns": []any{"name", "email"}},
		map[string]any{"columns": []any{"email", "name"}},
	))
	assert.Empty(t, decisions)

	decisions = a.Analyze(obsSeries("query",
		map[string]any{"columns": []any{"name", "email"}},
		map[string]any{"columns": []any{"name", "ssn"}},
	))
	require.Len(t, decisions, 1)
	assert.Equal(t, "columns_changed", decisions[0].Evidence["reason"])
}

func TestSegmentedStrategy(t *testing.T) {
	params := []map[string]any{
		{"mode": "read", "path": "./data/in.csv"},
		{"mode": "write", "path": "./out/result.json"},
		{"mode": "read", "path": "./data/in2.csv"},
		{"mode": "write", "path": "./out/result2.json"},
	}

	segmented := New(Config{Strategy: StrategySegmented, SegmentBy: "mode"})
	assert.Empty(t, segmented.Analyze(obsSeries("file_op", params...)))

	// Without segmentation the interleaved paths look like drift.
	flat := New(Config{Strategy: StrategyFirstOccurrence})
	assert.NotEmpty(t, flat.Analyze(obsSeries("file_op", params...)))
}

func TestNeverBlocks(t *testing.T) {
	var params []map[string]any
	for i := 0; i < 8; i++ {
		params = append(params, map[string]any{
			"path": fmt.Sprintf("/tmp/x%d.bin", i),
			"size": float64(i * 10000),
			"host": fmt.Sprintf("host-%d.internal", i),
		})
	}
	a := New(Config{Strategy: StrategyMedian})
	for _, d := range a.Analyze(obsSeries("chaos", params...)) {
		assert.Equal(t, contracts.ActionWarn, d.Decision)
	}
}

func TestFromTrace(t *testing.T) {
	mkAttempt := func(seq uint64, step, tool, path string) trace.Envelope {
		e, err := trace.New(trace.EventAttempt,
			&trace.Step{ID: step, Meta: map[string]any{"params": map[string]any{"path": path}}},
			trace.Attempt{Tool: tool, Verdict: contracts.Verdict{Decision: contracts.ActionAllow}})
		require.NoError(t, err)
		e.Seq = seq
		return e
	}
	runStart, err := trace.New(trace.EventRunStart, nil, trace.RunStart{PolicyName: "p"})
	require.NoError(t, err)
	runStart.Seq = 1

	obs := FromTrace([]trace.Envelope{
		runStart,
		mkAttempt(2, "s1", "file_write", "./data/a.log"),
		mkAttempt(3, "s2", "file_write", "./data/b.log"),
	})
	require.Len(t, obs, 2)
	assert.Equal(t, uint64(2), obs[0].Seq)
	assert.Equal(t, "file_write", obs[0].Tool)
	assert.Equal(t, "./data/a.log", obs[0].Params["path"])
}
