package replayfp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/sink"
	"github.com/failcore/failcore/pkg/trace"
)

func call(tool string, params map[string]any) *contracts.ContextV1 {
	return &contracts.ContextV1{Tool: tool, Params: params, StepID: "s1", RunID: "r1"}
}

func TestComputeStability(t *testing.T) {
	a, err := Compute(call("query", map[string]any{"limit": 10, "table": "users"}), "ph", "rv")
	require.NoError(t, err)
	b, err := Compute(call("query", map[string]any{"table": "users", "limit": 10}), "ph", "rv")
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.True(t, strings.HasPrefix(a.Hash, "sha256:"))
	assert.Equal(t, Components, a.Components)
}

func TestComputeSensitivity(t *testing.T) {
	base, err := Compute(call("query", map[string]any{"table": "users"}), "ph", "rv")
	require.NoError(t, err)

	changed := []Fingerprint{}
	for _, c := range []*struct {
		tool   string
		params map[string]any
		ph, rv string
	}{
		{"other_tool", map[string]any{"table": "users"}, "ph", "rv"},
		{"query", map[string]any{"table": "orders"}, "ph", "rv"},
		{"query", map[string]any{"table": "users"}, "ph2", "rv"},
		{"query", map[string]any{"table": "users"}, "ph", "rv2"},
	} {
		fp, err := Compute(call(c.tool, c.params), c.ph, c.rv)
		require.NoError(t, err)
		changed = append(changed, fp)
	}
	for i, fp := range changed {
		assert.NotEqual(t, base.Hash, fp.Hash, "variant %d", i)
	}
}

func TestRecorderOrdering(t *testing.T) {
	var buf bytes.Buffer
	s := sink.New("r1", &buf)
	rec := NewRecorder(s.Emit)

	t.Run("miss", func(t *testing.T) {
		fp, hit, err := rec.Record(call("query", map[string]any{"q": "a"}), "ph", "rv",
			func(string) (string, int64, int64) { return "", 0, 0 })
		require.NoError(t, err)
		assert.False(t, hit)
		assert.NotEmpty(t, fp.Hash)
	})
	t.Run("hit", func(t *testing.T) {
		_, hit, err := rec.Record(call("query", map[string]any{"q": "b"}), "ph", "rv",
			func(string) (string, int64, int64) { return "memory", 1200, 90 })
		require.NoError(t, err)
		assert.True(t, hit)
	})
	require.NoError(t, s.Close())

	events, err := trace.Reader{}.ReadAll(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.NoError(t, trace.Validate(events))

	assert.Equal(t, trace.EventFingerprintComputed, events[0].EventType)
	assert.Equal(t, trace.EventReplayMiss, events[1].EventType)
	assert.Equal(t, trace.EventFingerprintComputed, events[2].EventType)
	assert.Equal(t, trace.EventReplayHit, events[3].EventType)

	hitPayload, err := trace.Payload[trace.ReplayHit](events[3])
	require.NoError(t, err)
	assert.Equal(t, "memory", hitPayload.CacheSource)
	assert.Equal(t, int64(1200), hitPayload.SavedTokens)
}
