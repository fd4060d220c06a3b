package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/contracts"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

func TestBudgetCaps(t *testing.T) {
	g := New("r1", Budget{MaxCostUSD: 1.0, MaxTokens: 1000, MaxAPICalls: 2})
	ctx := context.Background()

	r := g.CheckOperation(ctx, CostEstimate{CostUSD: 0.4})
	assert.True(t, r.Allowed)
	require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.4, InputTokens: 100, OutputTokens: 100}))

	// Cost cap.
	r = g.CheckOperation(ctx, CostEstimate{CostUSD: 0.7})
	assert.False(t, r.Allowed)
	assert.Equal(t, contracts.CodeEconomicBudgetExceeded, r.Code)

	// Token cap.
	r = g.CheckOperation(ctx, CostEstimate{CostUSD: 0.1, InputTokens: 900, OutputTokens: 0})
	assert.False(t, r.Allowed)
	assert.Equal(t, contracts.CodeEconomicTokenLimit, r.Code)

	// Call cap: one call used, a second fits, a third does not.
	require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.1}))
	r = g.CheckOperation(ctx, CostEstimate{CostUSD: 0.1})
	assert.False(t, r.Allowed)
	assert.Equal(t, contracts.CodeEconomicAPICallLimit, r.Code)
}

func TestEstimationFromPriceChain(t *testing.T) {
	g := New("r1", Budget{MaxCostUSD: 0.001},
		WithPriceProvider(StaticProvider{"gpt-4o": {InputPerK: 0.0025, OutputPerK: 0.01}}))

	r := g.CheckOperation(context.Background(), CostEstimate{Model: "gpt-4o", InputTokens: 1000})
	assert.False(t, r.Allowed)
	assert.Equal(t, contracts.CodeEconomicBudgetExceeded, r.Code)
	assert.InDelta(t, 0.0025, r.CostUSD, 1e-9)
}

func TestMissingPricingNeverBlocks(t *testing.T) {
	g := New("r1", Budget{MaxCostUSD: 0.001},
		WithPriceProvider(StaticProvider{"gpt-4o": {InputPerK: 0.0025, OutputPerK: 0.01}}))

	// An unknown model cannot be priced: the operation is counted at zero
	// cost and flagged, not refused.
	r := g.CheckOperation(context.Background(), CostEstimate{Model: "mystery", InputTokens: 1000000})
	require.True(t, r.Allowed)
	assert.True(t, r.Estimated)
	assert.Zero(t, r.CostUSD)
	assert.Empty(t, r.Code)

	d := r.Advisory()
	assert.Equal(t, contracts.ActionWarn, d.Decision)
	assert.Equal(t, contracts.CodeEconomicCostEstimationFailed, d.Code)
	assert.Equal(t, contracts.DomainCost, d.Domain)
	assert.Equal(t, true, d.Evidence["estimated"])
	assert.Equal(t, 0.0, d.Evidence["cost_usd"])
}

func TestBurnRateWindow(t *testing.T) {
	clock := newClock()
	g := New("r1", Budget{MaxUSDPerMinute: 0.1},
		WithClock(clock.Now), WithWindows(5*time.Minute, time.Hour))
	ctx := context.Background()

	// 5-minute window at 0.1 USD/min allows 0.5 USD in the window.
	for i := 0; i < 4; i++ {
		r := g.CheckOperation(ctx, CostEstimate{CostUSD: 0.1})
		require.True(t, r.Allowed, "op %d", i)
		require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.1}))
		clock.Advance(30 * time.Second)
	}

	r := g.CheckOperation(ctx, CostEstimate{CostUSD: 0.2})
	assert.False(t, r.Allowed)
	assert.Equal(t, contracts.CodeEconomicBurnRateExceeded, r.Code)

	// Samples age out of the window.
	clock.Advance(10 * time.Minute)
	r = g.CheckOperation(ctx, CostEstimate{CostUSD: 0.2})
	assert.True(t, r.Allowed)
}

func TestThresholdAlertsAtMostOnce(t *testing.T) {
	var alerts []Alert
	g := New("r1", Budget{MaxCostUSD: 1.0}, WithAlertFunc(func(a Alert) { alerts = append(alerts, a) }))
	ctx := context.Background()

	require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.85}))
	require.Len(t, alerts, 1)
	assert.Equal(t, 0.80, alerts[0].Threshold)
	assert.Equal(t, "cost", alerts[0].Limit)

	// Crossing 0.90 and 0.95 in one step raises both, once.
	require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.12}))
	require.Len(t, alerts, 3)

	// No repeats.
	require.NoError(t, g.RecordUsage(ctx, CostUsage{CostUSD: 0.01}))
	assert.Len(t, alerts, 3)
}

func TestWatchdog(t *testing.T) {
	g := New("r1", Budget{MaxTokens: 1000})
	w := g.NewWatchdog(100, 0.95)

	var tripped *Result
	for i := 0; i < 20 && tripped == nil; i++ {
		tripped = w.OnTokens(100)
	}
	require.NotNil(t, tripped)
	assert.Equal(t, contracts.CodeEconomicTokenLimit, tripped.Code)
	// 950-token margin reached by the 10th batch at the latest.
	assert.LessOrEqual(t, w.Streamed(), int64(1000))

	// Result repeats.
	assert.Equal(t, tripped, w.OnTokens(1))
}

func TestExtractUsage(t *testing.T) {
	u, ok := ExtractUsage(map[string]any{"usage": map[string]any{
		"prompt_tokens": float64(120), "completion_tokens": float64(80), "total_tokens": float64(200),
	}})
	require.True(t, ok)
	assert.Equal(t, int64(120), u.InputTokens)
	assert.Equal(t, int64(200), u.TotalTokens)

	u, ok = ExtractUsage(map[string]any{"usage": map[string]any{
		"input_tokens": float64(10), "output_tokens": float64(5),
	}})
	require.True(t, ok)
	assert.Equal(t, int64(15), u.TotalTokens)

	_, ok = ExtractUsage(map[string]any{"data": "no usage here"})
	assert.False(t, ok)
	_, ok = ExtractUsage("not a map")
	assert.False(t, ok)
}

func TestPriceChainOrder(t *testing.T) {
	doc, err := NewJSONProvider([]byte(`{"m1": {"input_per_k": 1, "output_per_k": 2}}`))
	require.NoError(t, err)

	chain := BuildChain(nil, doc)
	p, ok := chain.Price("m1")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.InputPerK)

	// Unknown named model falls through to nothing; empty model gets the
	// static default.
	_, ok = chain.Price("unknown-model")
	assert.False(t, ok)
	p, ok = chain.Price("")
	require.True(t, ok)
	assert.Equal(t, 0.003, p.InputPerK)

	t.Setenv("FAILCORE_PRICE_ENV_MODEL", "0.5,0.7")
	p, ok = chain.Price("env-model")
	require.True(t, ok)
	assert.Equal(t, 0.5, p.InputPerK)
	assert.Equal(t, 0.7, p.OutputPerK)
}

func TestDenyDecisionShape(t *testing.T) {
	r := Result{Allowed: false, Reason: "over budget", Code: contracts.CodeEconomicBudgetExceeded}
	d := r.Decision()
	assert.Equal(t, contracts.ActionBlock, d.Decision)
	assert.Equal(t, contracts.DomainCost, d.Domain)
	assert.Equal(t, contracts.CodeEconomicBudgetExceeded, d.Code)
}
