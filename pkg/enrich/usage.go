package enrich

import (
	"context"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/guardian"
)

// UsageEnricher surfaces token, cost, and duration figures from the
// tool output, in the same shapes the guardian's accounting reads.
type UsageEnricher struct{}

func NewUsageEnricher() *UsageEnricher { return &UsageEnricher{} }

func (e *UsageEnricher) Name() string { return "usage" }

func (e *UsageEnricher) Enrich(_ context.Context, call *contracts.ContextV1) (map[string]any, error) {
	if call.Result == nil {
		return nil, nil
	}
	u, ok := guardian.ExtractUsage(call.Result)
	ev := map[string]any{}
	if ok {
		ev["input_tokens"] = u.InputTokens
		ev["output_tokens"] = u.OutputTokens
		ev["total_tokens"] = u.TotalTokens
		if u.CostUSD > 0 {
			ev["cost_usd"] = u.CostUSD
		}
		if u.Model != "" {
			ev["model"] = u.Model
		}
	}
	if m, isMap := call.Result.(map[string]any); isMap {
		if d, found := durationMS(m); found {
			ev["duration_ms"] = d
		}
	}
	if len(ev) == 0 {
		return nil, nil
	}
	return ev, nil
}

func durationMS(m map[string]any) (int64, bool) {
	for _, k := range []string{"duration_ms", "elapsed_ms", "latency_ms"} {
		switch v := m[k].(type) {
		case float64:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		}
	}
	return 0, false
}
