// Package guardian enforces run-level economic limits: cumulative cost,
// token and call budgets, and burn-rate ceilings over sliding windows.
// The guardian only produces decisions; the gate turns them into
// verdicts.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failcore/failcore/pkg/contracts"
)

// Budget is the per-run economic envelope. Zero fields are unenforced.
type Budget struct {
	MaxCostUSD      float64 `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxTokens       int64   `json:"max_tokens" yaml:"max_tokens"`
	MaxAPICalls     int64   `json:"max_api_calls" yaml:"max_api_calls"`
	MaxUSDPerMinute float64 `json:"max_usd_per_minute" yaml:"max_usd_per_minute"`
	MaxUSDPerHour   float64 `json:"max_usd_per_hour" yaml:"max_usd_per_hour"`
}

// CostEstimate is the pre-execution prediction for one operation.
type CostEstimate struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"` // 0 means derive from the price chain
}

// CostUsage is the post-execution actual.
type CostUsage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Totals is the run's cumulative ledger.
type Totals struct {
	CostUSD      float64 `json:"cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	APICalls     int64   `json:"api_calls"`
}

// Result is the guardian's answer to a pre-execution check. Estimated
// marks a check that ran without pricing: the operation was counted at
// zero cost instead of being refused.
type Result struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason,omitempty"`
	Code      string  `json:"code,omitempty"`
	CostUSD   float64 `json:"cost_usd"`
	Estimated bool    `json:"estimated,omitempty"`
}

// Alert fires when usage crosses a budget threshold.
type Alert struct {
	Limit     string  `json:"limit"` // cost | tokens | api_calls
	Threshold float64 `json:"threshold"`
	Ratio     float64 `json:"ratio"`
}

// AlertThresholds are the fractions of each enforced limit that raise an
// at-most-once alert per run.
var AlertThresholds = []float64{0.80, 0.90, 0.95}

// Guardian tracks one run. Safe for concurrent use.
type Guardian struct {
	runID   string
	budget  Budget
	windows WindowStore
	prices  PriceProvider
	clock   func() time.Time
	log     *slog.Logger
	onAlert func(Alert)

	minuteWindow time.Duration
	hourWindow   time.Duration

	mu      sync.Mutex
	totals  Totals
	alerted map[string]bool // "cost:0.80" etc.
}

// Option configures a Guardian.
type Option func(*Guardian)

func WithClock(clock func() time.Time) Option {
	return func(g *Guardian) { g.clock = clock }
}

func WithWindowStore(ws WindowStore) Option {
	return func(g *Guardian) { g.windows = ws }
}

func WithPriceProvider(p PriceProvider) Option {
	return func(g *Guardian) { g.prices = p }
}

func WithAlertFunc(fn func(Alert)) Option {
	return func(g *Guardian) { g.onAlert = fn }
}

// WithWindows overrides the sliding window sizes used for the per-minute
// and per-hour burn-rate checks.
func WithWindows(minute, hour time.Duration) Option {
	return func(g *Guardian) { g.minuteWindow, g.hourWindow = minute, hour }
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Guardian) { g.log = log }
}

// New creates a guardian for one run.
func New(runID string, budget Budget, opts ...Option) *Guardian {
	g := &Guardian{
		runID:        runID,
		budget:       budget,
		windows:      NewMemoryWindowStore(),
		prices:       DefaultChain(),
		clock:        time.Now,
		log:          slog.Default().With("component", "guardian", "run", runID),
		minuteWindow: 5 * time.Minute,
		hourWindow:   60 * time.Minute,
		alerted:      map[string]bool{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Totals returns a snapshot of the cumulative ledger.
func (g *Guardian) Totals() Totals {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totals
}

// CheckOperation decides whether an estimated operation fits the budget.
// The check is conservative: the estimate counts as if already spent.
func (g *Guardian) CheckOperation(ctx context.Context, est CostEstimate) Result {
	cost := est.CostUSD
	estimated := false
	if cost == 0 && (est.InputTokens > 0 || est.OutputTokens > 0) {
		if p, ok := g.prices.Price(est.Model); ok {
			cost = p.Cost(est.InputTokens, est.OutputTokens)
		} else {
			// Missing pricing never refuses the operation: it is counted
			// at zero cost and flagged so the caller can surface it.
			estimated = true
			g.log.Warn("no pricing for model, counting zero cost", "model", est.Model)
		}
	}

	g.mu.Lock()
	totals := g.totals
	g.mu.Unlock()

	if g.budget.MaxCostUSD > 0 && totals.CostUSD+cost > g.budget.MaxCostUSD {
		return Result{
			Allowed: false,
			Reason: fmt.Sprintf("estimated cost %.4f would exceed budget %.4f (spent %.4f)",
				cost, g.budget.MaxCostUSD, totals.CostUSD),
			Code:    contracts.CodeEconomicBudgetExceeded,
			CostUSD: cost,
		}
	}
	estTokens := est.InputTokens + est.OutputTokens
	if g.budget.MaxTokens > 0 && totals.TotalTokens+estTokens > g.budget.MaxTokens {
		return Result{
			Allowed: false,
			Reason: fmt.Sprintf("estimated tokens %d would exceed limit %d (used %d)",
				estTokens, g.budget.MaxTokens, totals.TotalTokens),
			Code:      contracts.CodeEconomicTokenLimit,
			CostUSD:   cost,
			Estimated: estimated,
		}
	}
	if g.budget.MaxAPICalls > 0 && totals.APICalls+1 > g.budget.MaxAPICalls {
		return Result{
			Allowed: false,
			Reason:  fmt.Sprintf("call would exceed the %d call limit", g.budget.MaxAPICalls),
			Code:    contracts.CodeEconomicAPICallLimit,
			CostUSD: cost,
		}
	}

	if r := g.checkBurnRate(ctx, cost); !r.Allowed {
		r.CostUSD, r.Estimated = cost, estimated
		return r
	}
	return Result{Allowed: true, CostUSD: cost, Estimated: estimated}
}

func (g *Guardian) checkBurnRate(ctx context.Context, cost float64) Result {
	now := g.clock()
	type window struct {
		name  string
		size  time.Duration
		limit float64 // USD allowed over the whole window
	}
	checks := []window{
		{"minute", g.minuteWindow, g.budget.MaxUSDPerMinute * g.minuteWindow.Minutes()},
		{"hour", g.hourWindow, g.budget.MaxUSDPerHour * g.hourWindow.Hours()},
	}
	for _, w := range checks {
		if w.limit <= 0 {
			continue
		}
		sum, err := g.windows.Sum(ctx, g.key(w.name), now.Add(-w.size))
		if err != nil {
			g.log.Warn("window store unavailable", "window", w.name, "error", err)
			return Result{
				Allowed: false,
				Reason:  "burn-rate window unavailable",
				Code:    contracts.CodeEconomicCostEstimationFailed,
			}
		}
		if sum+cost > w.limit {
			return Result{
				Allowed: false,
				Reason: fmt.Sprintf("burn rate %.4f USD over the last %s exceeds %.4f",
					sum+cost, w.size, w.limit),
				Code: contracts.CodeEconomicBurnRateExceeded,
			}
		}
	}
	return Result{Allowed: true}
}

// RecordUsage folds an actual into the ledger and the rate windows, then
// raises any newly crossed threshold alerts.
func (g *Guardian) RecordUsage(ctx context.Context, usage CostUsage) error {
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if usage.CostUSD == 0 && usage.TotalTokens > 0 {
		if p, ok := g.prices.Price(usage.Model); ok {
			usage.CostUSD = p.Cost(usage.InputTokens, usage.OutputTokens)
		}
	}

	now := g.clock()
	for _, name := range []string{"minute", "hour"} {
		if err := g.windows.Add(ctx, g.key(name), now, usage.CostUSD); err != nil {
			return fmt.Errorf("guardian: record window %s: %w", name, err)
		}
	}

	g.mu.Lock()
	g.totals.CostUSD += usage.CostUSD
	g.totals.TotalTokens += usage.TotalTokens
	g.totals.InputTokens += usage.InputTokens
	g.totals.OutputTokens += usage.OutputTokens
	g.totals.APICalls++
	alerts := g.pendingAlertsLocked()
	g.mu.Unlock()

	for _, a := range alerts {
		g.log.Warn("budget threshold crossed", "limit", a.Limit, "threshold", a.Threshold, "ratio", a.Ratio)
		if g.onAlert != nil {
			g.onAlert(a)
		}
	}
	return nil
}

// pendingAlertsLocked computes newly crossed thresholds, at most once
// per (limit, threshold) per run.
func (g *Guardian) pendingAlertsLocked() []Alert {
	type gauge struct {
		name  string
		ratio float64
	}
	var gauges []gauge
	if g.budget.MaxCostUSD > 0 {
		gauges = append(gauges, gauge{"cost", g.totals.CostUSD / g.budget.MaxCostUSD})
	}
	if g.budget.MaxTokens > 0 {
		gauges = append(gauges, gauge{"tokens", float64(g.totals.TotalTokens) / float64(g.budget.MaxTokens)})
	}
	if g.budget.MaxAPICalls > 0 {
		gauges = append(gauges, gauge{"api_calls", float64(g.totals.APICalls) / float64(g.budget.MaxAPICalls)})
	}

	var out []Alert
	for _, gv := range gauges {
		for _, th := range AlertThresholds {
			if gv.ratio < th {
				continue
			}
			key := fmt.Sprintf("%s:%.2f", gv.name, th)
			if g.alerted[key] {
				continue
			}
			g.alerted[key] = true
			out = append(out, Alert{Limit: gv.name, Threshold: th, Ratio: gv.ratio})
		}
	}
	return out
}

// Advisory reports an allowed check that ran without pricing as a WARN
// decision carrying the zero-cost estimation evidence.
func (r Result) Advisory() contracts.Decision {
	return contracts.Decision{
		Code:        contracts.CodeEconomicCostEstimationFailed,
		Decision:    contracts.ActionWarn,
		RiskLevel:   contracts.RiskLow,
		Domain:      contracts.DomainCost,
		Message:     "no pricing available; operation counted at zero cost",
		Evidence:    map[string]any{"cost_usd": r.CostUSD, "estimated": true},
		ValidatorID: "guardian",
	}
}

// Decision converts a deny result into the gate's decision shape.
func (r Result) Decision() contracts.Decision {
	return contracts.Decision{
		Code:        contracts.NormalizeCode(r.Code),
		Decision:    contracts.ActionBlock,
		RiskLevel:   contracts.RiskHigh,
		Domain:      contracts.DomainCost,
		Message:     r.Reason,
		ValidatorID: "guardian",
	}
}

func (g *Guardian) key(window string) string {
	return "guardian:" + g.runID + ":" + window
}
