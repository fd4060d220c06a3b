package guardian

import (
	"sync"

	"github.com/failcore/failcore/pkg/contracts"
)

// DefaultSafetyMargin stops a stream slightly before the hard cap so the
// final accounting cannot overshoot it.
const DefaultSafetyMargin = 0.95

// Watchdog monitors a streaming operation's token flow against the
// run budget. OnTokens is cheap between check intervals: it only counts.
type Watchdog struct {
	g             *Guardian
	checkInterval int64
	safetyMargin  float64

	mu        sync.Mutex
	streamed  int64
	lastCheck int64
	tripped   *Result
}

// NewWatchdog creates a watchdog over the guardian. checkInterval is the
// number of tokens between budget checks; safetyMargin defaults to 0.95
// of each cap.
func (g *Guardian) NewWatchdog(checkInterval int64, safetyMargin float64) *Watchdog {
	if checkInterval <= 0 {
		checkInterval = 256
	}
	if safetyMargin <= 0 || safetyMargin > 1 {
		safetyMargin = DefaultSafetyMargin
	}
	return &Watchdog{g: g, checkInterval: checkInterval, safetyMargin: safetyMargin}
}

// OnTokens reports n more streamed tokens. A non-nil result means the
// caller must stop the stream; the result repeats on every later call.
func (w *Watchdog) OnTokens(n int64) *Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tripped != nil {
		return w.tripped
	}
	w.streamed += n
	if w.streamed-w.lastCheck < w.checkInterval {
		return nil
	}
	w.lastCheck = w.streamed

	totals := w.g.Totals()
	budget := w.g.budget

	if budget.MaxTokens > 0 {
		margin := int64(float64(budget.MaxTokens) * w.safetyMargin)
		if totals.TotalTokens+w.streamed >= margin {
			w.tripped = &Result{
				Allowed: false,
				Reason:  "stream reached the token safety margin",
				Code:    contracts.CodeEconomicTokenLimit,
			}
			return w.tripped
		}
	}
	if budget.MaxCostUSD > 0 {
		if p, ok := w.g.prices.Price(""); ok {
			projected := totals.CostUSD + p.Cost(0, w.streamed)
			if projected >= budget.MaxCostUSD*w.safetyMargin {
				w.tripped = &Result{
					Allowed: false,
					Reason:  "stream reached the cost safety margin",
					Code:    contracts.CodeEconomicBudgetExceeded,
				}
				return w.tripped
			}
		}
	}
	return nil
}

// Streamed returns the tokens observed so far.
func (w *Watchdog) Streamed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streamed
}
