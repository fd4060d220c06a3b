// Package gate is the only authority that turns decision lists into
// verdicts. Two instances run per step: the preflight gate before tool
// execution and the egress gate before a response leaves the chokepoint.
// Both share one resolver, so decision semantics are identical on both
// sides.
package gate

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/engine"
)

// Kind names the gate instance for trace attribution.
type Kind string

const (
	KindPreflight Kind = "preflight"
	KindEgress    Kind = "egress"
)

// Outcome is one gate decision: the verdict plus every decision that
// produced it, suppressed ones included, for explain output.
type Outcome struct {
	Kind      Kind                 `json:"kind"`
	Verdict   contracts.Verdict    `json:"verdict"`
	Decisions []contracts.Decision `json:"decisions"`
}

// Gate wraps the engine for one side of the chokepoint.
type Gate struct {
	kind    Kind
	eng     *engine.Engine
	limiter *rate.Limiter
	log     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithThrottle bounds egress evaluations per second with the given
// burst. A saturated limiter denies with RESOURCE_LIMIT_CONCURRENCY
// rather than queueing.
func WithThrottle(perSecond float64, burst int) Option {
	return func(g *Gate) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the gate's logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// New builds a gate of the given kind over a shared engine.
func New(kind Kind, eng *engine.Engine, opts ...Option) *Gate {
	g := &Gate{
		kind: kind,
		eng:  eng,
		log:  slog.Default().With("component", "gate", "kind", string(kind)),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check evaluates the call and resolves the verdict. The returned
// outcome is final: callers must not append evidence to it.
func (g *Gate) Check(ctx context.Context, call *contracts.ContextV1) Outcome {
	if g.limiter != nil && !g.limiter.Allow() {
		d := contracts.Decision{
			Code:      contracts.CodeResourceLimitConcurrency,
			Decision:  contracts.ActionBlock,
			RiskLevel: contracts.RiskMedium,
			Domain:    contracts.DomainOther,
			Message:   "gate throttle saturated",
			Evidence:  map[string]any{"gate": string(g.kind)},
		}
		return Outcome{Kind: g.kind, Verdict: Resolve([]contracts.Decision{d}), Decisions: []contracts.Decision{d}}
	}

	decisions := g.eng.Evaluate(ctx, call)
	verdict := Resolve(decisions)
	if ctx.Err() != nil && !verdict.Blocked() {
		// Cancellation is terminal regardless of enforcement overlays.
		verdict = contracts.Verdict{
			Decision:  contracts.ActionBlock,
			Code:      contracts.CodeCancelled,
			RiskLevel: contracts.RiskMedium,
			Domain:    contracts.DomainOther,
		}
	}
	if verdict.Blocked() {
		g.log.Info("blocked",
			"tool", call.Tool, "step", call.StepID, "run", call.RunID,
			"code", verdict.Code, "domain", string(verdict.Domain))
	}
	return Outcome{Kind: g.kind, Verdict: verdict, Decisions: decisions}
}

// Resolve computes the strongest surviving decision. Suppressed and
// shadowed decisions contribute ALLOW; a WARN enforcement downgrades a
// BLOCK before precedence is applied. BLOCK is terminal for the step.
func Resolve(decisions []contracts.Decision) contracts.Verdict {
	verdict := contracts.Verdict{Decision: contracts.ActionAllow}
	for i := range decisions {
		d := &decisions[i]
		eff := d.EffectiveAction()
		if contracts.Strongest(verdict.Decision, eff) == verdict.Decision && verdict.Code != "" {
			continue
		}
		if eff == contracts.ActionAllow {
			continue
		}
		verdict = contracts.Verdict{
			Decision:  eff,
			Code:      d.Code,
			RiskLevel: d.RiskLevel,
			Domain:    d.Domain,
			Evidence:  d.Evidence,
		}
	}
	return verdict
}
