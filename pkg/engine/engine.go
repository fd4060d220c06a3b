// Package engine runs the configured validators over a call context and
// resolves their decisions into one deterministic, policy-overlaid list.
// Validator failures never block on their own behalf: they are converted
// to fail-open INTERNAL_ERROR decisions and evaluation continues. Context
// cancellation is the exception and is terminal for the step.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/policy"
	"github.com/failcore/failcore/pkg/validators"
)

// DefaultValidatorTimeout is the per-validator soft deadline.
const DefaultValidatorTimeout = 500 * time.Millisecond

// Engine evaluates one call at a time against the merged policy.
type Engine struct {
	merged  *policy.Merged
	byID    map[string]validators.Validator
	timeout time.Duration
	log     *slog.Logger

	mu sync.Mutex // guards merged.Audit appends
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-validator soft deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New builds an engine. Every enabled validator in the merged policy
// must have a registered implementation; a missing one is a
// control-plane error that refuses run start.
func New(merged *policy.Merged, impls []validators.Validator, opts ...Option) (*Engine, error) {
	e := &Engine{
		merged:  merged,
		byID:    make(map[string]validators.Validator, len(impls)),
		timeout: DefaultValidatorTimeout,
		log:     slog.Default().With("component", "engine"),
	}
	for _, v := range impls {
		e.byID[v.ID()] = v
	}
	for _, mv := range merged.Sorted() {
		if _, ok := e.byID[mv.ID]; !ok {
			return nil, fmt.Errorf("engine: policy enables validator %q but no implementation is registered", mv.ID)
		}
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Evaluate runs every enabled validator in deterministic order and
// returns all decisions, including suppressed ones, for explain output.
// The gate derives the final verdict from this list.
func (e *Engine) Evaluate(ctx context.Context, call *contracts.ContextV1) []contracts.Decision {
	var all []contracts.Decision

	for _, mv := range e.merged.Sorted() {
		select {
		case <-ctx.Done():
			all = append(all, contracts.Decision{
				Code:        contracts.CodeCancelled,
				Decision:    contracts.ActionBlock,
				RiskLevel:   contracts.RiskMedium,
				Domain:      contracts.DomainOther,
				Message:     "evaluation cancelled before validator " + mv.ID,
				ValidatorID: mv.ID,
			})
			return e.finish(call, all)
		default:
		}

		ds := e.runOne(ctx, mv, call)
		for i := range ds {
			d := &ds[i]
			d.Code = contracts.NormalizeCode(d.Code)
			if d.ValidatorID == "" {
				d.ValidatorID = mv.ID
			}
			// Cancellation is not subject to enforcement downgrade.
			if d.Code != contracts.CodeCancelled {
				d.Enforcement = mv.Enforcement
			}
			d.Overrideable = mv.AllowOverride
		}
		all = append(all, ds...)
	}
	return e.finish(call, all)
}

func (e *Engine) finish(call *contracts.ContextV1, all []contracts.Decision) []contracts.Decision {
	deduplicate(all)
	e.applyOverlay(call, all)
	return all
}

// runOne executes a single validator under the soft deadline, converting
// panics, errors, and timeouts into fail-open INTERNAL_ERROR decisions.
func (e *Engine) runOne(ctx context.Context, mv policy.MergedValidator, call *contracts.ContextV1) []contracts.Decision {
	type result struct {
		ds  []contracts.Decision
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ds, err := e.byID[mv.ID].Evaluate(ctx, call)
		done <- result{ds: ds, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return []contracts.Decision{cancelled(mv)}
			}
			e.log.Warn("validator failed", "validator", mv.ID, "step", call.StepID, "error", r.err)
			return []contracts.Decision{internalError(mv, r.err.Error())}
		}
		return r.ds
	case <-timer.C:
		e.log.Warn("validator timed out", "validator", mv.ID, "step", call.StepID, "timeout", e.timeout)
		d := internalError(mv, "validator exceeded soft deadline")
		d.Evidence["timeout"] = true
		return []contracts.Decision{d}
	case <-ctx.Done():
		return []contracts.Decision{cancelled(mv)}
	}
}

// cancelled is terminal for the step: the gate must emit BLOCK with
// code CANCELLED, so the decision is never built as a WARN.
func cancelled(mv policy.MergedValidator) contracts.Decision {
	return contracts.Decision{
		Code:        contracts.CodeCancelled,
		Decision:    contracts.ActionBlock,
		RiskLevel:   contracts.RiskMedium,
		Domain:      mv.Domain,
		Message:     "evaluation cancelled during validator " + mv.ID,
		ValidatorID: mv.ID,
	}
}

func internalError(mv policy.MergedValidator, detail string) contracts.Decision {
	return contracts.Decision{
		Code:        contracts.CodeInternalError,
		Decision:    contracts.ActionWarn,
		RiskLevel:   contracts.RiskLow,
		Domain:      mv.Domain,
		Message:     "validator " + mv.ID + " failed internally",
		Evidence:    map[string]any{"detail": detail},
		ValidatorID: mv.ID,
	}
}

// applyOverlay stamps shadow downgrades, breakglass exceptions, and
// run-level overrides onto the decision list.
func (e *Engine) applyOverlay(call *contracts.ContextV1, all []contracts.Decision) {
	var override policy.OverrideStatus
	if e.merged.Override.Enabled {
		var now time.Time
		if ts := call.Metadata.Timestamp; ts != nil {
			now = *ts
		}
		override = e.merged.Override.CheckOverride(call.Metadata.OverrideToken, call.RunID, now)
	}

	for i := range all {
		d := &all[i]
		mv, ok := e.merged.Validators[d.ValidatorID]
		if !ok {
			continue
		}
		if mv.Shadowed {
			d.Enforcement = policy.EnforcementShadow
			continue
		}
		if ex := mv.ActiveException(call.Tool, d.Code, call.Metadata.Timestamp); ex != nil {
			d.Enforcement = policy.EnforcementWarn
			d.Tags = append(d.Tags, "breakglass_exception")
			e.recordBreakglassEffect(d.Code)
			continue
		}
		if override.Active && d.Overrideable && d.Decision == contracts.ActionBlock {
			d.Enforcement = policy.EnforcementWarn
			d.Tags = append(d.Tags, "override")
		}
	}
}

func (e *Engine) recordBreakglassEffect(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.merged.Audit == nil {
		return
	}
	for _, c := range e.merged.Audit.AffectedDecisions {
		if c == code {
			return
		}
	}
	e.merged.Audit.AffectedDecisions = append(e.merged.Audit.AffectedDecisions, code)
}

// deduplicate keeps, per suppression key, the decision from the highest
// priority domain and marks the rest suppressed. Ties keep the earliest
// decision, which is deterministic because validator order is.
func deduplicate(all []contracts.Decision) {
	winners := map[string]int{}
	for i := range all {
		key := suppressionKey(&all[i])
		if key == "" {
			continue
		}
		w, ok := winners[key]
		if !ok {
			winners[key] = i
			continue
		}
		if contracts.DomainPriority(all[i].Domain) > contracts.DomainPriority(all[w].Domain) {
			suppress(&all[w], &all[i])
			winners[key] = i
		} else {
			suppress(&all[i], &all[w])
		}
	}
}

func suppress(loser, winner *contracts.Decision) {
	loser.SuppressedBy = winner.Code
	loser.SuppressionReason = "duplicate_domain_lower_priority"
	loser.SuppressionExplanation = fmt.Sprintf("domain %s (priority %d) outranks %s (priority %d) for the same finding",
		winner.Domain, contracts.DomainPriority(winner.Domain),
		loser.Domain, contracts.DomainPriority(loser.Domain))
	if winner.Evidence == nil {
		winner.Evidence = map[string]any{}
	}
	codes, _ := winner.Evidence["suppressed_codes"].([]string)
	codes = append(codes, loser.Code)
	sort.Strings(codes)
	winner.Evidence["suppressed_codes"] = codes
}

// suppressionKey is (finding class, primary parameter path). Decisions
// without a locatable parameter never suppress each other.
func suppressionKey(d *contracts.Decision) string {
	path := primaryPath(d)
	if path == "" {
		return ""
	}
	return findingClass(d) + "|" + path
}

func findingClass(d *contracts.Decision) string {
	switch d.Code {
	case contracts.CodePathTraversal, contracts.CodePathInvalid, contracts.CodeAbsolutePath,
		contracts.CodeSymlinkEscape, contracts.CodeSandboxViolation:
		return "path"
	case contracts.CodeSSRFBlocked, contracts.CodePrivateNetworkBlocked:
		return "network"
	case contracts.CodeDataLeakPrevented, contracts.CodeDataTainted, contracts.CodeSanitizationRequired:
		return "data"
	case contracts.CodePolicyDenied:
		return "command"
	case contracts.CodeSemanticViolation:
		switch d.Evidence["category"] {
		case "PATH_TRAVERSAL":
			return "path"
		case "SECRET_LEAKAGE":
			return "data"
		case "DANGEROUS_COMBO":
			return "command"
		default:
			return "semantic"
		}
	default:
		return d.Code
	}
}

func primaryPath(d *contracts.Decision) string {
	if d.Evidence == nil {
		return ""
	}
	if p, ok := d.Evidence["param"].(string); ok {
		return p
	}
	if ps, ok := d.Evidence["paths"].([]string); ok && len(ps) > 0 {
		sorted := append([]string(nil), ps...)
		sort.Strings(sorted)
		return sorted[0]
	}
	if ms, ok := d.Evidence["pattern_matches"].([]map[string]any); ok && len(ms) > 0 {
		paths := make([]string, 0, len(ms))
		for _, m := range ms {
			if fp, ok := m["field_path"].(string); ok {
				paths = append(paths, fp)
			}
		}
		sort.Strings(paths)
		if len(paths) > 0 {
			return paths[0]
		}
	}
	return ""
}
