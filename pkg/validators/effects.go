package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/failcore/failcore/pkg/contracts"
)

// Effect boundary presets, from most to least restrictive.
const (
	BoundaryNone       = "none"       // no side effects permitted
	BoundaryStrict     = "strict"     // filesystem reads only
	BoundaryReadonly   = "readonly"   // reads, metadata, dns
	BoundaryPermissive = "permissive" // every known effect type
)

var boundaryAllows = map[string]map[contracts.EffectType]bool{
	BoundaryNone: {},
	BoundaryStrict: {
		contracts.EffectFilesystemRead: true,
	},
	BoundaryReadonly: {
		contracts.EffectFilesystemRead:     true,
		contracts.EffectFilesystemMetadata: true,
		contracts.EffectNetworkDNS:         true,
	},
	BoundaryPermissive: {
		contracts.EffectFilesystemRead:     true,
		contracts.EffectFilesystemWrite:    true,
		contracts.EffectFilesystemDelete:   true,
		contracts.EffectFilesystemMetadata: true,
		contracts.EffectNetworkEgress:      true,
		contracts.EffectNetworkDNS:         true,
		contracts.EffectNetworkIngress:     true,
		contracts.EffectProcessSpawn:       true,
		contracts.EffectProcessKill:        true,
		contracts.EffectProcessSignal:      true,
	},
}

// EffectsConfig tunes the effects validator.
type EffectsConfig struct {
	// Boundary is the run's declared effect boundary preset.
	Boundary string `json:"boundary" yaml:"boundary"`
	// ToolEffects is explicit per-tool metadata; it wins over heuristics.
	ToolEffects map[string][]contracts.EffectType `json:"tool_effects,omitempty" yaml:"tool_effects,omitempty"`
}

// Effects predicts a call's side effects and blocks crossings of the
// run's declared boundary.
type Effects struct {
	cfg EffectsConfig
}

func NewEffects(cfg EffectsConfig) *Effects {
	if cfg.Boundary == "" {
		cfg.Boundary = BoundaryPermissive
	}
	return &Effects{cfg: cfg}
}

func (e *Effects) ID() string               { return "effects" }
func (e *Effects) Domain() contracts.Domain { return contracts.DomainSecurity }

func (e *Effects) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	allowed, ok := boundaryAllows[e.cfg.Boundary]
	if !ok {
		return nil, fmt.Errorf("effects: unknown boundary preset %q", e.cfg.Boundary)
	}

	var out []contracts.Decision
	for _, eff := range e.Predict(call) {
		if allowed[eff.Type] {
			continue
		}
		d := block(e.ID(), contracts.DomainSecurity, contracts.CodeSideEffectBoundary,
			contracts.RiskHigh,
			fmt.Sprintf("tool %s would perform %s outside the %s boundary", call.Tool, eff.Type, e.cfg.Boundary))
		d.Evidence = map[string]any{
			"effect":   string(eff.Type),
			"category": string(eff.Category),
			"target":   eff.Target,
			"boundary": e.cfg.Boundary,
		}
		d.Suggestion = "Declare a wider effect boundary for this run, or use a tool within the boundary"
		out = append(out, d)
	}
	return out, nil
}

// Predict derives the effect set for (tool, params): explicit metadata
// first, then name and parameter heuristics.
func (e *Effects) Predict(call *contracts.ContextV1) []contracts.Effect {
	if types, ok := e.cfg.ToolEffects[call.Tool]; ok {
		out := make([]contracts.Effect, 0, len(types))
		for _, t := range types {
			out = append(out, contracts.NewEffect(t, "", call.Tool, call.StepID))
		}
		return out
	}

	var out []contracts.Effect
	add := func(t contracts.EffectType, target string) {
		out = append(out, contracts.NewEffect(t, target, call.Tool, call.StepID))
	}

	name := strings.ToLower(call.Tool)
	fields := StringFields(call.Params)
	pathTarget, urlTarget := "", ""
	for _, f := range fields {
		if pathTarget == "" && pathParamKeys[f.Key] {
			pathTarget = f.Value
		}
		if urlTarget == "" && urlParamKeys[f.Key] {
			urlTarget = f.Value
		}
	}

	switch {
	case containsAny(name, "delete", "remove", "rm_", "unlink"):
		add(contracts.EffectFilesystemDelete, pathTarget)
	case containsAny(name, "write", "save", "create", "append", "upload") && pathTarget != "":
		add(contracts.EffectFilesystemWrite, pathTarget)
	case containsAny(name, "read", "cat", "load", "open") && pathTarget != "":
		add(contracts.EffectFilesystemRead, pathTarget)
	case containsAny(name, "stat", "list", "ls_", "glob") && pathTarget != "":
		add(contracts.EffectFilesystemMetadata, pathTarget)
	}
	if urlTarget != "" || containsAny(name, "http", "fetch", "request", "webhook", "post_") {
		add(contracts.EffectNetworkEgress, urlTarget)
	}
	for _, f := range fields {
		if commandParamKeys[f.Key] {
			add(contracts.EffectProcessSpawn, f.Value)
			break
		}
	}
	if containsAny(name, "kill", "terminate") {
		add(contracts.EffectProcessKill, "")
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
