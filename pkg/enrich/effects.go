package enrich

import (
	"context"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/validators"
)

// EffectsEnricher records the step's observed side effects. Executors
// that report concrete effects put them in the result under
// "side_effects"; otherwise the gate-side prediction heuristics are
// reused as a best-effort annotation.
type EffectsEnricher struct {
	predictor *validators.Effects
}

func NewEffectsEnricher() *EffectsEnricher {
	return &EffectsEnricher{predictor: validators.NewEffects(validators.EffectsConfig{})}
}

func (e *EffectsEnricher) Name() string { return "effects" }

func (e *EffectsEnricher) Enrich(_ context.Context, call *contracts.ContextV1) (map[string]any, error) {
	effects := observedEffects(call)
	observed := len(effects) > 0
	if !observed {
		effects = e.predictor.Predict(call)
	}
	if len(effects) == 0 {
		return nil, nil
	}

	items := make([]map[string]any, 0, len(effects))
	for _, eff := range effects {
		items = append(items, map[string]any{
			"type":     string(eff.Type),
			"target":   eff.Target,
			"category": string(eff.Category),
		})
	}
	return map[string]any{
		"effects":  items,
		"observed": observed,
	}, nil
}

// observedEffects extracts executor-reported effects from the result.
func observedEffects(call *contracts.ContextV1) []contracts.Effect {
	m, ok := call.Result.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["side_effects"].([]any)
	if !ok {
		return nil
	}
	var out []contracts.Effect
	for _, item := range raw {
		em, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t, _ := em["type"].(string)
		et := contracts.EffectType(t)
		if !et.Known() {
			continue
		}
		target, _ := em["target"].(string)
		out = append(out, contracts.NewEffect(et, target, call.Tool, call.StepID))
	}
	return out
}
