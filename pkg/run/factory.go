package run

import (
	"encoding/json"
	"fmt"

	"github.com/failcore/failcore/pkg/policy"
	"github.com/failcore/failcore/pkg/registry"
	"github.com/failcore/failcore/pkg/validators"
)

// buildValidators instantiates an implementation for every enabled
// validator in the merged policy. Caller-supplied implementations win
// over the built-in set; a policy id with neither is a control-plane
// error.
func buildValidators(merged *policy.Merged, reg *registry.Registry, supplied []validators.Validator) ([]validators.Validator, error) {
	byID := map[string]validators.Validator{}
	for _, v := range supplied {
		byID[v.ID()] = v
	}

	var out []validators.Validator
	for _, mv := range merged.Sorted() {
		if v, ok := byID[mv.ID]; ok {
			out = append(out, v)
			continue
		}
		v, err := builtin(mv, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func builtin(mv policy.MergedValidator, reg *registry.Registry) (validators.Validator, error) {
	switch mv.ID {
	case "security":
		var cfg validators.SecurityConfig
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewSecurity(cfg), nil

	case "dlp_guard":
		var cfg validators.DLPConfig
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewDLPGuard(reg, cfg), nil

	case "semantic_intent":
		var cfg validators.SemanticConfig
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewSemantic(reg, cfg), nil

	case "taint_flow":
		var cfg validators.TaintFlowConfig
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewTaintFlow(cfg), nil

	case "effects":
		var cfg validators.EffectsConfig
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewEffects(cfg), nil

	case "contract":
		var cfg struct {
			Tools map[string]struct {
				ParamsSchema string `json:"params_schema"`
				OutputSchema string `json:"output_schema"`
			} `json:"tools"`
		}
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		c := validators.NewContract()
		for tool, schemas := range cfg.Tools {
			if err := c.AddTool(tool, schemas.ParamsSchema, schemas.OutputSchema); err != nil {
				return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
			}
		}
		return c, nil

	case "expr_rules":
		var cfg struct {
			Rules []validators.ExprRule `json:"rules"`
		}
		if err := decodeConfig(mv.Config, &cfg); err != nil {
			return nil, fmt.Errorf("run: validator %s: %w", mv.ID, err)
		}
		return validators.NewExprRules(cfg.Rules)

	default:
		return nil, fmt.Errorf("run: policy enables validator %q with no implementation", mv.ID)
	}
}

// decodeConfig maps a policy config block onto a typed validator config
// via a JSON round trip, so policy files and typed configs share tags.
func decodeConfig(raw map[string]any, dst any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
