package enrich

import (
	"context"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/validators"
)

// TaintEnricher attributes the step's output to its upstream sources:
// whether the output itself carries a taint tag and which marked steps
// fed into this one.
type TaintEnricher struct{}

func NewTaintEnricher() *TaintEnricher { return &TaintEnricher{} }

func (e *TaintEnricher) Name() string { return "taint" }

func (e *TaintEnricher) Enrich(_ context.Context, call *contracts.ContextV1) (map[string]any, error) {
	tc := validators.TaintState(call)
	if tc == nil {
		return nil, nil
	}

	ev := map[string]any{}
	if tag, ok := tc.Tagged(call.StepID); ok {
		ev["tagged"] = true
		ev["source"] = string(tag.Source)
		ev["sensitivity"] = string(tag.Sensitivity)
	}
	if chain := tc.FlowChain(call.StepID, 0); len(chain) > 0 {
		edges := make([]map[string]any, 0, len(chain))
		for _, fe := range chain {
			edges = append(edges, map[string]any{
				"source_step": fe.SourceStep,
				"sink_step":   fe.SinkStep,
				"field_path":  fe.FieldPath,
				"confidence":  string(fe.Confidence),
			})
		}
		ev["chain"] = edges
		ev["source_steps"] = tc.SourceSteps(call.StepID)
	}
	if len(ev) == 0 {
		return nil, nil
	}
	return ev, nil
}
