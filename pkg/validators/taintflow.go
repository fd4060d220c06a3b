package validators

import (
	"context"
	"fmt"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/taint"
)

// TaintFlowConfig tunes the taint flow validator.
type TaintFlowConfig struct {
	// Sinks lists tools considered high-risk destinations. Empty means
	// every tool is a candidate sink gated by the sensitivity floor.
	Sinks []string `json:"sinks,omitempty" yaml:"sinks,omitempty"`
	// SensitivityFloor is the minimum classification worth reporting.
	SensitivityFloor contracts.Sensitivity `json:"sensitivity_floor" yaml:"sensitivity_floor"`
	// MaxDepth caps flow chain reconstruction.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// TaintFlow reports tainted values reaching high-risk sinks. It is
// advisory only: every decision it emits is WARN.
type TaintFlow struct {
	cfg TaintFlowConfig
}

func NewTaintFlow(cfg TaintFlowConfig) *TaintFlow {
	if cfg.SensitivityFloor == "" {
		cfg.SensitivityFloor = contracts.SensitivityConfidential
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = taint.DefaultMaxDepth
	}
	return &TaintFlow{cfg: cfg}
}

func (t *TaintFlow) ID() string               { return "taint_flow" }
func (t *TaintFlow) Domain() contracts.Domain { return contracts.DomainTaintFlow }

func (t *TaintFlow) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	tc := TaintState(call)
	if tc == nil {
		return nil, nil
	}
	if len(t.cfg.Sinks) > 0 && !t.isSink(call.Tool) {
		return nil, nil
	}

	tags := tc.DetectTaintedInputs(call.StepID, call.Params, nil)
	var worst contracts.Sensitivity
	for _, tag := range tags {
		worst = contracts.MaxSensitivity(worst, tag.Sensitivity)
	}
	if len(tags) == 0 || !worst.AtLeast(t.cfg.SensitivityFloor) {
		return nil, nil
	}

	chain := tc.FlowChain(call.StepID, t.cfg.MaxDepth)
	confidence := contracts.ConfidenceLow
	for _, edge := range chain {
		if edge.SinkStep == call.StepID {
			confidence = edge.Confidence
			break
		}
	}

	d := warn(t.ID(), contracts.DomainTaintFlow, contracts.CodeDataTainted,
		riskForSensitivity(worst),
		fmt.Sprintf("%s data flows into %s", worst, call.Tool))
	d.Evidence = map[string]any{
		"taint_chain":        chain,
		"binding_confidence": string(confidence),
		"source_step_ids":    tc.SourceSteps(call.StepID),
		"max_sensitivity":    string(worst),
	}
	return []contracts.Decision{d}, nil
}

func (t *TaintFlow) isSink(tool string) bool {
	for _, s := range t.cfg.Sinks {
		if s == tool {
			return true
		}
	}
	return false
}
