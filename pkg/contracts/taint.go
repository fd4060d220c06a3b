package contracts

// TaintSource classifies where tainted data originated.
type TaintSource string

const (
	TaintSourceUser   TaintSource = "user"
	TaintSourceModel  TaintSource = "model"
	TaintSourceTool   TaintSource = "tool"
	TaintSourceSystem TaintSource = "system"
)

// Sensitivity is the data-classification ladder, least to most sensitive.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityPII          Sensitivity = "pii"
	SensitivitySecret       Sensitivity = "secret"
)

// rank orders sensitivities for MaxSensitivity.
func (s Sensitivity) rank() int {
	switch s {
	case SensitivitySecret:
		return 4
	case SensitivityPII:
		return 3
	case SensitivityConfidential:
		return 2
	case SensitivityInternal:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as sensitive as floor or more.
func (s Sensitivity) AtLeast(floor Sensitivity) bool { return s.rank() >= floor.rank() }

// MaxSensitivity returns the most sensitive of the given classifications.
func MaxSensitivity(levels ...Sensitivity) Sensitivity {
	max := SensitivityPublic
	for _, l := range levels {
		if l.rank() > max.rank() {
			max = l
		}
	}
	return max
}

// TaintTag marks a value with its provenance and classification.
type TaintTag struct {
	Source      TaintSource `json:"source"`
	Sensitivity Sensitivity `json:"sensitivity"`
	SourceTool  string      `json:"source_tool,omitempty"`
	SourceStep  string      `json:"source_step,omitempty"`
}

// BindingConfidence grades how certain a detected flow edge is.
type BindingConfidence string

const (
	ConfidenceHigh   BindingConfidence = "high"
	ConfidenceMedium BindingConfidence = "medium"
	ConfidenceLow    BindingConfidence = "low"
)

// FlowEdge is one hop in a taint flow chain.
type FlowEdge struct {
	SourceStep string            `json:"source_step"`
	SinkStep   string            `json:"sink_step"`
	FieldPath  string            `json:"field_path,omitempty"`
	Confidence BindingConfidence `json:"binding_confidence"`
}
