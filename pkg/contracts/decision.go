package contracts

// Action is the per-decision verdict contribution.
type Action string

// Action constants ordered by strength. BLOCK is terminal for a step.
const (
	ActionAllow    Action = "ALLOW"
	ActionWarn     Action = "WARN"
	ActionSanitize Action = "SANITIZE"
	ActionBlock    Action = "BLOCK"
)

// strength maps actions to precedence BLOCK > SANITIZE > WARN > ALLOW.
func (a Action) strength() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionSanitize:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// Strongest returns the higher-precedence of two actions.
func Strongest(a, b Action) Action {
	if b.strength() > a.strength() {
		return b
	}
	return a
}

// RiskLevel classifies a decision's severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Domain identifies which subsystem produced a decision. Domains carry a
// fixed priority used by the engine's deduplication pass.
type Domain string

const (
	DomainSecurity  Domain = "security"
	DomainDLP       Domain = "dlp"
	DomainSemantic  Domain = "semantic"
	DomainTaintFlow Domain = "taint_flow"
	DomainDrift     Domain = "drift"
	DomainCost      Domain = "cost"
	DomainContract  Domain = "contract"
	DomainOther     Domain = "other"
)

// DomainPriority returns the dedup weight of a domain. Higher wins.
func DomainPriority(d Domain) int {
	switch d {
	case DomainSecurity:
		return 100
	case DomainDLP:
		return 80
	case DomainSemantic:
		return 60
	case DomainTaintFlow:
		return 40
	case DomainDrift:
		return 20
	case DomainCost:
		return 100 // budget denials are never suppressed by content findings
	case DomainContract:
		return 60
	default:
		return 0
	}
}

// Remediation is an LLM-oriented fix hint: a template plus variables the
// caller can substitute to produce a corrected call.
type Remediation struct {
	Template string            `json:"template,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// Decision is the stable verdict unit (DecisionV1). It is append-only:
// downstream consumers rely on every listed field keeping its meaning.
//
// Evidence is safe to share: secret material is always reduced to
// (hash, last4, category) summaries before it is attached here.
type Decision struct {
	Code       string    `json:"code"`
	Decision   Action    `json:"decision"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Domain     Domain    `json:"domain"`
	Message    string    `json:"message"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Remediation *Remediation  `json:"remediation,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	Hint       string    `json:"hint,omitempty"`

	// Set by engine deduplication; never by validators.
	SuppressedBy           string `json:"suppressed_by,omitempty"`
	SuppressionReason      string `json:"suppression_reason,omitempty"`
	SuppressionExplanation string `json:"suppression_explanation,omitempty"`

	// Set by policy overlay.
	Enforcement string `json:"enforcement,omitempty"` // BLOCK | WARN | SHADOW

	Tags             []string `json:"tags,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	Overrideable     bool     `json:"overrideable,omitempty"`

	// ValidatorID records which validator emitted the decision.
	ValidatorID string `json:"validator_id,omitempty"`
}

// Suppressed reports whether engine dedup or shadow overlay removed this
// decision from verdict computation.
func (d *Decision) Suppressed() bool {
	return d.SuppressedBy != "" || d.Enforcement == "SHADOW"
}

// EffectiveAction is the decision's contribution to the verdict after
// policy overlay: shadow-mode and suppressed decisions contribute ALLOW.
func (d *Decision) EffectiveAction() Action {
	if d.Suppressed() {
		return ActionAllow
	}
	switch d.Enforcement {
	case "WARN":
		if d.Decision == ActionBlock {
			return ActionWarn
		}
	case "SHADOW":
		return ActionAllow
	}
	return d.Decision
}

// Verdict is the gate's resolution of a decision list for one step.
type Verdict struct {
	Decision  Action    `json:"decision"`
	Code      string    `json:"code,omitempty"`
	RiskLevel RiskLevel `json:"risk_level,omitempty"`
	Domain    Domain    `json:"domain,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// Blocked reports whether the verdict terminates the step.
func (v Verdict) Blocked() bool { return v.Decision == ActionBlock }
