package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// enforcementRank orders enforcement strength for downgrade checks.
func enforcementRank(e string) int {
	switch e {
	case EnforcementBlock:
		return 2
	case EnforcementWarn:
		return 1
	case EnforcementShadow:
		return 0
	default:
		return -1
	}
}

// MergedValidator is one validator's effective configuration after the
// active → shadow → breakglass merge.
type MergedValidator struct {
	ValidatorConfig
	// Shadowed is set when the shadow layer downgraded this validator;
	// its decisions are recorded but never enforced.
	Shadowed bool
	// BreakglassExceptions are the audited carve-outs added by the
	// breakglass layer. Each has a mandatory expiry.
	BreakglassExceptions []Exception
	// DowngradedFrom records the active enforcement when breakglass
	// weakened it, for explain output.
	DowngradedFrom string
}

// Activation describes who pulled breakglass and why.
type Activation struct {
	EnabledBy string
	Reason    string
	TokenUsed bool
	ExpiresAt time.Time
	Now       time.Time
}

// Merged is the effective run policy.
type Merged struct {
	Name       string
	Hash       string
	Validators map[string]MergedValidator
	Override   Override
	Audit      *BreakglassAudit
}

// Merge applies the three layers in order. Shadow may only downgrade
// enforcement to SHADOW on validators the active layer already has;
// breakglass may only weaken: add expiring exceptions or lower
// enforcement. Violations are control-plane errors that refuse run
// start.
func Merge(active, shadow, breakglass *Policy, act *Activation) (*Merged, error) {
	if active == nil {
		return nil, fmt.Errorf("policy: active layer is required")
	}
	hash, err := active.Hash()
	if err != nil {
		return nil, fmt.Errorf("policy: hash active: %w", err)
	}

	m := &Merged{
		Name:       active.Metadata.Name,
		Hash:       hash,
		Validators: make(map[string]MergedValidator, len(active.Validators)),
		Override:   active.Override,
	}
	for id, vc := range active.Validators {
		if vc.Enforcement == "" {
			vc.Enforcement = EnforcementBlock
		}
		m.Validators[id] = MergedValidator{ValidatorConfig: vc}
	}

	if shadow != nil {
		if err := applyShadow(m, shadow); err != nil {
			return nil, err
		}
	}
	if breakglass != nil {
		if act == nil {
			return nil, fmt.Errorf("policy: breakglass layer requires an activation")
		}
		if err := applyBreakglass(m, breakglass, act); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func applyShadow(m *Merged, shadow *Policy) error {
	for id, vc := range shadow.Validators {
		mv, ok := m.Validators[id]
		if !ok {
			return fmt.Errorf("policy: shadow layer adds unknown validator %q", id)
		}
		if vc.Enforcement != EnforcementShadow {
			return fmt.Errorf("policy: shadow layer may only set enforcement SHADOW (validator %q has %q)", id, vc.Enforcement)
		}
		mv.Shadowed = true
		m.Validators[id] = mv
	}
	return nil
}

func applyBreakglass(m *Merged, bg *Policy, act *Activation) error {
	if act.Reason == "" {
		return fmt.Errorf("policy: breakglass activation requires a reason")
	}
	audit := &BreakglassAudit{
		EnabledAt: act.Now,
		EnabledBy: act.EnabledBy,
		Reason:    act.Reason,
		ExpiresAt: act.ExpiresAt,
		TokenUsed: act.TokenUsed,
	}

	for id, vc := range bg.Validators {
		mv, ok := m.Validators[id]
		if !ok {
			return fmt.Errorf("policy: breakglass layer adds unknown validator %q", id)
		}
		touched := false

		if vc.Enforcement != "" && vc.Enforcement != mv.Enforcement {
			if enforcementRank(vc.Enforcement) > enforcementRank(mv.Enforcement) {
				return fmt.Errorf("policy: breakglass may not raise enforcement for %q (%s -> %s)",
					id, mv.Enforcement, vc.Enforcement)
			}
			mv.DowngradedFrom = mv.Enforcement
			mv.Enforcement = vc.Enforcement
			touched = true
		}
		for _, ex := range vc.Exceptions {
			if ex.ExpiresAt == nil {
				return fmt.Errorf("policy: breakglass exception on %q missing expires_at", id)
			}
			mv.BreakglassExceptions = append(mv.BreakglassExceptions, ex)
			touched = true
		}
		if touched {
			audit.AffectedValidators = append(audit.AffectedValidators, id)
		}
		m.Validators[id] = mv
	}
	sort.Strings(audit.AffectedValidators)
	m.Audit = audit
	return nil
}

// Sorted returns the enabled validators in deterministic engine order:
// (priority asc, domain asc, id asc).
func (m *Merged) Sorted() []MergedValidator {
	out := make([]MergedValidator, 0, len(m.Validators))
	for _, v := range m.Validators {
		if v.Enabled {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveException returns the first unexpired breakglass exception
// matching the tool and code at ts. A nil ts means no timestamp was
// injected: exceptions are then inactive and original enforcement
// stands.
func (v *MergedValidator) ActiveException(tool, code string, ts *time.Time) *Exception {
	if ts == nil {
		return nil
	}
	for i := range v.BreakglassExceptions {
		ex := &v.BreakglassExceptions[i]
		if ex.ExpiresAt == nil || !ex.ExpiresAt.After(*ts) {
			continue
		}
		if ex.ToolPattern != "" && !matchPattern(ex.ToolPattern, tool) {
			continue
		}
		if ex.Code != "" && ex.Code != code {
			continue
		}
		return ex
	}
	return nil
}

// matchPattern supports "*" wildcards at either end, as in tool
// allowlists: "fs_*", "*_admin", "*".
func matchPattern(pattern, s string) bool {
	switch {
	case pattern == "*" || pattern == s:
		return true
	case len(pattern) > 1 && pattern[0] == '*' && pattern[len(pattern)-1] == '*':
		return len(pattern) > 2 && strings.Contains(s, pattern[1:len(pattern)-1])
	case pattern[len(pattern)-1] == '*':
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	case pattern[0] == '*':
		return strings.HasSuffix(s, pattern[1:])
	}
	return false
}
