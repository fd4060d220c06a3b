package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/failcore/failcore/pkg/contracts"
)

// Condition operators for structured expression rules.
const (
	OpContains = "contains"
	OpRegex    = "regex"
	OpEquals   = "equals"
	OpMaxSize  = "max_size"
)

// Condition is one side-effect-free check against a param field.
type Condition struct {
	Field string `json:"field" yaml:"field"` // param key or dotted path
	Op    string `json:"op" yaml:"op"`
	Value string `json:"value" yaml:"value"`
	Size  int    `json:"size,omitempty" yaml:"size,omitempty"` // for max_size

	re *regexp.Regexp
}

// ExprRule matches tools by pattern and fires when all conditions hold.
// Expr, when set, is a CEL expression over `tool` and `params` evaluated
// in addition to the structured conditions.
type ExprRule struct {
	ID          string      `json:"id" yaml:"id"`
	ToolPattern string      `json:"tool_pattern" yaml:"tool_pattern"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expr        string      `json:"expr,omitempty" yaml:"expr,omitempty"`
	// Action defaults to BLOCK; rules may override to WARN or SANITIZE.
	Action      contracts.Action      `json:"action,omitempty" yaml:"action,omitempty"`
	RiskLevel   contracts.RiskLevel   `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Message     string                `json:"message,omitempty" yaml:"message,omitempty"`
	Remediation *contracts.Remediation `json:"remediation,omitempty" yaml:"remediation,omitempty"`

	prg cel.Program
}

// ExprRules evaluates operator-authored rules. Rules are compiled once
// at construction; a rule that fails to compile is a control-plane error.
type ExprRules struct {
	rules []ExprRule
}

func NewExprRules(rules []ExprRule) (*ExprRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("exprrules: cel env: %w", err)
	}

	compiled := make([]ExprRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("exprrules: rule without id")
		}
		if r.Action == "" {
			r.Action = contracts.ActionBlock
		}
		if r.RiskLevel == "" {
			r.RiskLevel = contracts.RiskMedium
		}
		for i := range r.Conditions {
			c := &r.Conditions[i]
			switch c.Op {
			case OpContains, OpEquals, OpMaxSize:
			case OpRegex:
				re, err := regexp.Compile(c.Value)
				if err != nil {
					return nil, fmt.Errorf("exprrules: rule %s: %w", r.ID, err)
				}
				c.re = re
			default:
				return nil, fmt.Errorf("exprrules: rule %s: unknown op %q", r.ID, c.Op)
			}
		}
		if r.Expr != "" {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("exprrules: rule %s: %w", r.ID, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("exprrules: rule %s: %w", r.ID, err)
			}
			r.prg = prg
		}
		compiled = append(compiled, r)
	}
	return &ExprRules{rules: compiled}, nil
}

func (e *ExprRules) ID() string               { return "expr_rules" }
func (e *ExprRules) Domain() contracts.Domain { return contracts.DomainOther }

func (e *ExprRules) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	var out []contracts.Decision
	for i := range e.rules {
		r := &e.rules[i]
		if r.ToolPattern != "" && !toolPatternMatch(r.ToolPattern, call.Tool) {
			continue
		}
		fired, err := r.matches(call)
		if err != nil {
			return nil, fmt.Errorf("exprrules: rule %s: %w", r.ID, err)
		}
		if !fired {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %s matched %s", r.ID, call.Tool)
		}
		d := contracts.Decision{
			Code:        contracts.CodePolicyDenied,
			Decision:    r.Action,
			RiskLevel:   r.RiskLevel,
			Domain:      contracts.DomainOther,
			Message:     msg,
			Remediation: r.Remediation,
			ValidatorID: e.ID(),
			Evidence:    map[string]any{"rule_id": r.ID, "tool_pattern": r.ToolPattern},
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *ExprRule) matches(call *contracts.ContextV1) (bool, error) {
	for i := range r.Conditions {
		c := &r.Conditions[i]
		val, ok := lookupField(call.Params, c.Field)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpContains:
			s, ok := val.(string)
			if !ok || !containsAny(s, c.Value) {
				return false, nil
			}
		case OpRegex:
			s, ok := val.(string)
			if !ok || !c.re.MatchString(s) {
				return false, nil
			}
		case OpEquals:
			if fmt.Sprint(val) != c.Value {
				return false, nil
			}
		case OpMaxSize:
			s, ok := val.(string)
			if !ok || len(s) <= c.Size {
				return false, nil
			}
		}
	}
	if r.prg != nil {
		v, _, err := r.prg.Eval(map[string]any{"tool": call.Tool, "params": call.Params})
		if err != nil {
			// Runtime errors (typically a missing key) mean the rule's
			// precondition does not hold for this call.
			return false, nil
		}
		b, ok := v.Value().(bool)
		if !ok || !b {
			return false, nil
		}
	}
	return len(r.Conditions) > 0 || r.prg != nil, nil
}

func lookupField(params map[string]any, field string) (any, bool) {
	cur := any(params)
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == '.' {
			key := field[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[key]
			if !ok {
				return nil, false
			}
			start = i + 1
		}
	}
	return cur, true
}

// toolPatternMatch supports "*" at either end, matching the allowlist
// style used in policies.
func toolPatternMatch(pattern, tool string) bool {
	switch {
	case pattern == "*" || pattern == tool:
		return true
	case len(pattern) > 1 && pattern[0] == '*':
		return strings.HasSuffix(tool, pattern[1:])
	case len(pattern) > 1 && pattern[len(pattern)-1] == '*':
		return strings.HasPrefix(tool, pattern[:len(pattern)-1])
	}
	return false
}
