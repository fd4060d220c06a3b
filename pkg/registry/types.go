// Package registry is the single source of truth for DLP sensitive
// patterns, semantic rules, and their provenance. A registry is
// immutable after load; hot-reload means building a new instance and
// swapping the handle at run creation.
package registry

import (
	"fmt"
	"regexp"

	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
)

// Source identifies where an entry came from.
type Source string

const (
	SourceBuiltin   Source = "builtin"
	SourceCommunity Source = "community"
	SourceLocal     Source = "local"
)

// TrustLevel grades an entry's provenance.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
	TrustUnknown   TrustLevel = "unknown"
)

// SensitivePattern is one DLP detection pattern.
type SensitivePattern struct {
	Name       string     `json:"name" yaml:"name"`
	Category   string     `json:"category" yaml:"category"`
	Pattern    string     `json:"pattern" yaml:"pattern"`
	Severity   int        `json:"severity" yaml:"severity"` // 1..10
	Source     Source     `json:"source" yaml:"source"`
	Version    string     `json:"version" yaml:"version"`
	Signature  string     `json:"signature,omitempty" yaml:"signature,omitempty"` // sha256
	TrustLevel TrustLevel `json:"trust_level" yaml:"trust_level"`

	re *regexp.Regexp
}

// Compile validates and caches the pattern's regular expression.
func (p *SensitivePattern) Compile() error {
	if p.Severity < 1 || p.Severity > 10 {
		return fmt.Errorf("pattern %q: severity %d out of range [1,10]", p.Name, p.Severity)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", p.Name, err)
	}
	p.re = re
	return nil
}

// Regexp returns the compiled expression. Compile must have succeeded.
func (p *SensitivePattern) Regexp() *regexp.Regexp { return p.re }

// Sensitivity maps the pattern's category to a data classification.
func (p *SensitivePattern) Sensitivity() contracts.Sensitivity {
	switch p.Category {
	case "api_key", "private_key", "token", "password":
		return contracts.SensitivitySecret
	case "email", "credit_card", "ssn", "phone":
		return contracts.SensitivityPII
	case "internal_id", "hostname":
		return contracts.SensitivityInternal
	default:
		return contracts.SensitivityConfidential
	}
}

// ContentSignature computes the sha256 signature of the entry's
// canonical form, excluding the signature field itself.
func (p SensitivePattern) ContentSignature() (string, error) {
	p.Signature = ""
	return canonicalize.CanonicalHash(p)
}

// SemanticRule is one structural rule evaluated against parsed ASTs.
type SemanticRule struct {
	ID         string     `json:"id" yaml:"id"`
	Category   string     `json:"category" yaml:"category"`
	Severity   int        `json:"severity" yaml:"severity"`
	Detector   string     `json:"detector" yaml:"detector"`
	Source     Source     `json:"source" yaml:"source"`
	Version    string     `json:"version" yaml:"version"`
	Signature  string     `json:"signature,omitempty" yaml:"signature,omitempty"`
	TrustLevel TrustLevel `json:"trust_level" yaml:"trust_level"`
}

// ContentSignature computes the sha256 signature of the rule's canonical
// form, excluding the signature field itself.
func (r SemanticRule) ContentSignature() (string, error) {
	r.Signature = ""
	return canonicalize.CanonicalHash(r)
}

// Semantic rule categories (closed set).
const (
	RuleSecretLeakage  = "SECRET_LEAKAGE"
	RuleParamPollution = "PARAM_POLLUTION"
	RuleDangerousCombo = "DANGEROUS_COMBO"
	RulePathTraversal  = "PATH_TRAVERSAL"
	RuleInjection      = "INJECTION"
)

// RiskLevel maps a 1..10 severity to the decision risk ladder.
func RiskLevel(severity int) contracts.RiskLevel {
	switch {
	case severity >= 9:
		return contracts.RiskCritical
	case severity >= 7:
		return contracts.RiskHigh
	case severity >= 4:
		return contracts.RiskMedium
	default:
		return contracts.RiskLow
	}
}
