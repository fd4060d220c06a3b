// Package policy defines the three-layer policy model that drives the
// validation engine: an active layer (complete, standalone), an optional
// shadow layer (observation only), and an optional breakglass layer
// (audited weakening). Policies load from YAML or JSON and are immutable
// once merged.
package policy

import (
	"fmt"
	"time"

	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
)

// Enforcement modes for a validator under policy.
const (
	EnforcementBlock  = "BLOCK"
	EnforcementWarn   = "WARN"
	EnforcementShadow = "SHADOW"
)

// Layer identifies which policy layer a document belongs to.
type Layer string

const (
	LayerActive     Layer = "active"
	LayerShadow     Layer = "shadow"
	LayerBreakglass Layer = "breakglass"
)

// Exception carves out a validator for specific tools or codes. Every
// breakglass exception must carry ExpiresAt.
type Exception struct {
	ToolPattern string     `json:"tool_pattern,omitempty" yaml:"tool_pattern,omitempty"`
	Code        string     `json:"code,omitempty" yaml:"code,omitempty"`
	Reason      string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// ValidatorConfig is one validator's policy entry.
type ValidatorConfig struct {
	ID            string           `json:"id" yaml:"id"`
	Enabled       bool             `json:"enabled" yaml:"enabled"`
	Enforcement   string           `json:"enforcement" yaml:"enforcement"` // BLOCK | WARN | SHADOW
	Domain        contracts.Domain `json:"domain" yaml:"domain"`
	Priority      int              `json:"priority" yaml:"priority"` // lower = earlier
	Config        map[string]any   `json:"config,omitempty" yaml:"config,omitempty"`
	Exceptions    []Exception      `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
	AllowOverride bool             `json:"allow_override" yaml:"allow_override"`
}

// Override configures the run-level override escape hatch.
type Override struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	RequireToken bool   `json:"require_token" yaml:"require_token"`
	AuditTTL     string `json:"audit_ttl,omitempty" yaml:"audit_ttl,omitempty"`
	// TokenSecret is the HMAC secret handle for override JWTs. Never
	// serialised into policy hashes or traces.
	TokenSecret string `json:"-" yaml:"token_secret,omitempty"`
}

// Metadata names a policy document.
type Metadata struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Policy is one parsed policy document.
type Policy struct {
	Version    string                     `json:"version" yaml:"version"`
	Validators map[string]ValidatorConfig `json:"validators" yaml:"validators"`
	Override   Override                   `json:"override" yaml:"override"`
	Metadata   Metadata                   `json:"metadata" yaml:"metadata"`
}

// Validate checks structural invariants of a single document.
func (p *Policy) Validate() error {
	if p.Version != "v1" {
		return fmt.Errorf("policy: unsupported version %q", p.Version)
	}
	for id, vc := range p.Validators {
		if vc.ID != "" && vc.ID != id {
			return fmt.Errorf("policy: validator key %q does not match id %q", id, vc.ID)
		}
		switch vc.Enforcement {
		case "", EnforcementBlock, EnforcementWarn, EnforcementShadow:
		default:
			return fmt.Errorf("policy: validator %q: unknown enforcement %q", id, vc.Enforcement)
		}
	}
	return nil
}

// Hash returns the canonical content hash of the policy, used as
// policy_hash in RUN_START events.
func (p *Policy) Hash() (string, error) {
	return canonicalize.CanonicalHash(p)
}

// BreakglassAudit records one breakglass activation. The hosting
// environment owns retention; expiry here only bounds the exception's
// effect.
type BreakglassAudit struct {
	EnabledAt          time.Time `json:"enabled_at"`
	EnabledBy          string    `json:"enabled_by"`
	Reason             string    `json:"reason"`
	ExpiresAt          time.Time `json:"expires_at"`
	TokenUsed          bool      `json:"token_used"`
	AffectedValidators []string  `json:"affected_validators"`
	AffectedDecisions  []string  `json:"affected_decisions"`
}
