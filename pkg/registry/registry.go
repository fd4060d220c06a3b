package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/failcore/failcore/pkg/canonicalize"
)

// ErrSignatureInvalid is returned when a trusted entry fails signature
// verification. Per the failure contract this refuses the whole
// registry: a run must not start against a tampered trusted source.
var ErrSignatureInvalid = errors.New("registry: invalid signature on trusted entry")

// Filter selects entries from List.
type Filter struct {
	Category    string
	Source      Source
	MinSeverity int
}

// Registry is the immutable, loaded rule set.
type Registry struct {
	patterns []SensitivePattern
	rules    []SemanticRule
	version  string

	// Untrusted entries emit one warning tag on first use.
	warnMu   sync.Mutex
	warnOnce map[string]bool
}

// file is the on-disk YAML shape for LoadFrom.
type file struct {
	Version  string             `yaml:"version"`
	Patterns []SensitivePattern `yaml:"patterns"`
	Rules    []SemanticRule     `yaml:"rules"`
}

// LoadBuiltin loads the shipped pattern and rule set. Builtin entries
// are stamped trusted with self-computed signatures.
func LoadBuiltin() (*Registry, error) {
	pats := builtinPatterns()
	for i := range pats {
		pats[i].Source = SourceBuiltin
		pats[i].TrustLevel = TrustTrusted
		pats[i].Version = "1"
		sig, err := pats[i].ContentSignature()
		if err != nil {
			return nil, fmt.Errorf("registry: sign builtin pattern %q: %w", pats[i].Name, err)
		}
		pats[i].Signature = sig
	}
	rules := builtinRules()
	for i := range rules {
		rules[i].Source = SourceBuiltin
		rules[i].TrustLevel = TrustTrusted
		rules[i].Version = "1"
		sig, err := rules[i].ContentSignature()
		if err != nil {
			return nil, fmt.Errorf("registry: sign builtin rule %q: %w", rules[i].ID, err)
		}
		rules[i].Signature = sig
	}
	return build(pats, rules)
}

// LoadFrom parses a YAML registry document and merges it over the
// builtin set. Trusted entries with bad signatures refuse the registry;
// untrusted entries load and warn on first use.
func LoadFrom(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}

	base, err := LoadBuiltin()
	if err != nil {
		return nil, err
	}
	pats := append([]SensitivePattern{}, base.patterns...)
	rules := append([]SemanticRule{}, base.rules...)

	for _, p := range f.Patterns {
		if p.Source == "" {
			p.Source = SourceLocal
		}
		if p.TrustLevel == "" {
			p.TrustLevel = TrustUnknown
		}
		if err := verifyPattern(p); err != nil {
			return nil, err
		}
		pats = append(pats, p)
	}
	for _, r := range f.Rules {
		if r.Source == "" {
			r.Source = SourceLocal
		}
		if r.TrustLevel == "" {
			r.TrustLevel = TrustUnknown
		}
		if err := verifyRule(r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return build(pats, rules)
}

// LoadFromFile reads and parses a registry file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return LoadFrom(data)
}

func verifyPattern(p SensitivePattern) error {
	if p.TrustLevel != TrustTrusted {
		return nil
	}
	want, err := p.ContentSignature()
	if err != nil {
		return err
	}
	if p.Signature != want {
		return fmt.Errorf("%w: pattern %q", ErrSignatureInvalid, p.Name)
	}
	return nil
}

func verifyRule(r SemanticRule) error {
	if r.TrustLevel != TrustTrusted {
		return nil
	}
	want, err := r.ContentSignature()
	if err != nil {
		return err
	}
	if r.Signature != want {
		return fmt.Errorf("%w: rule %q", ErrSignatureInvalid, r.ID)
	}
	return nil
}

func build(pats []SensitivePattern, rules []SemanticRule) (*Registry, error) {
	for i := range pats {
		if err := pats[i].Compile(); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
	}
	sort.SliceStable(pats, func(i, j int) bool { return pats[i].Name < pats[j].Name })
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	version, err := canonicalize.CanonicalHash(map[string]any{"patterns": pats, "rules": rules})
	if err != nil {
		return nil, fmt.Errorf("registry: compute version: %w", err)
	}
	return &Registry{patterns: pats, rules: rules, version: version[:12], warnOnce: make(map[string]bool)}, nil
}

// Version is the content hash of the loaded entry set. Two registries
// with the same entries report the same version; it feeds the replay
// fingerprint.
func (r *Registry) Version() string { return r.version }

// Patterns returns all patterns matching the filter, in name order.
func (r *Registry) Patterns(f Filter) []SensitivePattern {
	var out []SensitivePattern
	for _, p := range r.patterns {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Source != "" && p.Source != f.Source {
			continue
		}
		if p.Severity < f.MinSeverity {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Rules returns all semantic rules matching the filter, in id order.
func (r *Registry) Rules(f Filter) []SemanticRule {
	var out []SemanticRule
	for _, rule := range r.rules {
		if f.Category != "" && rule.Category != f.Category {
			continue
		}
		if f.Source != "" && rule.Source != f.Source {
			continue
		}
		if rule.Severity < f.MinSeverity {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// BySource returns patterns from one source.
func (r *Registry) BySource(src Source) []SensitivePattern {
	return r.Patterns(Filter{Source: src})
}

// UntrustedWarning reports whether the named entry is untrusted and has
// not yet warned this process. The first caller per entry gets true and
// attaches a warning tag to its decision.
func (r *Registry) UntrustedWarning(name string, trust TrustLevel) bool {
	if trust == TrustTrusted {
		return false
	}
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	if r.warnOnce[name] {
		return false
	}
	r.warnOnce[name] = true
	return true
}
