package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Parse reads a policy document from YAML (or JSON: valid JSON is valid
// YAML). Validator ids are filled from map keys; enforcement defaults
// to BLOCK for the active layer's semantics.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	if p.Validators == nil {
		p.Validators = map[string]ValidatorConfig{}
	}
	for id, vc := range p.Validators {
		if vc.ID == "" {
			vc.ID = id
		}
		if vc.Enforcement == "" {
			vc.Enforcement = EnforcementBlock
		}
		p.Validators[id] = vc
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile loads one policy document from disk.
func ParseFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// Serialize renders a policy back to YAML. Parse(Serialize(p)) == p.
func Serialize(p *Policy) ([]byte, error) {
	return yaml.Marshal(p)
}

// SerializeJSON renders a policy as JSON.
func SerializeJSON(p *Policy) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
