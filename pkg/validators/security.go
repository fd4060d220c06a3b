package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/parsers"
)

// Parameter names the security validator recognises as filesystem paths
// and as outbound URLs.
var (
	pathParamKeys = map[string]bool{
		"path": true, "file_path": true, "filepath": true, "file": true,
		"target_path": true, "dest": true, "destination": true,
		"src": true, "source": true, "dir": true, "directory": true,
		"output_path": true,
	}
	urlParamKeys = map[string]bool{
		"url": true, "uri": true, "endpoint": true, "target_url": true,
		"base_url": true, "webhook": true, "callback_url": true,
	}
)

// SecurityConfig tunes the security validator.
type SecurityConfig struct {
	// SandboxRoot is the filesystem root relative paths must stay under.
	// Empty disables the sandbox escape check.
	SandboxRoot string `json:"sandbox_root" yaml:"sandbox_root"`
	// AllowAbsolutePrefixes whitelists absolute path prefixes.
	AllowAbsolutePrefixes []string `json:"allow_absolute_prefixes" yaml:"allow_absolute_prefixes"`
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string `json:"allowed_schemes" yaml:"allowed_schemes"`
	// AllowedDomains, when non-empty, restricts egress hosts. Patterns
	// support exact hosts, a "*." prefix ("*.example.com"), and a "/*"
	// suffix scoping a host to a path prefix ("docs.example.com/public/*").
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
	// AllowPrivateNetworks disables the private/link-local/loopback block.
	AllowPrivateNetworks bool `json:"allow_private_networks" yaml:"allow_private_networks"`
}

// Security checks path and URL parameters against the sandbox and
// network policy. Unparseable security-relevant inputs fail closed.
type Security struct {
	cfg SecurityConfig
}

// NewSecurity builds the validator; a zero config means relative paths
// only inspected for traversal, http/https schemes, private networks
// blocked.
func NewSecurity(cfg SecurityConfig) *Security {
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"http", "https"}
	}
	return &Security{cfg: cfg}
}

func (s *Security) ID() string               { return "security" }
func (s *Security) Domain() contracts.Domain { return contracts.DomainSecurity }

func (s *Security) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	var out []contracts.Decision
	for _, f := range StringFields(call.Params) {
		switch {
		case pathParamKeys[f.Key]:
			if d := s.checkPath(f); d != nil {
				out = append(out, *d)
			}
		case urlParamKeys[f.Key]:
			if d := s.checkURL(f); d != nil {
				out = append(out, *d)
			}
		case commandParamKeys[f.Key]:
			if d := s.checkCommand(f); d != nil {
				out = append(out, *d)
			}
		}
	}
	return out, nil
}

// checkCommand flags irreversible broad-scope commands. The semantic
// rule set detects the same shapes; engine dedup keeps this decision
// and suppresses the semantic one.
func (s *Security) checkCommand(f Field) *contracts.Decision {
	cmd := parsers.ParseShell(f.Value)
	if !cmd.Valid || !destructiveShell(cmd) {
		return nil
	}
	d := block(s.ID(), contracts.DomainSecurity, contracts.CodePolicyDenied,
		contracts.RiskCritical, fmt.Sprintf("parameter %q is a destructive command against a broad target", f.Path))
	d.Evidence = map[string]any{"param": f.Path, "program": cmd.Program}
	d.Suggestion = "Scope the command to an explicit sandboxed path"
	return &d
}

func (s *Security) checkPath(f Field) *contracts.Decision {
	p := parsers.ParsePath(f.Value)
	if !p.Valid {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodePathInvalid,
			contracts.RiskMedium, fmt.Sprintf("parameter %q is not a usable path", f.Path))
		d.Evidence = map[string]any{"param": f.Path}
		return &d
	}
	if p.Traversal {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodePathTraversal,
			contracts.RiskHigh, fmt.Sprintf("parameter %q escapes upward after normalisation", f.Path))
		d.Evidence = map[string]any{"param": f.Path, "normalized": p.Normalized}
		d.Suggestion = "Use a path inside the sandbox root without '..' segments"
		d.Remediation = &contracts.Remediation{
			Template: "Use a path relative to {{root}} without '..' segments",
			Vars:     map[string]string{"root": s.cfg.SandboxRoot},
		}
		return &d
	}
	if p.Absolute && !s.absoluteAllowed(p.Normalized) {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeAbsolutePath,
			contracts.RiskMedium, fmt.Sprintf("parameter %q is an absolute path outside the allowlist", f.Path))
		d.Evidence = map[string]any{"param": f.Path, "normalized": p.Normalized}
		return &d
	}
	if s.cfg.SandboxRoot != "" && !p.Absolute && parsers.EscapesRoot(s.cfg.SandboxRoot, f.Value) {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeSandboxViolation,
			contracts.RiskHigh, fmt.Sprintf("parameter %q resolves outside the sandbox root", f.Path))
		d.Evidence = map[string]any{"param": f.Path, "sandbox_root": s.cfg.SandboxRoot}
		return &d
	}
	if s.cfg.SandboxRoot != "" && !p.Absolute && parsers.SymlinkEscapes(s.cfg.SandboxRoot, f.Value) {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeSymlinkEscape,
			contracts.RiskHigh, fmt.Sprintf("parameter %q resolves through a symlink to outside the sandbox root", f.Path))
		d.Evidence = map[string]any{"param": f.Path, "sandbox_root": s.cfg.SandboxRoot}
		d.Suggestion = "Reference the real path inside the sandbox instead of a link"
		return &d
	}
	return nil
}

func (s *Security) checkURL(f Field) *contracts.Decision {
	u := parsers.ParseURL(f.Value)
	if !u.Valid {
		// Fail closed: an egress target we cannot parse is not allowed
		// through.
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeSSRFBlocked,
			contracts.RiskMedium, fmt.Sprintf("parameter %q is not a parseable URL", f.Path))
		d.Evidence = map[string]any{"param": f.Path}
		return &d
	}
	if !s.schemeAllowed(u.Scheme) {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeSSRFBlocked,
			contracts.RiskHigh, fmt.Sprintf("scheme %q is not permitted for egress", u.Scheme))
		d.Evidence = map[string]any{"param": f.Path, "scheme": u.Scheme, "host": u.Host}
		return &d
	}
	if u.IsInternal && !s.cfg.AllowPrivateNetworks {
		code := contracts.CodeSSRFBlocked
		if u.IsIP {
			code = contracts.CodePrivateNetworkBlocked
		}
		d := block(s.ID(), contracts.DomainSecurity, code,
			contracts.RiskCritical, fmt.Sprintf("host %q is inside a private or link-local range", u.Host))
		d.Evidence = map[string]any{"param": f.Path, "host": u.Host, "is_ip": u.IsIP}
		return &d
	}
	if len(s.cfg.AllowedDomains) > 0 && !s.domainAllowed(u.Host, u.Path) {
		d := block(s.ID(), contracts.DomainSecurity, contracts.CodeSSRFBlocked,
			contracts.RiskHigh, fmt.Sprintf("host %q is not in the egress allowlist", u.Host))
		d.Evidence = map[string]any{"param": f.Path, "host": u.Host}
		d.Suggestion = "Request the host be added to allowed_domains, or use an allowed endpoint"
		return &d
	}
	return nil
}

func (s *Security) absoluteAllowed(normalized string) bool {
	for _, prefix := range s.cfg.AllowAbsolutePrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func (s *Security) schemeAllowed(scheme string) bool {
	for _, a := range s.cfg.AllowedSchemes {
		if scheme == a {
			return true
		}
	}
	return false
}

func (s *Security) domainAllowed(host, urlPath string) bool {
	target := host + urlPath
	for _, pat := range s.cfg.AllowedDomains {
		if strings.HasSuffix(pat, "/*") {
			prefix := strings.TrimSuffix(pat, "/*")
			if target == prefix || strings.HasPrefix(target, prefix+"/") {
				return true
			}
			continue
		}
		if pat == host {
			return true
		}
		if strings.HasPrefix(pat, "*.") && strings.HasSuffix(host, pat[1:]) {
			return true
		}
	}
	return false
}
