package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/parsers"
	"github.com/failcore/failcore/pkg/registry"
)

// Parameter names treated as shell commands and SQL statements by the
// structural detectors.
var (
	commandParamKeys = map[string]bool{
		"command": true, "cmd": true, "script": true, "shell": true,
	}
	sqlParamKeys = map[string]bool{
		"query": true, "sql": true, "statement": true,
	}
)

// SemanticConfig filters which rules run.
type SemanticConfig struct {
	MinSeverity       int      `json:"min_severity" yaml:"min_severity"`
	EnabledCategories []string `json:"enabled_categories,omitempty" yaml:"enabled_categories,omitempty"`
}

// Semantic evaluates the registry's structural rules against parsed
// params. Detection works on structure (tokenised shell, stripped SQL,
// normalised paths) rather than raw substring matching.
type Semantic struct {
	reg *registry.Registry
	cfg SemanticConfig
}

func NewSemantic(reg *registry.Registry, cfg SemanticConfig) *Semantic {
	return &Semantic{reg: reg, cfg: cfg}
}

func (s *Semantic) ID() string               { return "semantic_intent" }
func (s *Semantic) Domain() contracts.Domain { return contracts.DomainSemantic }

// finding is one rule violation with its locating evidence.
type finding struct {
	paths  []string
	detail string
}

func (s *Semantic) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	fields := StringFields(call.Params)

	var out []contracts.Decision
	for _, rule := range s.reg.Rules(registry.Filter{MinSeverity: s.cfg.MinSeverity}) {
		if !s.categoryEnabled(rule.Category) {
			continue
		}
		f := s.detect(rule.Detector, call, fields)
		if f == nil {
			continue
		}
		d := contracts.Decision{
			Code:        contracts.CodeSemanticViolation,
			Decision:    contracts.ActionBlock,
			RiskLevel:   registry.RiskLevel(rule.Severity),
			Domain:      contracts.DomainSemantic,
			Message:     fmt.Sprintf("rule %s (%s): %s", rule.ID, rule.Category, f.detail),
			ValidatorID: s.ID(),
			Evidence: map[string]any{
				"rule_id":  rule.ID,
				"category": rule.Category,
				"detector": rule.Detector,
				"paths":    f.paths,
			},
		}
		if tl := rule.TrustLevel; tl != registry.TrustTrusted && s.reg.UntrustedWarning(rule.ID, tl) {
			d.Tags = append(d.Tags, "untrusted_rule")
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Semantic) categoryEnabled(category string) bool {
	if len(s.cfg.EnabledCategories) == 0 {
		return true
	}
	for _, c := range s.cfg.EnabledCategories {
		if c == category {
			return true
		}
	}
	return false
}

func (s *Semantic) detect(detector string, call *contracts.ContextV1, fields []Field) *finding {
	switch detector {
	case "secret_in_params":
		return s.detectSecrets(fields)
	case "duplicate_params":
		return detectDuplicateParams(call.Params)
	case "path_traversal":
		return detectPathTraversal(fields)
	case "destructive_command":
		return detectDestructive(fields)
	case "injection_structure":
		return detectInjection(fields)
	}
	return nil
}

func (s *Semantic) detectSecrets(fields []Field) *finding {
	var f finding
	for _, p := range s.reg.Patterns(registry.Filter{}) {
		if p.Sensitivity() != contracts.SensitivitySecret {
			continue
		}
		for _, fd := range fields {
			if p.Regexp().MatchString(fd.Value) {
				f.paths = append(f.paths, fd.Path)
			}
		}
	}
	if len(f.paths) == 0 {
		return nil
	}
	f.detail = "secret material present in call parameters"
	return &f
}

// detectDuplicateParams flags keys that collapse to the same canonical
// name (user_id vs userId vs USER_ID), a common pollution vector.
func detectDuplicateParams(params map[string]any) *finding {
	seen := map[string]string{}
	var f finding
	for k := range params {
		canon := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(k, "_", ""), "-", ""))
		if prev, ok := seen[canon]; ok && prev != k {
			f.paths = append(f.paths, prev, k)
		} else {
			seen[canon] = k
		}
	}
	if len(f.paths) == 0 {
		return nil
	}
	f.detail = "parameters alias the same canonical name"
	return &f
}

func detectPathTraversal(fields []Field) *finding {
	var f finding
	for _, fd := range fields {
		p := parsers.ParsePath(fd.Value)
		if p.Valid && p.Traversal {
			f.paths = append(f.paths, fd.Path)
		}
	}
	if len(f.paths) == 0 {
		return nil
	}
	f.detail = "parameter normalises to an upward-escaping path"
	return &f
}

func detectDestructive(fields []Field) *finding {
	var f finding
	for _, fd := range fields {
		switch {
		case commandParamKeys[fd.Key]:
			cmd := parsers.ParseShell(fd.Value)
			if !cmd.Valid {
				continue
			}
			if destructiveShell(cmd) {
				f.paths = append(f.paths, fd.Path)
			}
		case sqlParamKeys[fd.Key]:
			stmt := parsers.ParseSQL(fd.Value)
			if stmt.Valid && (stmt.Features.Drop || (stmt.Features.Delete && !hasWhere(stmt))) {
				f.paths = append(f.paths, fd.Path)
			}
		}
	}
	if len(f.paths) == 0 {
		return nil
	}
	f.detail = "command combination is irreversible and broad"
	return &f
}

func destructiveShell(cmd parsers.ShellCommand) bool {
	switch cmd.Program {
	case "rm":
		if !(cmd.HasFlag("-r") && cmd.HasFlag("-f")) {
			return false
		}
		for _, arg := range cmd.Args {
			if arg == "/" || arg == "/*" || arg == "~" || arg == "$HOME" {
				return true
			}
		}
		return false
	case "mkfs", "mkfs.ext4", "mkfs.xfs":
		return true
	case "dd":
		for _, arg := range cmd.Args {
			if strings.HasPrefix(arg, "of=/dev/") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func hasWhere(stmt parsers.SQLStatement) bool {
	for _, kw := range stmt.Keywords {
		if kw == "WHERE" {
			return true
		}
	}
	return false
}

// detectInjection flags shell metacharacters in non-command params and
// stacked or comment-bearing SQL in query params.
func detectInjection(fields []Field) *finding {
	var f finding
	for _, fd := range fields {
		if sqlParamKeys[fd.Key] {
			stmt := parsers.ParseSQL(fd.Value)
			if stmt.Valid && (stmt.StackedQueries || (stmt.HasComments && stmt.Features.Select) ||
				(stmt.Features.Union && stmt.Features.Select)) {
				f.paths = append(f.paths, fd.Path)
			}
			continue
		}
		if commandParamKeys[fd.Key] {
			continue
		}
		if containsShellMeta(fd.Value) {
			f.paths = append(f.paths, fd.Path)
		}
	}
	if len(f.paths) == 0 {
		return nil
	}
	f.detail = "parameter carries executable structure"
	return &f
}

func containsShellMeta(v string) bool {
	for _, meta := range []string{"$(", "`", "&&", "||", ";rm ", "; rm ", "|sh", "| sh"} {
		if strings.Contains(v, meta) {
			return true
		}
	}
	return false
}
