package validators

import (
	"context"
	"fmt"
	"sort"

	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/registry"
	"github.com/failcore/failcore/pkg/scancache"
)

// DLP guard modes.
const (
	DLPModeBlock    = "block"
	DLPModeSanitize = "sanitize"
	DLPModeWarn     = "warn"
)

// MatrixEntry maps one sensitivity class to its handling.
type MatrixEntry struct {
	Action       contracts.Action `json:"action" yaml:"action"`
	AutoSanitize bool             `json:"auto_sanitize" yaml:"auto_sanitize"`
}

// DefaultMatrix is the shipped policy matrix.
func DefaultMatrix() map[contracts.Sensitivity]MatrixEntry {
	return map[contracts.Sensitivity]MatrixEntry{
		contracts.SensitivitySecret:       {Action: contracts.ActionBlock, AutoSanitize: false},
		contracts.SensitivityPII:          {Action: contracts.ActionBlock, AutoSanitize: true},
		contracts.SensitivityConfidential: {Action: contracts.ActionSanitize, AutoSanitize: true},
		contracts.SensitivityInternal:     {Action: contracts.ActionWarn, AutoSanitize: false},
		contracts.SensitivityPublic:       {Action: contracts.ActionAllow, AutoSanitize: false},
	}
}

// DLPConfig tunes the DLP guard.
type DLPConfig struct {
	Mode      string `json:"mode" yaml:"mode"`           // block | sanitize | warn
	Redaction string `json:"redaction" yaml:"redaction"` // full | partial | summary
	// RequireApproval downgrades matrix BLOCKs to approval-needed WARNs.
	// There is no live control plane, so approval is advisory.
	RequireApproval bool                                   `json:"require_approval" yaml:"require_approval"`
	Matrix          map[contracts.Sensitivity]MatrixEntry `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	MinSeverity     int                                    `json:"min_severity" yaml:"min_severity"`
}

// DLPGuard scans params against the registry's sensitive patterns, folds
// in taint classifications, and applies the policy matrix. Scans for a
// given payload run once per run via the scan cache.
type DLPGuard struct {
	reg *registry.Registry
	cfg DLPConfig
}

func NewDLPGuard(reg *registry.Registry, cfg DLPConfig) *DLPGuard {
	if cfg.Mode == "" {
		cfg.Mode = DLPModeBlock
	}
	if cfg.Redaction == "" {
		cfg.Redaction = RedactPartial
	}
	if cfg.Matrix == nil {
		cfg.Matrix = DefaultMatrix()
	}
	return &DLPGuard{reg: reg, cfg: cfg}
}

func (g *DLPGuard) ID() string               { return "dlp_guard" }
func (g *DLPGuard) Domain() contracts.Domain { return contracts.DomainDLP }

func (g *DLPGuard) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	payload, err := canonicalize.JCSString(call.Params)
	if err != nil {
		return nil, fmt.Errorf("dlp_guard: canonicalize params: %w", err)
	}

	scan := g.scan(call, payload)

	// Fold taint classifications over dependency-declared or detected
	// bindings into this call's params.
	var taintTags []contracts.TaintTag
	if tc := TaintState(call); tc != nil {
		taintTags = tc.DetectTaintedInputs(call.StepID, call.Params, nil)
	}

	bySens := map[contracts.Sensitivity][]scancache.Match{}
	for _, m := range scan.Matches {
		if m.Severity < g.cfg.MinSeverity {
			continue
		}
		s := contracts.Sensitivity(m.Sensitivity)
		bySens[s] = append(bySens[s], m)
	}
	for _, tag := range taintTags {
		if _, ok := bySens[tag.Sensitivity]; !ok {
			bySens[tag.Sensitivity] = nil
		}
	}
	if len(bySens) == 0 {
		return nil, nil
	}

	levels := make([]contracts.Sensitivity, 0, len(bySens))
	for s := range bySens {
		levels = append(levels, s)
	}
	sort.Slice(levels, func(i, j int) bool { return string(levels[i]) < string(levels[j]) })

	var out []contracts.Decision
	for _, sens := range levels {
		entry, ok := g.cfg.Matrix[sens]
		if !ok || entry.Action == contracts.ActionAllow {
			continue
		}
		out = append(out, g.decide(call, sens, entry, bySens[sens], taintTags, scan))
	}
	return out, nil
}

// scan runs the registry patterns over the call's string fields, through
// the run's scan cache when one is registered in state.
func (g *DLPGuard) scan(call *contracts.ContextV1, payload string) scancache.Result {
	fn := func() scancache.Result {
		var r scancache.Result
		for _, f := range StringFields(call.Params) {
			for _, p := range g.reg.Patterns(registry.Filter{}) {
				loc := p.Regexp().FindString(f.Value)
				if loc == "" {
					continue
				}
				hash, last4 := Summarize(loc)
				r.Matches = append(r.Matches, scancache.Match{
					Pattern:     p.Name,
					Category:    p.Category,
					Severity:    p.Severity,
					MatchHash:   hash,
					Last4:       last4,
					FieldPath:   f.Path,
					Sensitivity: string(p.Sensitivity()),
				})
			}
		}
		r.Summary = fmt.Sprintf("%d pattern match(es)", len(r.Matches))
		return r
	}

	key := scancache.Key("dlp_guard", payload)
	if cache := ScanCacheState(call); cache != nil {
		return cache.GetOrScan(key, fn)
	}
	r := fn()
	r.ScanHash = scancache.ShortHash(key)
	return r
}

func (g *DLPGuard) decide(call *contracts.ContextV1, sens contracts.Sensitivity, entry MatrixEntry,
	matches []scancache.Match, taintTags []contracts.TaintTag, scan scancache.Result) contracts.Decision {

	action := entry.Action
	switch g.cfg.Mode {
	case DLPModeWarn:
		if contracts.Strongest(action, contracts.ActionWarn) == action && action != contracts.ActionWarn {
			action = contracts.ActionWarn
		}
	case DLPModeSanitize:
		if action == contracts.ActionBlock && entry.AutoSanitize {
			action = contracts.ActionSanitize
		}
	}

	code := contracts.CodeDataLeakPrevented
	if action == contracts.ActionSanitize {
		code = contracts.CodeSanitizationRequired
	}
	if len(matches) == 0 {
		// Purely taint-derived finding.
		code = contracts.CodeDataTainted
	}

	d := contracts.Decision{
		Code:        code,
		Decision:    action,
		RiskLevel:   riskForSensitivity(sens),
		Domain:      contracts.DomainDLP,
		Message:     fmt.Sprintf("%s data detected in params of %s", sens, call.Tool),
		ValidatorID: g.ID(),
	}

	evidence := map[string]any{
		"sensitivity":    string(sens),
		"scan_cache_hit": scan.CacheHit,
		"scan_hash":      scan.ScanHash,
	}
	if len(matches) > 0 {
		summaries := make([]map[string]any, 0, len(matches))
		paths := make([]string, 0, len(matches))
		for _, m := range matches {
			summaries = append(summaries, map[string]any{
				"pattern": m.Pattern, "category": m.Category,
				"hash": m.MatchHash, "last4": m.Last4, "field_path": m.FieldPath,
			})
			paths = append(paths, m.FieldPath)
		}
		evidence["pattern_matches"] = summaries

		if action == contracts.ActionSanitize || (entry.AutoSanitize && action != contracts.ActionBlock) {
			sanitized, changed := Sanitize(call.Params, SanitizeSpec{
				Mode: g.cfg.Redaction, Paths: paths,
				PreserveUsability: true, PreserveDomain: true, PreserveLast4: true,
			})
			evidence["sanitized_params"] = sanitized
			evidence["sanitized_paths"] = changed
		}
	}
	if len(taintTags) > 0 {
		sources := make([]string, 0, len(taintTags))
		for _, t := range taintTags {
			sources = append(sources, string(t.Source))
		}
		evidence["taint_sources"] = sources
	}
	d.Evidence = evidence

	if g.cfg.RequireApproval && d.Decision == contracts.ActionBlock {
		d.Decision = contracts.ActionWarn
		d.RequiresApproval = true
		d.Tags = append(d.Tags, "WARN_APPROVAL_NEEDED")
	}
	return d
}

func riskForSensitivity(s contracts.Sensitivity) contracts.RiskLevel {
	switch s {
	case contracts.SensitivitySecret:
		return contracts.RiskCritical
	case contracts.SensitivityPII:
		return contracts.RiskHigh
	case contracts.SensitivityConfidential:
		return contracts.RiskMedium
	default:
		return contracts.RiskLow
	}
}
