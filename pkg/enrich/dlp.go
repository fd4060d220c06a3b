package enrich

import (
	"context"
	"fmt"

	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/registry"
	"github.com/failcore/failcore/pkg/scancache"
	"github.com/failcore/failcore/pkg/validators"
)

// DLPEnricher scans the tool output for sensitive patterns. It shares
// the run's scan cache with the gate-side DLP guard, so an output that
// was already scanned as a later step's input costs nothing. With
// redact enabled a sanitised copy of matched output fields is attached
// for the trace; the live output is never touched.
type DLPEnricher struct {
	reg    *registry.Registry
	redact bool
}

func NewDLPEnricher(reg *registry.Registry, redact bool) *DLPEnricher {
	return &DLPEnricher{reg: reg, redact: redact}
}

func (e *DLPEnricher) Name() string { return "dlp" }

func (e *DLPEnricher) Enrich(_ context.Context, call *contracts.ContextV1) (map[string]any, error) {
	if call.Result == nil {
		return nil, nil
	}
	payload, err := canonicalize.JCSString(call.Result)
	if err != nil {
		return nil, fmt.Errorf("dlp enricher: canonicalize result: %w", err)
	}

	fields := resultFields(call.Result)
	fn := func() scancache.Result {
		var r scancache.Result
		for _, f := range fields {
			for _, p := range e.reg.Patterns(registry.Filter{}) {
				loc := p.Regexp().FindString(f.Value)
				if loc == "" {
					continue
				}
				hash, last4 := validators.Summarize(loc)
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

	key := scancache.Key("dlp_enrich", payload)
	var scan scancache.Result
	if cache := validators.ScanCacheState(call); cache != nil {
		scan = cache.GetOrScan(key, fn)
	} else {
		scan = fn()
		scan.ScanHash = scancache.ShortHash(key)
	}
	if len(scan.Matches) == 0 {
		return nil, nil
	}

	summaries := make([]map[string]any, 0, len(scan.Matches))
	paths := make([]string, 0, len(scan.Matches))
	for _, m := range scan.Matches {
		summaries = append(summaries, map[string]any{
			"pattern": m.Pattern, "category": m.Category, "sensitivity": m.Sensitivity,
			"hash": m.MatchHash, "last4": m.Last4, "field_path": m.FieldPath,
		})
		paths = append(paths, m.FieldPath)
	}
	ev := map[string]any{
		"match_count":    len(scan.Matches),
		"matches":        summaries,
		"scan_cache_hit": scan.CacheHit,
		"scan_hash":      scan.ScanHash,
	}
	if e.redact {
		if m, ok := call.Result.(map[string]any); ok {
			sanitized, changed := validators.Sanitize(m, validators.SanitizeSpec{
				Mode: validators.RedactPartial, Paths: paths,
				PreserveUsability: true, PreserveDomain: true, PreserveLast4: true,
			})
			ev["redacted_result"] = sanitized
			ev["redacted_paths"] = changed
		}
	}
	return ev, nil
}

// resultFields flattens an arbitrary tool output into string leaves.
func resultFields(result any) []validators.Field {
	switch t := result.(type) {
	case map[string]any:
		return validators.StringFields(t)
	case string:
		return []validators.Field{{Path: "", Key: "", Value: t}}
	default:
		return validators.StringFields(map[string]any{"result": t})
	}
}
