package enrich

import (
	"context"
	"regexp"
	"strings"

	"github.com/failcore/failcore/pkg/contracts"
)

// anomalyPattern flags structurally suspicious fragments in tool output:
// material an agent might feed into a later call.
type anomalyPattern struct {
	kind string
	re   *regexp.Regexp
}

var anomalyPatterns = []anomalyPattern{
	{"embedded_command", regexp.MustCompile(`\$\([^)]+\)|` + "`[^`]+`")},
	{"sql_fragment", regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into)\b`)},
	{"encoded_blob", regexp.MustCompile(`[A-Za-z0-9+/]{64,}={0,2}`)},
	{"error_leak", regexp.MustCompile(`(?i)(permission denied|traceback \(most recent|segmentation fault|stack trace:)`)},
	{"instruction_injection", regexp.MustCompile(`(?i)(ignore (all |previous |the )?(instructions|rules)|you are now)`)},
}

// SemanticEnricher annotates output with structural anomaly findings.
// It only ever adds evidence; acting on a finding is a later step's
// gate-side concern.
type SemanticEnricher struct{}

func NewSemanticEnricher() *SemanticEnricher { return &SemanticEnricher{} }

func (e *SemanticEnricher) Name() string { return "semantic" }

func (e *SemanticEnricher) Enrich(_ context.Context, call *contracts.ContextV1) (map[string]any, error) {
	if call.Result == nil {
		return nil, nil
	}

	var findings []map[string]any
	seen := map[string]bool{}
	for _, f := range resultFields(call.Result) {
		for _, p := range anomalyPatterns {
			if !p.re.MatchString(f.Value) {
				continue
			}
			key := p.kind + "|" + f.Path
			if seen[key] {
				continue
			}
			seen[key] = true
			findings = append(findings, map[string]any{
				"kind":       p.kind,
				"field_path": f.Path,
			})
		}
	}
	if len(findings) == 0 {
		return nil, nil
	}

	kinds := make([]string, 0, len(findings))
	for _, f := range findings {
		kinds = append(kinds, f["kind"].(string))
	}
	return map[string]any{
		"anomalies": findings,
		"count":     len(findings),
		"summary":   strings.Join(kinds, ","),
	}, nil
}
