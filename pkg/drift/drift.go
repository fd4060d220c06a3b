// Package drift analyses a completed run's steps for parameter drift:
// a tool whose call shape was stable suddenly changing its paths,
// targets, or magnitudes. Drift findings are always informational WARN
// decisions, never blocks.
package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/trace"
)

// Strategy selects how per-field baselines are derived.
type Strategy string

const (
	StrategyFirstOccurrence Strategy = "first_occurrence"
	StrategyMedian          Strategy = "median"
	StrategyPercentile      Strategy = "percentile"
	StrategySegmented       Strategy = "segmented"
)

// Config tunes the analyser.
type Config struct {
	Strategy   Strategy `json:"strategy" yaml:"strategy"`
	Percentile float64  `json:"percentile" yaml:"percentile"` // percentile strategy only

	IgnoreFields       []string `json:"ignore_fields" yaml:"ignore_fields"`
	UnorderedSetFields []string `json:"unordered_set_fields" yaml:"unordered_set_fields"`
	// SegmentBy names the param whose value partitions observations under
	// the segmented strategy.
	SegmentBy string `json:"segment_by" yaml:"segment_by"`

	MagnitudeThresholdMedium float64 `json:"magnitude_threshold_medium" yaml:"magnitude_threshold_medium"`
	MagnitudeThresholdHigh   float64 `json:"magnitude_threshold_high" yaml:"magnitude_threshold_high"`
}

// Observation is one executed step as the analyser sees it.
type Observation struct {
	Seq    uint64
	StepID string
	Tool   string
	Params map[string]any
}

// Analyzer detects per-tool parameter drift across a run.
type Analyzer struct {
	cfg     Config
	ignore  map[string]bool
	setLike map[string]bool
}

// New creates an analyser. Zero thresholds get the defaults 0.5 (medium)
// and 2.0 (high).
func New(cfg Config) *Analyzer {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMedian
	}
	if cfg.Percentile <= 0 || cfg.Percentile >= 1 {
		cfg.Percentile = 0.95
	}
	if cfg.MagnitudeThresholdMedium <= 0 {
		cfg.MagnitudeThresholdMedium = 0.5
	}
	if cfg.MagnitudeThresholdHigh <= cfg.MagnitudeThresholdMedium {
		cfg.MagnitudeThresholdHigh = 2.0
	}
	a := &Analyzer{cfg: cfg, ignore: map[string]bool{}, setLike: map[string]bool{}}
	for _, f := range cfg.IgnoreFields {
		a.ignore[f] = true
	}
	for _, f := range cfg.UnorderedSetFields {
		a.setLike[f] = true
	}
	return a
}

// FromTrace extracts observations from a decoded trace: one per ATTEMPT
// event, with params recovered from the step.meta extension point when
// the writer recorded them there.
func FromTrace(events []trace.Envelope) []Observation {
	var out []Observation
	for _, e := range events {
		if e.EventType != trace.EventAttempt || e.Step == nil {
			continue
		}
		att, err := trace.Payload[trace.Attempt](e)
		if err != nil {
			continue
		}
		obs := Observation{Seq: e.Seq, StepID: e.Step.ID, Tool: att.Tool}
		if params, ok := e.Step.Meta["params"].(map[string]any); ok {
			obs.Params = params
		}
		out = append(out, obs)
	}
	return out
}

// Analyze walks observations in seq order and emits one WARN decision
// per drifting (tool, field) at its inflection point.
func (a *Analyzer) Analyze(observations []Observation) []contracts.Decision {
	byTool := map[string][]Observation{}
	var tools []string
	for _, o := range observations {
		if o.Params == nil {
			continue
		}
		if _, seen := byTool[o.Tool]; !seen {
			tools = append(tools, o.Tool)
		}
		byTool[o.Tool] = append(byTool[o.Tool], o)
	}
	sort.Strings(tools)

	var out []contracts.Decision
	for _, tool := range tools {
		obs := byTool[tool]
		if len(obs) < 2 {
			continue
		}
		sort.Slice(obs, func(i, j int) bool { return obs[i].Seq < obs[j].Seq })
		if a.cfg.Strategy == StrategySegmented && a.cfg.SegmentBy != "" {
			for _, seg := range segment(obs, a.cfg.SegmentBy) {
				out = append(out, a.analyzeTool(tool, seg)...)
			}
		} else {
			out = append(out, a.analyzeTool(tool, obs)...)
		}
	}
	return out
}

func (a *Analyzer) analyzeTool(tool string, obs []Observation) []contracts.Decision {
	if len(obs) < 2 {
		return nil
	}
	window := []uint64{obs[0].Seq, obs[len(obs)-1].Seq}

	// field -> per-observation normalised value, aligned with obs.
	series := map[string][]any{}
	var fields []string
	for i, o := range obs {
		for field, v := range a.flatten(o.Params) {
			if _, seen := series[field]; !seen {
				series[field] = make([]any, len(obs))
				fields = append(fields, field)
			}
			series[field][i] = v
		}
	}
	sort.Strings(fields)

	var out []contracts.Decision
	for _, field := range fields {
		values := series[field]
		baseline := a.baseline(values)
		if baseline == nil {
			continue
		}
		for i, v := range values {
			if v == nil {
				continue
			}
			finding := a.compare(field, baseline, v)
			if finding == nil {
				continue
			}
			finding.Evidence["strategy"] = string(a.cfg.Strategy)
			finding.Evidence["window"] = window
			finding.Evidence["seq"] = obs[i].Seq
			finding.Evidence["step_id"] = obs[i].StepID
			finding.Message = fmt.Sprintf("tool %s: %s at step %s", tool, finding.Evidence["reason"], obs[i].StepID)
			out = append(out, *finding)
			break // one decision per field, at the inflection point
		}
	}
	return out
}

// baseline derives the reference value for a field's series.
func (a *Analyzer) baseline(values []any) any {
	nums, strs := split(values)
	switch a.cfg.Strategy {
	case StrategyFirstOccurrence, StrategySegmented:
		for _, v := range values {
			if v != nil {
				return v
			}
		}
		return nil
	case StrategyPercentile:
		if len(nums) > 0 {
			return quantile(nums, a.cfg.Percentile)
		}
		return majority(strs)
	default: // median
		if len(nums) > 0 {
			return quantile(nums, 0.5)
		}
		return majority(strs)
	}
}

// compare returns a WARN decision when v drifts from baseline, nil
// otherwise.
func (a *Analyzer) compare(field string, baseline, v any) *contracts.Decision {
	bn, bNum := baseline.(float64)
	vn, vNum := v.(float64)
	if bNum && vNum {
		denom := math.Max(math.Abs(bn), 1)
		ratio := math.Abs(vn-bn) / denom
		if ratio < a.cfg.MagnitudeThresholdMedium {
			return nil
		}
		risk := contracts.RiskMedium
		if ratio >= a.cfg.MagnitudeThresholdHigh {
			risk = contracts.RiskHigh
		}
		return a.finding(field, risk, map[string]any{
			"reason":    lastSegment(field) + "_magnitude",
			"field":     field,
			"baseline":  bn,
			"observed":  vn,
			"magnitude": ratio,
		})
	}

	bs := fmt.Sprint(baseline)
	vs := fmt.Sprint(v)
	if bs == vs {
		return nil
	}
	return a.finding(field, contracts.RiskMedium, map[string]any{
		"reason":   lastSegment(field) + "_changed",
		"field":    field,
		"baseline": bs,
		"observed": vs,
	})
}

func (a *Analyzer) finding(field string, risk contracts.RiskLevel, evidence map[string]any) *contracts.Decision {
	return &contracts.Decision{
		Code:        contracts.CodeContractDrift,
		Decision:    contracts.ActionWarn,
		RiskLevel:   risk,
		Domain:      contracts.DomainDrift,
		Evidence:    evidence,
		ValidatorID: "drift",
	}
}

// flatten reduces params to comparable leaves: strings (paths
// normalised to dir/*.ext patterns), numbers, bools, and set-like
// slices canonicalised to a sorted signature.
func (a *Analyzer) flatten(params map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if a.ignore[prefix] {
			return
		}
		switch t := v.(type) {
		case map[string]any:
			for k, val := range t {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, val)
			}
		case []any:
			if a.setLike[prefix] {
				out[prefix] = setSignature(t)
				return
			}
			for i, val := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), val)
			}
		case string:
			out[prefix] = normalizeValue(prefix, t)
		case float64:
			out[prefix] = t
		case int:
			out[prefix] = float64(t)
		case int64:
			out[prefix] = float64(t)
		case bool:
			out[prefix] = fmt.Sprint(t)
		}
	}
	walk("", params)
	return out
}

var pathFieldNames = map[string]bool{
	"path": true, "file_path": true, "filepath": true, "file": true,
	"dir": true, "directory": true, "target_path": true, "output_path": true,
	"src": true, "source": true, "dest": true, "destination": true,
}

// normalizeValue generalises path-like values to dir/*.ext so that
// rotating file names within one directory never count as drift.
func normalizeValue(field, v string) string {
	if !pathFieldNames[lastSegment(field)] {
		return v
	}
	clean := filepath.ToSlash(filepath.Clean(v))
	dir := filepath.ToSlash(filepath.Dir(clean))
	ext := filepath.Ext(clean)
	return dir + "/*" + ext
}

func lastSegment(field string) string {
	if idx := strings.LastIndex(field, "."); idx >= 0 {
		return field[idx+1:]
	}
	return field
}

func split(values []any) (nums []float64, strs []string) {
	for _, v := range values {
		switch t := v.(type) {
		case float64:
			nums = append(nums, t)
		case string:
			strs = append(strs, t)
		}
	}
	return nums, strs
}

func quantile(nums []float64, q float64) float64 {
	sorted := append([]float64{}, nums...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// majority returns the most frequent string; ties go to the earliest.
func majority(strs []string) any {
	if len(strs) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, s := range strs {
		counts[s]++
	}
	best, bestN := "", -1
	for _, s := range strs {
		if counts[s] > bestN {
			best, bestN = s, counts[s]
		}
	}
	return best
}

func setSignature(items []any) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			parts = append(parts, fmt.Sprint(it))
			continue
		}
		parts = append(parts, string(b))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// segment partitions observations by the SegmentBy param value,
// preserving seq order inside each segment.
func segment(obs []Observation, key string) [][]Observation {
	groups := map[string][]Observation{}
	var order []string
	for _, o := range obs {
		k := fmt.Sprint(o.Params[key])
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], o)
	}
	out := make([][]Observation, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}
