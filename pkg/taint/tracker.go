// Package taint tracks data provenance across steps of one run. Outputs
// of classified source tools are marked with taint tags; when a later
// step's parameters embed a marked output, a flow edge is recorded. The
// tracker is deliberately lightweight: detection works at the tool
// boundary by substring and field-name heuristics, never by program
// analysis.
package taint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/failcore/failcore/pkg/contracts"
)

// DefaultMaxDepth caps flow chain traversal.
const DefaultMaxDepth = 10

// node is an arena entry: one marked step output.
type node struct {
	id      int
	stepID  string
	tool    string
	tag     contracts.TaintTag
	// needles are string fragments of the output used for substring
	// detection in downstream params.
	needles []string
}

// edge references arena nodes by stable integer id, so cycles in the
// dependency graph cannot produce unbounded structures.
type edge struct {
	from       int
	toStep     string
	fieldPath  string
	confidence contracts.BindingConfidence
}

// Context is the run-scoped taint tracker. Safe for concurrent readers
// with a single writer per step (internal locking).
type Context struct {
	mu      sync.RWMutex
	nodes   []node
	byStep  map[string]int
	edges   []edge
	maxDepth int
}

// NewContext creates an empty taint context.
func NewContext() *Context {
	return &Context{byStep: make(map[string]int), maxDepth: DefaultMaxDepth}
}

// WithMaxDepth overrides the flow chain depth cap.
func (c *Context) WithMaxDepth(n int) *Context {
	if n > 0 {
		c.maxDepth = n
	}
	return c
}

// Mark records that stepID's output from tool is tainted with tag.
func (c *Context) Mark(stepID, tool string, output any, tag contracts.TaintTag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tag.SourceStep == "" {
		tag.SourceStep = stepID
	}
	if tag.SourceTool == "" {
		tag.SourceTool = tool
	}
	n := node{
		id:      len(c.nodes),
		stepID:  stepID,
		tool:    tool,
		tag:     tag,
		needles: extractNeedles(output),
	}
	c.nodes = append(c.nodes, n)
	c.byStep[stepID] = n.id
}

// Tagged reports whether stepID has been marked, and its tag.
func (c *Context) Tagged(stepID string) (contracts.TaintTag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byStep[stepID]
	if !ok {
		return contracts.TaintTag{}, false
	}
	return c.nodes[id].tag, true
}

// DetectTaintedInputs inspects params of sinkStep against declared
// dependencies and marked outputs. Field paths are auto-detected by
// (i) step-id substring match (high confidence), (ii) forwarding
// parameter names (medium), (iii) recursive nested traversal (medium).
// Detected flows are recorded as edges and the matching tags returned.
func (c *Context) DetectTaintedInputs(sinkStep string, params map[string]any, dependencies []string) []contracts.TaintTag {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tags []contracts.TaintTag
	seen := map[int]bool{}

	record := func(n node, fieldPath string, conf contracts.BindingConfidence) {
		if seen[n.id] {
			return
		}
		seen[n.id] = true
		c.edges = append(c.edges, edge{from: n.id, toStep: sinkStep, fieldPath: fieldPath, confidence: conf})
		tags = append(tags, n.tag)
	}

	// Declared dependencies bind even without a textual match.
	for _, dep := range dependencies {
		if id, ok := c.byStep[dep]; ok {
			n := c.nodes[id]
			path, conf := c.findBinding(n, params)
			if path == "" {
				conf = contracts.ConfidenceLow
			}
			record(n, path, conf)
		}
	}

	// Undeclared flows: look for marked outputs embedded in params.
	for _, n := range c.nodes {
		if seen[n.id] {
			continue
		}
		if path, conf := c.findBinding(n, params); path != "" {
			record(n, path, conf)
		}
	}
	return tags
}

// findBinding locates where a node's output (or step id) appears in
// params, returning the field path and confidence.
func (c *Context) findBinding(n node, params map[string]any) (string, contracts.BindingConfidence) {
	var found string
	var conf contracts.BindingConfidence

	walkStrings("", params, func(path, key, val string) bool {
		if strings.Contains(val, n.stepID) {
			found, conf = path, contracts.ConfidenceHigh
			return false
		}
		for _, needle := range n.needles {
			if needle != "" && strings.Contains(val, needle) {
				// Value matches (forwarding params like input/content/data
				// or nested traversal) bind at medium; only step-id
				// matches earn high.
				found, conf = path, contracts.ConfidenceMedium
				return false
			}
		}
		return true
	})
	return found, conf
}

// FlowChain returns the ordered edges ending at sinkStep, walking
// backwards through sources, capped at maxDepth.
func (c *Context) FlowChain(sinkStep string, maxDepth int) []contracts.FlowEdge {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if maxDepth <= 0 || maxDepth > c.maxDepth {
		maxDepth = c.maxDepth
	}

	var chain []contracts.FlowEdge
	current := sinkStep
	visited := map[string]bool{}
	for depth := 0; depth < maxDepth; depth++ {
		if visited[current] {
			break
		}
		visited[current] = true
		// Most recently recorded edge wins: it is the most proximate
		// source when several marked outputs reach the same sink.
		var next *edge
		for i := len(c.edges) - 1; i >= 0; i-- {
			if c.edges[i].toStep == current {
				next = &c.edges[i]
				break
			}
		}
		if next == nil {
			break
		}
		src := c.nodes[next.from]
		chain = append([]contracts.FlowEdge{{
			SourceStep: src.stepID,
			SinkStep:   current,
			FieldPath:  next.fieldPath,
			Confidence: next.confidence,
		}}, chain...)
		current = src.stepID
	}
	return chain
}

// SourceSteps returns the step ids of all marked sources feeding
// sinkStep, in chain order.
func (c *Context) SourceSteps(sinkStep string) []string {
	chain := c.FlowChain(sinkStep, 0)
	steps := make([]string, 0, len(chain))
	for _, e := range chain {
		steps = append(steps, e.SourceStep)
	}
	return steps
}

// extractNeedles pulls representative string fragments from an output
// value for substring detection. Short fragments are skipped: they would
// match everywhere.
func extractNeedles(output any) []string {
	var needles []string
	switch t := output.(type) {
	case string:
		if len(t) >= 8 {
			needles = append(needles, t)
		}
	case map[string]any, []any:
		walkStrings("", t, func(_, _, val string) bool {
			if len(val) >= 8 {
				needles = append(needles, val)
			}
			return len(needles) < 32
		})
	default:
		if t == nil {
			return nil
		}
		b, err := json.Marshal(t)
		if err == nil && len(b) >= 8 {
			needles = append(needles, string(b))
		}
	}
	return needles
}

// walkStrings visits every string leaf in sorted key order, so the first
// match for a given output is the same on every walk. visit receives
// (path, leaf key, value) and returns false to stop.
func walkStrings(prefix string, v any, visit func(path, key, val string) bool) bool {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if !walkStrings(p, t[k], visit) {
				return false
			}
		}
	case []any:
		for i, val := range t {
			if !walkStrings(fmt.Sprintf("%s[%d]", prefix, i), val, visit) {
				return false
			}
		}
	case string:
		key := prefix
		if idx := strings.LastIndex(prefix, "."); idx >= 0 {
			key = prefix[idx+1:]
		}
		return visit(prefix, key, t)
	}
	return true
}
