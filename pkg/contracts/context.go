// Package contracts defines the stable data contracts of the failcore
// decision engine: the call description handed to validators (ContextV1),
// the verdict unit they produce (Decision), the closed error-code and
// side-effect taxonomies, and the taint tag model.
//
// Everything in this package is append-only: fields may be added, never
// removed or repurposed. Validators, the engine, the gate, and the trace
// protocol all speak these types and nothing else.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// State keys recognised on ContextV1.State. The state map is a typed
// side channel: every key names a concrete run-scoped service.
const (
	StateKeyTaintContext = "taint_context"
	StateKeyScanCache    = "scan_cache"
)

// Metadata carries externally injected facts required for determinism.
// Validators MUST NOT read wall-clock or environment directly; the
// timestamp here is the only notion of "now" they may use.
type Metadata struct {
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	OverrideToken string     `json:"override_token,omitempty"`
}

// ContextV1 is the serialisable description of a candidate action. It is
// assembled once per step and passed unchanged to every validator.
type ContextV1 struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Result    any            `json:"result,omitempty"`
	StepID    string         `json:"step_id"`
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id,omitempty"`
	State     map[string]any `json:"-"`
	Metadata  Metadata       `json:"metadata"`
}

// Validate checks the ContextV1 invariants: tool and params present,
// params fully JSON-serialisable.
func (c *ContextV1) Validate() error {
	if c.Tool == "" {
		return fmt.Errorf("context: tool is required")
	}
	if c.Params == nil {
		return fmt.Errorf("context: params is required")
	}
	if _, err := json.Marshal(c.Params); err != nil {
		return fmt.Errorf("context: params not JSON-serialisable: %w", err)
	}
	return nil
}

// StateValue returns the run-scoped service registered under key, if any.
func (c *ContextV1) StateValue(key string) (any, bool) {
	if c.State == nil {
		return nil, false
	}
	v, ok := c.State[key]
	return v, ok
}

// WithResult returns a shallow copy of the context carrying the
// post-execution result. Enrichers receive this post-context; the
// pre-execution context is never mutated.
func (c *ContextV1) WithResult(result any) *ContextV1 {
	cp := *c
	cp.Result = result
	return &cp
}
