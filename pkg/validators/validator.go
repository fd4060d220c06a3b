// Package validators holds the plug-in decision producers evaluated by
// the engine on every candidate call. Validators are pure with respect
// to the call context and its state side channel: no wall-clock, no
// environment, no filesystem. They communicate only through the
// decisions they return.
package validators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/scancache"
	"github.com/failcore/failcore/pkg/taint"
)

// Validator is the uniform contract all validators implement. A non-nil
// error is treated by the engine as an internal failure and converted to
// a fail-open INTERNAL_ERROR decision; validators never block by
// erroring.
type Validator interface {
	ID() string
	Domain() contracts.Domain
	Evaluate(ctx context.Context, call *contracts.ContextV1) ([]contracts.Decision, error)
}

// Field is one string leaf of a params tree, in deterministic order.
type Field struct {
	Path  string // dot/bracket notation rooted at the param key
	Key   string // innermost map key
	Value string
}

// StringFields enumerates every string leaf of params. Map keys are
// visited sorted, so the result is byte-stable for a given params value.
func StringFields(params map[string]any) []Field {
	var out []Field
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		walkFields(k, k, params[k], &out)
	}
	return out
}

func walkFields(path, key string, v any, out *[]Field) {
	switch t := v.(type) {
	case string:
		*out = append(*out, Field{Path: path, Key: key, Value: t})
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkFields(path+"."+k, k, t[k], out)
		}
	case []any:
		for i, elem := range t {
			walkFields(fmt.Sprintf("%s[%d]", path, i), key, elem, out)
		}
	}
}

// TaintState returns the run's taint context from the state side
// channel, if registered.
func TaintState(call *contracts.ContextV1) *taint.Context {
	v, ok := call.StateValue(contracts.StateKeyTaintContext)
	if !ok {
		return nil
	}
	tc, _ := v.(*taint.Context)
	return tc
}

// ScanCacheState returns the run's scan cache from the state side
// channel, if registered.
func ScanCacheState(call *contracts.ContextV1) *scancache.Cache {
	v, ok := call.StateValue(contracts.StateKeyScanCache)
	if !ok {
		return nil
	}
	c, _ := v.(*scancache.Cache)
	return c
}

// Summarize reduces matched text to its evidence-safe form: a short
// content hash plus the trailing four characters. Raw matched text must
// never be attached to a decision.
func Summarize(matched string) (hash, last4 string) {
	sum := sha256.Sum256([]byte(matched))
	h := hex.EncodeToString(sum[:])[:12]
	if n := len(matched); n >= 4 {
		return h, matched[n-4:]
	}
	return h, ""
}

// block builds a BLOCK decision with the common fields filled.
func block(id string, domain contracts.Domain, code string, risk contracts.RiskLevel, msg string) contracts.Decision {
	return contracts.Decision{
		Code:        code,
		Decision:    contracts.ActionBlock,
		RiskLevel:   risk,
		Domain:      domain,
		Message:     msg,
		ValidatorID: id,
	}
}

func warn(id string, domain contracts.Domain, code string, risk contracts.RiskLevel, msg string) contracts.Decision {
	d := block(id, domain, code, risk, msg)
	d.Decision = contracts.ActionWarn
	return d
}
