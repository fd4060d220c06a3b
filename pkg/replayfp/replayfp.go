// Package replayfp defines the replay fingerprint contract: the
// canonical hash of a step's inputs used as its replay cache key. The
// components that enter the hash are fixed and listed explicitly in
// every FINGERPRINT_COMPUTED event, so two implementations can be
// checked against each other.
package replayfp

import (
	"fmt"

	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/trace"
)

// Components is the fixed, ordered list of fields that enter a step
// fingerprint. Changing this list is a replay-cache-breaking change.
var Components = []string{"tool", "params", "policy_hash", "registry_version"}

// Fingerprint is a computed replay key.
type Fingerprint struct {
	Hash       string   `json:"hash"`
	Components []string `json:"components"`
}

// Compute canonicalises the step's inputs per RFC 8785 (sorted keys,
// stable number format, UTF-8, no NaN/Infinity) and hashes them. The
// same (tool, params, policy, registry) always yields the same hash,
// regardless of map iteration order or whitespace.
func Compute(call *contracts.ContextV1, policyHash, registryVersion string) (Fingerprint, error) {
	input := map[string]any{
		"tool":             call.Tool,
		"params":           call.Params,
		"policy_hash":      policyHash,
		"registry_version": registryVersion,
	}
	hash, err := canonicalize.CanonicalHash(input)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("replayfp: canonicalize step inputs: %w", err)
	}
	return Fingerprint{Hash: "sha256:" + hash, Components: Components}, nil
}

// Event converts the fingerprint to its trace payload.
func (f Fingerprint) Event() trace.Fingerprint {
	return trace.Fingerprint{Hash: f.Hash, Components: f.Components}
}

// Recorder couples fingerprint computation with the trace ordering
// rule: FINGERPRINT_COMPUTED must be written before the step's
// REPLAY_HIT or REPLAY_MISS.
type Recorder struct {
	emit func(eventType trace.EventType, step *trace.Step, payload any) (uint64, error)
}

// NewRecorder wraps a sink's Emit function.
func NewRecorder(emit func(trace.EventType, *trace.Step, any) (uint64, error)) *Recorder {
	return &Recorder{emit: emit}
}

// Record computes and writes the fingerprint for a step, then reports
// the hit or miss. Lookup receives the hash and returns the cache
// source on a hit ("" on a miss).
func (r *Recorder) Record(call *contracts.ContextV1, policyHash, registryVersion string,
	lookup func(hash string) (source string, savedTokens, savedMS int64)) (Fingerprint, bool, error) {

	fp, err := Compute(call, policyHash, registryVersion)
	if err != nil {
		return Fingerprint{}, false, err
	}
	step := &trace.Step{ID: call.StepID}
	if _, err := r.emit(trace.EventFingerprintComputed, step, fp.Event()); err != nil {
		return fp, false, err
	}

	if lookup == nil {
		return fp, false, nil
	}
	source, savedTokens, savedMS := lookup(fp.Hash)
	if source == "" {
		_, err := r.emit(trace.EventReplayMiss, step, trace.ReplayMiss{MissKey: fp.Hash})
		return fp, false, err
	}
	_, err = r.emit(trace.EventReplayHit, step, trace.ReplayHit{
		HitKey:      fp.Hash,
		CacheSource: source,
		SavedTokens: savedTokens,
		SavedMS:     savedMS,
	})
	return fp, true, err
}
