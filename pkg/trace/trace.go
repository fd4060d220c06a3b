// Package trace defines the wire-stable JSONL event protocol: one
// envelope per line, monotonic seq per run, typed payloads under the
// data extension point.
package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/failcore/failcore/pkg/contracts"
)

// SchemaVersion is stamped on every envelope this build writes.
const SchemaVersion = "failcore.trace.v0.2.0"

// EventType classifies an envelope.
type EventType string

const (
	EventRunStart            EventType = "RUN_START"
	EventAttempt             EventType = "ATTEMPT"
	EventEgress              EventType = "EGRESS"
	EventRunEnd              EventType = "RUN_END"
	EventFingerprintComputed EventType = "FINGERPRINT_COMPUTED"
	EventReplayHit           EventType = "REPLAY_HIT"
	EventReplayMiss          EventType = "REPLAY_MISS"
	EventContractDrift       EventType = "CONTRACT_DRIFT"
	EventPolicyDenied        EventType = "POLICY_DENIED"
	EventStepTimeout         EventType = "STEP_TIMEOUT"
	EventTimeoutClamped      EventType = "TIMEOUT_CLAMPED"
	EventArtifactWritten     EventType = "ARTIFACT_WRITTEN"
	EventSideEffectApplied   EventType = "SIDE_EFFECT_APPLIED"
)

var knownEvents = map[EventType]struct{}{
	EventRunStart: {}, EventAttempt: {}, EventEgress: {}, EventRunEnd: {},
	EventFingerprintComputed: {}, EventReplayHit: {}, EventReplayMiss: {},
	EventContractDrift: {}, EventPolicyDenied: {}, EventStepTimeout: {},
	EventTimeoutClamped: {}, EventArtifactWritten: {}, EventSideEffectApplied: {},
}

// Step identifies the tool invocation an event belongs to. Meta is an
// extension point: it may grow without a schema version bump.
type Step struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Envelope is one trace line. Data is an extension point and is kept
// raw so readers stay forward-compatible with payload growth.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	EventType     EventType       `json:"event_type"`
	RunID         string          `json:"run_id"`
	Seq           uint64          `json:"seq"`
	TS            time.Time       `json:"ts"`
	Step          *Step           `json:"step,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// RunStart opens a run's trace.
type RunStart struct {
	PolicyName string            `json:"policy_name"`
	PolicyHash string            `json:"policy_hash"`
	StartedAt  time.Time         `json:"started_at"`
	Tags       []string          `json:"tags,omitempty"`
	Flags      map[string]string `json:"flags,omitempty"`
	Error      string            `json:"error,omitempty"` // startup refusal
}

// Attempt carries the gate's verdict inline plus the full deduped
// decision list.
type Attempt struct {
	Tool          string               `json:"tool"`
	ParamsSummary string               `json:"params_summary,omitempty"`
	Verdict       contracts.Verdict    `json:"verdict"`
	Decisions     []contracts.Decision `json:"decisions,omitempty"`
}

// Egress carries enricher evidence only. Evidence keys are written in
// deterministic order by the envelope encoder.
type Egress struct {
	Status   string         `json:"status"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// RunEnd closes a run's trace.
type RunEnd struct {
	Status string         `json:"status"`
	Stats  map[string]any `json:"stats,omitempty"`
}

// Fingerprint is the authoritative replay key for a step. It must be
// written before any REPLAY_HIT or REPLAY_MISS that references it.
type Fingerprint struct {
	Hash       string   `json:"hash"`
	Components []string `json:"components"`
}

// ReplayHit records a replay cache hit for a fingerprinted step.
type ReplayHit struct {
	HitKey      string `json:"hit_key"`
	CacheSource string `json:"cache_source"`
	SavedTokens int64  `json:"saved_tokens,omitempty"`
	SavedMS     int64  `json:"saved_ms,omitempty"`
}

// ReplayMiss records a replay cache miss.
type ReplayMiss struct {
	MissKey string `json:"miss_key"`
}

// PolicyDenied is a terminal per-step denial.
type PolicyDenied struct {
	Code           string `json:"code"`
	Category       string `json:"category"`
	CategoryDetail string `json:"category_detail,omitempty"`
}

// New builds an envelope for a typed payload. RunID, Seq, and TS are
// stamped by the sink at enqueue.
func New(eventType EventType, step *Step, payload any) (Envelope, error) {
	e := Envelope{SchemaVersion: SchemaVersion, EventType: eventType, Step: step}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("trace: encode %s payload: %w", eventType, err)
		}
		e.Data = data
	}
	return e, nil
}

// Payload decodes an envelope's data into a typed event.
func Payload[T any](e Envelope) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, fmt.Errorf("trace: %s envelope has no data", e.EventType)
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("trace: decode %s payload: %w", e.EventType, err)
	}
	return out, nil
}

// DropClass orders events for backpressure: evidence drops first, then
// low-severity events. Critical events are never dropped.
type DropClass int

const (
	ClassEvidence DropClass = iota // dropped first
	ClassLow
	ClassNormal
	ClassCritical // RUN_START, RUN_END, blocking ATTEMPT
)

// Class computes the backpressure class of an envelope. ATTEMPT events
// are critical only when their verdict blocks.
func Class(e Envelope) DropClass {
	switch e.EventType {
	case EventRunStart, EventRunEnd:
		return ClassCritical
	case EventAttempt:
		var peek struct {
			Verdict struct {
				Decision contracts.Action `json:"decision"`
			} `json:"verdict"`
		}
		if err := json.Unmarshal(e.Data, &peek); err == nil && peek.Verdict.Decision == contracts.ActionBlock {
			return ClassCritical
		}
		return ClassNormal
	case EventPolicyDenied, EventStepTimeout:
		return ClassNormal
	case EventEgress:
		return ClassEvidence
	default:
		return ClassLow
	}
}
