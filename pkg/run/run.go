// Package run owns the per-run lifecycle: policy merge, registry
// snapshot, taint context and scan cache, cost guardian, trace sink,
// and the two gates. The executor collaborates through three calls:
// Preflight before the tool, AfterStep after it, End at teardown.
package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/failcore/failcore/pkg/audit"
	"github.com/failcore/failcore/pkg/canonicalize"
	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/engine"
	"github.com/failcore/failcore/pkg/enrich"
	"github.com/failcore/failcore/pkg/gate"
	"github.com/failcore/failcore/pkg/guardian"
	"github.com/failcore/failcore/pkg/observability"
	"github.com/failcore/failcore/pkg/policy"
	"github.com/failcore/failcore/pkg/registry"
	"github.com/failcore/failcore/pkg/replayfp"
	"github.com/failcore/failcore/pkg/scancache"
	"github.com/failcore/failcore/pkg/sink"
	"github.com/failcore/failcore/pkg/taint"
	"github.com/failcore/failcore/pkg/trace"
	"github.com/failcore/failcore/pkg/validators"
)

// Status is the run's aggregate outcome.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusPartial   Status = "PARTIAL"
	StatusBlocked   Status = "BLOCKED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

const paramsSummaryMax = 256

// Config assembles one run. Active is the only required policy layer.
type Config struct {
	Active     *policy.Policy
	Shadow     *policy.Policy
	Breakglass *policy.Policy
	Activation *policy.Activation

	// Registry defaults to the built-in pattern/rule set.
	Registry *registry.Registry

	Budget guardian.Budget

	// TraceWriter receives the JSONL trace. TracePath opens an
	// append-mode file instead; TraceWriter wins when both are set.
	TraceWriter io.Writer
	TracePath   string
	QueueSize   int
	SyncPolicy  sink.SyncPolicy

	// AuditStore persists breakglass activations at End.
	AuditStore audit.Store

	// Metrics receives decision, verdict, and drop counts. Nil disables
	// reporting.
	Metrics *observability.Provider

	// ReplayLookup resolves a step fingerprint to a cache source. Nil
	// disables replay events beyond FINGERPRINT_COMPUTED and REPLAY_MISS.
	ReplayLookup func(hash string) (source string, savedTokens, savedMS int64)

	// Validators supplies or overrides implementations by ID; built-in
	// implementations cover the standard set.
	Validators []validators.Validator

	Tags  []string
	Flags map[string]string

	SessionID string
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Run is the live per-run context handed to the executor.
type Run struct {
	id       string
	merged   *policy.Merged
	reg      *registry.Registry
	eng      *engine.Engine
	pre      *gate.Gate
	egress   *gate.Gate
	guard    *guardian.Guardian
	sink     *sink.Sink
	pipeline *enrich.Pipeline
	recorder *replayfp.Recorder
	taints   *taint.Context
	scans    *scancache.Cache
	auditDst audit.Store
	lookup   func(string) (string, int64, int64)
	metrics  *observability.Provider
	endRun   func()

	sessionID string
	clock     func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	steps     int
	blocked   int
	succeeded int
	failed    int
	ended     bool
}

// New resolves the policy layers, snapshots the registry, opens the
// trace sink, and emits RUN_START. Control-plane failures (bad policy,
// missing validator implementation, unreadable registry) refuse the
// run: RUN_START is still written, carrying the error.
func New(cfg Config) (*Run, error) {
	runID := uuid.NewString()
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "run", "run", runID)

	var (
		s   *sink.Sink
		err error
	)
	sinkOpts := []sink.Option{sink.WithClock(clock), sink.WithLogger(log)}
	if cfg.QueueSize > 0 {
		sinkOpts = append(sinkOpts, sink.WithQueueSize(cfg.QueueSize))
	}
	if cfg.SyncPolicy != "" {
		sinkOpts = append(sinkOpts, sink.WithSyncPolicy(cfg.SyncPolicy))
	}
	switch {
	case cfg.TraceWriter != nil:
		s = sink.New(runID, cfg.TraceWriter, sinkOpts...)
	case cfg.TracePath != "":
		s, err = sink.NewFile(runID, cfg.TracePath, sinkOpts...)
		if err != nil {
			return nil, fmt.Errorf("run: open trace: %w", err)
		}
	default:
		s = sink.New(runID, io.Discard, sinkOpts...)
	}

	refuse := func(cause error) (*Run, error) {
		start := trace.RunStart{StartedAt: clock(), Error: cause.Error()}
		if cfg.Active != nil {
			start.PolicyName = cfg.Active.Metadata.Name
		}
		s.Emit(trace.EventRunStart, nil, start)
		s.Close()
		return nil, cause
	}

	merged, err := policy.Merge(cfg.Active, cfg.Shadow, cfg.Breakglass, cfg.Activation)
	if err != nil {
		return refuse(fmt.Errorf("run: resolve policy: %w", err))
	}

	reg := cfg.Registry
	if reg == nil {
		reg, err = registry.LoadBuiltin()
		if err != nil {
			return refuse(fmt.Errorf("run: load registry: %w", err))
		}
	}

	impls, err := buildValidators(merged, reg, cfg.Validators)
	if err != nil {
		return refuse(err)
	}
	eng, err := engine.New(merged, impls, engine.WithLogger(log))
	if err != nil {
		return refuse(err)
	}

	r := &Run{
		id:        runID,
		merged:    merged,
		reg:       reg,
		eng:       eng,
		pre:       gate.New(gate.KindPreflight, eng, gate.WithLogger(log)),
		egress:    gate.New(gate.KindEgress, eng, gate.WithLogger(log)),
		guard:     guardian.New(runID, cfg.Budget, guardian.WithClock(clock), guardian.WithLogger(log)),
		sink:      s,
		pipeline:  enrich.Default(reg, enrich.WithLogger(log)),
		taints:    taint.NewContext(),
		scans:     scancache.New(0, 0, scancache.WithClock(clock)),
		auditDst:  cfg.AuditStore,
		lookup:    cfg.ReplayLookup,
		metrics:   cfg.Metrics,
		endRun:    func() {},
		sessionID: cfg.SessionID,
		clock:     clock,
		log:       log,
	}
	r.recorder = replayfp.NewRecorder(s.Emit)
	if r.metrics != nil {
		r.endRun = r.metrics.TrackRun(context.Background(), runID)
	}

	if _, err := s.Emit(trace.EventRunStart, nil, trace.RunStart{
		PolicyName: merged.Name,
		PolicyHash: merged.Hash,
		StartedAt:  clock(),
		Tags:       cfg.Tags,
		Flags:      cfg.Flags,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("run: emit RUN_START: %w", err)
	}
	return r, nil
}

// ID returns the run identifier stamped on every trace event.
func (r *Run) ID() string { return r.id }

// PolicyHash returns the active policy's canonical hash.
func (r *Run) PolicyHash() string { return r.merged.Hash }

// Taint exposes the run's taint context so the executor can mark tool
// outputs as sources.
func (r *Run) Taint() *taint.Context { return r.taints }

// Guardian exposes the run's cost guardian for streaming watchdogs.
func (r *Run) Guardian() *guardian.Guardian { return r.guard }

// NewContext assembles the per-step call description: fresh step id,
// the run's state side channel, and the injected timestamp.
func (r *Run) NewContext(tool string, params map[string]any) *contracts.ContextV1 {
	now := r.clock()
	return &contracts.ContextV1{
		Tool:      tool,
		Params:    params,
		StepID:    uuid.NewString(),
		RunID:     r.id,
		SessionID: r.sessionID,
		State: map[string]any{
			contracts.StateKeyTaintContext: r.taints,
			contracts.StateKeyScanCache:    r.scans,
		},
		Metadata: contracts.Metadata{Timestamp: &now},
	}
}

// Preflight gates a candidate call. The returned outcome is final for
// this side of the chokepoint: on BLOCK the executor must not invoke
// the tool. The attempt is always recorded, blocked or not.
func (r *Run) Preflight(ctx context.Context, call *contracts.ContextV1, est guardian.CostEstimate) (gate.Outcome, error) {
	if err := call.Validate(); err != nil {
		return gate.Outcome{}, err
	}

	outcome := r.pre.Check(ctx, call)

	if !outcome.Verdict.Blocked() {
		res := r.guard.CheckOperation(ctx, est)
		switch {
		case !res.Allowed:
			outcome.Decisions = append(outcome.Decisions, res.Decision())
			outcome.Verdict = gate.Resolve(outcome.Decisions)
		case res.Estimated:
			outcome.Decisions = append(outcome.Decisions, res.Advisory())
			outcome.Verdict = gate.Resolve(outcome.Decisions)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordVerdict(ctx, string(outcome.Kind), string(outcome.Verdict.Decision))
		for i := range outcome.Decisions {
			d := &outcome.Decisions[i]
			if d.SuppressedBy != "" {
				continue
			}
			r.metrics.RecordDecision(ctx, string(d.Domain), d.Code, string(d.EffectiveAction()))
		}
	}

	safe := redactParams(call.Params, outcome.Decisions)
	step := &trace.Step{ID: call.StepID, Meta: map[string]any{"params": safe}}
	if _, err := r.sink.Emit(trace.EventAttempt, step, trace.Attempt{
		Tool:          call.Tool,
		ParamsSummary: summarize(safe),
		Verdict:       outcome.Verdict,
		Decisions:     outcome.Decisions,
	}); err != nil {
		r.log.Warn("attempt not recorded", "step", call.StepID, "error", err)
	}

	r.mu.Lock()
	r.steps++
	if outcome.Verdict.Blocked() {
		r.blocked++
	}
	r.mu.Unlock()

	if outcome.Verdict.Blocked() {
		r.sink.Emit(trace.EventPolicyDenied, &trace.Step{ID: call.StepID}, trace.PolicyDenied{
			Code:           outcome.Verdict.Code,
			Category:       string(outcome.Verdict.Domain),
			CategoryDetail: string(outcome.Verdict.RiskLevel),
		})
		return outcome, nil
	}

	if _, _, err := r.recorder.Record(call, r.merged.Hash, r.reg.Version(), r.lookup); err != nil {
		r.log.Warn("fingerprint not recorded", "step", call.StepID, "error", err)
	}
	return outcome, nil
}

// AfterStep records the step's outcome: usage into the guardian,
// enricher evidence into EGRESS. A non-nil execErr marks the step
// failed; evidence is still collected from whatever result exists.
func (r *Run) AfterStep(ctx context.Context, call *contracts.ContextV1, result any, execErr error) {
	post := call.WithResult(result)

	if usage, ok := guardian.ExtractUsage(result); ok {
		if err := r.guard.RecordUsage(ctx, usage); err != nil {
			r.log.Warn("usage not recorded", "step", call.StepID, "error", err)
		}
	}

	status := "ok"
	if execErr != nil {
		status = "error"
	}
	evidence := r.pipeline.Run(ctx, post)
	r.sink.Emit(trace.EventEgress, &trace.Step{ID: call.StepID}, trace.Egress{
		Status:   status,
		Evidence: evidence,
	})

	r.mu.Lock()
	if execErr != nil {
		r.failed++
	} else {
		r.succeeded++
	}
	r.mu.Unlock()
}

// End closes the run: aggregate status, RUN_END with stats, sink flush,
// breakglass audit persistence. Safe to call once; the context's
// cancellation state decides CANCELLED.
func (r *Run) End(ctx context.Context) (Status, error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return "", fmt.Errorf("run: already ended")
	}
	r.ended = true
	steps, blocked, succeeded, failed := r.steps, r.blocked, r.succeeded, r.failed
	r.mu.Unlock()

	status := StatusSuccess
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case blocked == 0 && failed == 0:
		status = StatusSuccess
	case succeeded == 0 && failed == 0:
		status = StatusBlocked
	case succeeded == 0 && blocked == 0:
		status = StatusFailed
	default:
		status = StatusPartial
	}

	totals := r.guard.Totals()
	drops := r.sink.Dropped()
	r.sink.Emit(trace.EventRunEnd, nil, trace.RunEnd{
		Status: string(status),
		Stats: map[string]any{
			"steps":          steps,
			"blocked":        blocked,
			"succeeded":      succeeded,
			"failed":         failed,
			"cost_usd":       totals.CostUSD,
			"total_tokens":   totals.TotalTokens,
			"api_calls":      totals.APICalls,
			"dropped_events": drops.Evidence + drops.Low + drops.Normal,
		},
	})
	if err := r.sink.Close(); err != nil {
		return status, fmt.Errorf("run: close trace: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RecordDrop(ctx, "evidence", drops.Evidence)
		r.metrics.RecordDrop(ctx, "low", drops.Low)
		r.metrics.RecordDrop(ctx, "normal", drops.Normal)
	}
	r.endRun()

	if r.auditDst != nil && r.merged.Audit != nil {
		rec := audit.NewRecord(r.id, r.merged.Name, *r.merged.Audit, r.clock())
		if err := r.auditDst.Save(ctx, rec); err != nil {
			return status, fmt.Errorf("run: persist breakglass audit: %w", err)
		}
	}
	return status, nil
}

// redactParams returns the params form safe to persist in the trace. A
// sanitiser-produced copy riding in decision evidence wins; otherwise
// every field a pattern match located is masked. Flagged material never
// reaches the trace body in the clear.
func redactParams(params map[string]any, decisions []contracts.Decision) map[string]any {
	var flagged []string
	for i := range decisions {
		d := &decisions[i]
		if sp, ok := d.Evidence["sanitized_params"].(map[string]any); ok {
			return sp
		}
		ms, ok := d.Evidence["pattern_matches"].([]map[string]any)
		if !ok {
			continue
		}
		for _, m := range ms {
			if fp, ok := m["field_path"].(string); ok && fp != "" {
				flagged = append(flagged, fp)
			}
		}
	}
	if len(flagged) == 0 {
		return params
	}
	masked, _ := validators.Sanitize(params, validators.SanitizeSpec{
		Mode:  validators.RedactSummary,
		Paths: flagged,
	})
	return masked
}

// summarize renders params canonically, truncated for the trace.
func summarize(params map[string]any) string {
	s, err := canonicalize.JCSString(params)
	if err != nil {
		return ""
	}
	if len(s) > paramsSummaryMax {
		return s[:paramsSummaryMax] + "..."
	}
	return s
}
