package run

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/audit"
	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/drift"
	"github.com/failcore/failcore/pkg/guardian"
	"github.com/failcore/failcore/pkg/observability"
	"github.com/failcore/failcore/pkg/policy"
	"github.com/failcore/failcore/pkg/trace"
)

func activePolicy(name string, vcs map[string]policy.ValidatorConfig) *policy.Policy {
	for id, vc := range vcs {
		if vc.ID == "" {
			vc.ID = id
		}
		if vc.Enforcement == "" {
			vc.Enforcement = policy.EnforcementBlock
		}
		vcs[id] = vc
	}
	return &policy.Policy{
		Version:    "v1",
		Validators: vcs,
		Metadata:   policy.Metadata{Name: name},
	}
}

func securityPolicy(name string, config map[string]any) *policy.Policy {
	return activePolicy(name, map[string]policy.ValidatorConfig{
		"security": {Enabled: true, Domain: contracts.DomainSecurity, Priority: 10, Config: config},
	})
}

func readTrace(t *testing.T, buf *bytes.Buffer) []trace.Envelope {
	t.Helper()
	events, err := trace.Reader{}.ReadAll(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.NoError(t, trace.Validate(events))
	return events
}

func ofType(events []trace.Envelope, typ trace.EventType) []trace.Envelope {
	var out []trace.Envelope
	for _, e := range events {
		if e.EventType == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestPathTraversalBlocked(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active:      securityPolicy("fs_safe", map[string]any{"sandbox_root": "./data"}),
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("write_file", map[string]any{"path": "../../etc/passwd", "content": "x"})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)

	require.True(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.CodePathTraversal, out.Verdict.Code)
	assert.Equal(t, contracts.DomainSecurity, out.Verdict.Domain)

	var blocking *contracts.Decision
	for i := range out.Decisions {
		if out.Decisions[i].Code == contracts.CodePathTraversal {
			blocking = &out.Decisions[i]
		}
	}
	require.NotNil(t, blocking)
	assert.NotEmpty(t, blocking.Suggestion)
	require.NotNil(t, blocking.Remediation)

	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, status)

	events := readTrace(t, &buf)
	attempts := ofType(events, trace.EventAttempt)
	require.Len(t, attempts, 1)
	att, err := trace.Payload[trace.Attempt](attempts[0])
	require.NoError(t, err)
	assert.Equal(t, "write_file", att.Tool)
	assert.Equal(t, contracts.ActionBlock, att.Verdict.Decision)

	require.Len(t, ofType(events, trace.EventPolicyDenied), 1)
	// A blocked step is never fingerprinted.
	assert.Empty(t, ofType(events, trace.EventFingerprintComputed))
}

func TestSSRFMetadataEndpointBlocked(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active:      securityPolicy("net_safe", nil),
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("fetch_url", map[string]any{"url": "http://169.254.169.254/latest/meta-data/"})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)

	require.True(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.CodePrivateNetworkBlocked, out.Verdict.Code)
	assert.Equal(t, contracts.DomainSecurity, out.Verdict.Domain)

	// Nothing below the security domain survives unsuppressed as a block.
	for _, d := range out.Decisions {
		if d.Domain != contracts.DomainSecurity {
			assert.NotEqual(t, contracts.ActionBlock, d.EffectiveAction())
		}
	}

	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, status)
}

func TestDLPSanitizePreservesUsability(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active: activePolicy("dlp_sanitize", map[string]policy.ValidatorConfig{
			"dlp_guard": {Enabled: true, Domain: contracts.DomainDLP, Priority: 10, Config: map[string]any{
				"mode": "sanitize",
				"matrix": map[string]any{
					"secret": map[string]any{"action": "BLOCK", "auto_sanitize": true},
					"pii":    map[string]any{"action": "ALLOW"},
				},
			}},
		}),
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	secret := "API_KEY=sk-live-abcdef1234567890xyz"
	call := r.NewContext("send_email", map[string]any{"to": "user@example.com", "body": secret})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)

	assert.False(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.ActionSanitize, out.Verdict.Decision)
	assert.Equal(t, contracts.CodeSanitizationRequired, out.Verdict.Code)

	sanitized, ok := out.Verdict.Evidence["sanitized_params"].(map[string]any)
	require.True(t, ok, "sanitized params must ride in evidence")
	assert.Equal(t, "user@example.com", sanitized["to"])
	body, _ := sanitized["body"].(string)
	assert.NotContains(t, body, "sk-live-abcdef1234567890")
	assert.True(t, strings.HasSuffix(body, "0xyz"), "last4 preserved, got %q", body)

	r.AfterStep(ctx, call, map[string]any{"status": "sent"}, nil)
	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	events := readTrace(t, &buf)
	assert.Len(t, ofType(events, trace.EventEgress), 1)
	assert.Len(t, ofType(events, trace.EventFingerprintComputed), 1)
}

func TestTraceBodyNeverCarriesFlaggedSecret(t *testing.T) {
	secret := "sk-live-abcdef1234567890xyz"

	dlpPolicy := func(mode string) *policy.Policy {
		return activePolicy("dlp_"+mode, map[string]policy.ValidatorConfig{
			"dlp_guard": {Enabled: true, Domain: contracts.DomainDLP, Priority: 10, Config: map[string]any{
				"mode": mode,
				"matrix": map[string]any{
					"secret": map[string]any{"action": "BLOCK", "auto_sanitize": true},
				},
			}},
		})
	}

	t.Run("sanitize mode", func(t *testing.T) {
		var buf bytes.Buffer
		r, err := New(Config{Active: dlpPolicy("sanitize"), TraceWriter: &buf})
		require.NoError(t, err)
		ctx := context.Background()

		call := r.NewContext("send_email", map[string]any{"to": "ops@example.com", "body": "token " + secret})
		out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
		require.NoError(t, err)
		assert.Equal(t, contracts.ActionSanitize, out.Verdict.Decision)
		r.AfterStep(ctx, call, map[string]any{"status": "sent"}, nil)
		_, err = r.End(ctx)
		require.NoError(t, err)

		assert.NotContains(t, buf.String(), secret)

		events := readTrace(t, &buf)
		att, err := trace.Payload[trace.Attempt](ofType(events, trace.EventAttempt)[0])
		require.NoError(t, err)
		assert.NotContains(t, att.ParamsSummary, secret)
	})

	t.Run("block mode", func(t *testing.T) {
		var buf bytes.Buffer
		r, err := New(Config{Active: dlpPolicy("block"), TraceWriter: &buf})
		require.NoError(t, err)
		ctx := context.Background()

		call := r.NewContext("send_email", map[string]any{"body": "token " + secret})
		out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
		require.NoError(t, err)
		require.True(t, out.Verdict.Blocked())
		_, err = r.End(ctx)
		require.NoError(t, err)

		assert.NotContains(t, buf.String(), secret)
	})
}

func TestBudgetExhaustionMidStream(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active:      securityPolicy("metered", nil),
		Budget:      guardian.Budget{MaxCostUSD: 0.01},
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	first := r.NewContext("llm_call", map[string]any{"prompt": "a"})
	out, err := r.Preflight(ctx, first, guardian.CostEstimate{CostUSD: 0.006})
	require.NoError(t, err)
	assert.False(t, out.Verdict.Blocked())
	r.AfterStep(ctx, first, map[string]any{"usage": map[string]any{"cost_usd": 0.006}}, nil)

	second := r.NewContext("llm_call", map[string]any{"prompt": "b"})
	out, err = r.Preflight(ctx, second, guardian.CostEstimate{CostUSD: 0.006})
	require.NoError(t, err)
	require.True(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.CodeEconomicBudgetExceeded, out.Verdict.Code)
	assert.Equal(t, contracts.DomainCost, out.Verdict.Domain)

	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status)

	// The denied attempt is still on the record.
	events := readTrace(t, &buf)
	attempts := ofType(events, trace.EventAttempt)
	require.Len(t, attempts, 2)
	att, err := trace.Payload[trace.Attempt](attempts[1])
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionBlock, att.Verdict.Decision)
	assert.Equal(t, contracts.CodeEconomicBudgetExceeded, att.Verdict.Code)
}

func TestDestructiveCommandDedup(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active: activePolicy("shell_safe", map[string]policy.ValidatorConfig{
			"security":        {Enabled: true, Domain: contracts.DomainSecurity, Priority: 10},
			"semantic_intent": {Enabled: true, Domain: contracts.DomainSemantic, Priority: 20},
		}),
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("run_shell", map[string]any{"command": "rm -rf /"})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)

	require.True(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.DomainSecurity, out.Verdict.Domain)
	assert.Equal(t, contracts.CodePolicyDenied, out.Verdict.Code)

	var winner, loser *contracts.Decision
	for i := range out.Decisions {
		switch out.Decisions[i].Code {
		case contracts.CodePolicyDenied:
			winner = &out.Decisions[i]
		case contracts.CodeSemanticViolation:
			loser = &out.Decisions[i]
		}
	}
	require.NotNil(t, winner)
	require.NotNil(t, loser)
	assert.True(t, loser.Suppressed())
	assert.Equal(t, winner.Code, loser.SuppressedBy)
	assert.Equal(t, "duplicate_domain_lower_priority", loser.SuppressionReason)
	assert.Contains(t, winner.Evidence["suppressed_codes"], contracts.CodeSemanticViolation)

	_, err = r.End(ctx)
	require.NoError(t, err)
}

func TestDriftInflectionFromTrace(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active: activePolicy("observe_only", map[string]policy.ValidatorConfig{
			"semantic_intent": {Enabled: true, Domain: contracts.DomainSemantic, Priority: 10},
		}),
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		path := fmt.Sprintf("./data/app%d.log", i)
		if i >= 7 {
			path = fmt.Sprintf("/etc/app%d.conf", i)
		}
		call := r.NewContext("file_write", map[string]any{"path": path})
		out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
		require.NoError(t, err)
		require.False(t, out.Verdict.Blocked(), "step %d", i)
		r.AfterStep(ctx, call, map[string]any{"written": true}, nil)
	}
	_, err = r.End(ctx)
	require.NoError(t, err)

	events := readTrace(t, &buf)
	obs := drift.FromTrace(events)
	require.Len(t, obs, 10)

	decisions := drift.New(drift.Config{Strategy: drift.StrategyMedian}).Analyze(obs)
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, contracts.ActionWarn, d.Decision)
	assert.Equal(t, "path_changed", d.Evidence["reason"])
	assert.Equal(t, "./data/*.log", d.Evidence["baseline"])
	assert.Equal(t, "/etc/*.conf", d.Evidence["observed"])
	assert.Equal(t, obs[6].Seq, d.Evidence["seq"], "inflection at the seventh step")
	assert.Equal(t, []uint64{obs[0].Seq, obs[9].Seq}, d.Evidence["window"])
}

func TestBreakglassDowngradeAudited(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	store := audit.NewMemoryStore()

	var buf bytes.Buffer
	r, err := New(Config{
		Active: securityPolicy("fs_safe", map[string]any{"sandbox_root": "./data"}),
		Breakglass: &policy.Policy{
			Version: "v1",
			Validators: map[string]policy.ValidatorConfig{
				"security": {ID: "security", Enforcement: policy.EnforcementWarn},
			},
		},
		Activation: &policy.Activation{
			EnabledBy: "oncall@example.com",
			Reason:    "incident 4821: unblock migration job",
			ExpiresAt: expires,
			Now:       time.Now(),
		},
		AuditStore:  store,
		TraceWriter: &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("write_file", map[string]any{"path": "../../etc/passwd"})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)

	// The finding stands but enforcement is weakened to WARN.
	assert.False(t, out.Verdict.Blocked())
	assert.Equal(t, contracts.ActionWarn, out.Verdict.Decision)

	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	records, err := store.ByRun(ctx, r.ID())
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "fs_safe", rec.PolicyName)
	assert.NotEmpty(t, rec.Activation.Reason)
	assert.Equal(t, []string{"security"}, rec.Activation.AffectedValidators)
	assert.True(t, rec.Activation.ExpiresAt.After(time.Now()))
}

func TestReplayHitRecorded(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{
		Active:      securityPolicy("replayable", nil),
		TraceWriter: &buf,
		ReplayLookup: func(string) (string, int64, int64) {
			return "memory", 1200, 90
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("query", map[string]any{"q": "select 1"})
	out, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)
	require.False(t, out.Verdict.Blocked())

	_, err = r.End(ctx)
	require.NoError(t, err)

	events := readTrace(t, &buf)
	require.Len(t, ofType(events, trace.EventFingerprintComputed), 1)
	hits := ofType(events, trace.EventReplayHit)
	require.Len(t, hits, 1)
	hit, err := trace.Payload[trace.ReplayHit](hits[0])
	require.NoError(t, err)
	assert.Equal(t, "memory", hit.CacheSource)
	assert.Equal(t, int64(1200), hit.SavedTokens)
}

func TestAggregateStatuses(t *testing.T) {
	newRun := func(t *testing.T, buf *bytes.Buffer) *Run {
		r, err := New(Config{Active: securityPolicy("p", nil), TraceWriter: buf})
		require.NoError(t, err)
		return r
	}
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRun(t, &buf)
		call := r.NewContext("echo", map[string]any{"text": "hi"})
		_, err := r.Preflight(ctx, call, guardian.CostEstimate{})
		require.NoError(t, err)
		r.AfterStep(ctx, call, map[string]any{"echoed": "hi"}, nil)
		status, err := r.End(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, status)
	})

	t.Run("failed", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRun(t, &buf)
		call := r.NewContext("echo", map[string]any{"text": "hi"})
		_, err := r.Preflight(ctx, call, guardian.CostEstimate{})
		require.NoError(t, err)
		r.AfterStep(ctx, call, nil, fmt.Errorf("upstream 503"))
		status, err := r.End(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, status)

		events := readTrace(t, &buf)
		eg, err := trace.Payload[trace.Egress](ofType(events, trace.EventEgress)[0])
		require.NoError(t, err)
		assert.Equal(t, "error", eg.Status)
	})

	t.Run("cancelled", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRun(t, &buf)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		status, err := r.End(cctx)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, status)

		events := readTrace(t, &buf)
		end, err := trace.Payload[trace.RunEnd](ofType(events, trace.EventRunEnd)[0])
		require.NoError(t, err)
		assert.Equal(t, string(StatusCancelled), end.Status)
	})

	t.Run("end twice errors", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRun(t, &buf)
		_, err := r.End(ctx)
		require.NoError(t, err)
		_, err = r.End(ctx)
		require.Error(t, err)
	})
}

func TestControlPlaneRefusalWritesRunStart(t *testing.T) {
	var buf bytes.Buffer
	_, err := New(Config{
		Active: activePolicy("broken", map[string]policy.ValidatorConfig{
			"ghost": {Enabled: true, Domain: contracts.DomainOther, Priority: 10},
		}),
		TraceWriter: &buf,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	events := readTrace(t, &buf)
	require.Len(t, events, 1)
	start, perr := trace.Payload[trace.RunStart](events[0])
	require.NoError(t, perr)
	assert.NotEmpty(t, start.Error)
	assert.Equal(t, "broken", start.PolicyName)
}

func TestRunEndStatsTrackGuardian(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(Config{Active: securityPolicy("p", nil), TraceWriter: &buf})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("llm_call", map[string]any{"prompt": "x"})
	_, err = r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)
	r.AfterStep(ctx, call, map[string]any{
		"usage": map[string]any{"input_tokens": 100, "output_tokens": 50, "cost_usd": 0.002},
	}, nil)

	_, err = r.End(ctx)
	require.NoError(t, err)

	events := readTrace(t, &buf)
	end, err := trace.Payload[trace.RunEnd](ofType(events, trace.EventRunEnd)[0])
	require.NoError(t, err)
	assert.Equal(t, float64(1), end.Stats["steps"])
	assert.Equal(t, float64(150), end.Stats["total_tokens"])
	assert.InDelta(t, 0.002, end.Stats["cost_usd"], 1e-9)
}

func TestMetricsProviderIsOptionalAndInert(t *testing.T) {
	prov, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	var buf bytes.Buffer
	r, err := New(Config{
		Active:      securityPolicy("fs_safe", map[string]any{"sandbox_root": "./data"}),
		TraceWriter: &buf,
		Metrics:     prov,
	})
	require.NoError(t, err)
	ctx := context.Background()

	call := r.NewContext("write_file", map[string]any{"path": "data/ok.txt"})
	outcome, err := r.Preflight(ctx, call, guardian.CostEstimate{})
	require.NoError(t, err)
	require.False(t, outcome.Verdict.Blocked())
	r.AfterStep(ctx, call, map[string]any{"written": true}, nil)

	blockedCall := r.NewContext("write_file", map[string]any{"path": "../../etc/passwd"})
	outcome, err = r.Preflight(ctx, blockedCall, guardian.CostEstimate{})
	require.NoError(t, err)
	require.True(t, outcome.Verdict.Blocked())

	status, err := r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status)
	readTrace(t, &buf)
}
