package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
version: v1
metadata:
  name: default
validators:
  dlp:
    enabled: true
    domain: dlp
    priority: 20
  security:
    enabled: true
    enforcement: BLOCK
    domain: security
    priority: 10
  drift:
    enabled: true
    enforcement: WARN
    domain: drift
    priority: 90
override:
  enabled: true
  require_token: true
`

func mustParse(t *testing.T, doc string) *Policy {
	t.Helper()
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestParseDefaults(t *testing.T) {
	p := mustParse(t, samplePolicy)

	assert.Equal(t, "v1", p.Version)
	assert.Equal(t, "default", p.Metadata.Name)
	require.Len(t, p.Validators, 3)

	dlp := p.Validators["dlp"]
	assert.Equal(t, "dlp", dlp.ID)
	assert.Equal(t, EnforcementBlock, dlp.Enforcement)
	assert.Equal(t, EnforcementWarn, p.Validators["drift"].Enforcement)
}

func TestParseRejectsBadVersion(t *testing.T) {
	_, err := Parse([]byte("version: v2\nvalidators: {}\n"))
	require.Error(t, err)
}

func TestParseRejectsBadEnforcement(t *testing.T) {
	doc := `
version: v1
validators:
  dlp:
    enabled: true
    enforcement: MAYBE
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestSerializeRoundTrip(t *testing.T) {
	p := mustParse(t, samplePolicy)

	out, err := Serialize(p)
	require.NoError(t, err)
	p2, err := Parse(out)
	require.NoError(t, err)

	assert.Equal(t, p, p2)

	h1, err := p.Hash()
	require.NoError(t, err)
	h2, err := p2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashIgnoresTokenSecret(t *testing.T) {
	p1 := mustParse(t, samplePolicy)
	p2 := mustParse(t, samplePolicy)
	p2.Override.TokenSecret = "s3cret"

	h1, err := p1.Hash()
	require.NoError(t, err)
	h2, err := p2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestMergeActiveOnly(t *testing.T) {
	m, err := Merge(mustParse(t, samplePolicy), nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, m.Validators, 3)
	assert.NotEmpty(t, m.Hash)
	assert.Nil(t, m.Audit)

	order := m.Sorted()
	require.Len(t, order, 3)
	assert.Equal(t, "security", order[0].ID)
	assert.Equal(t, "dlp", order[1].ID)
	assert.Equal(t, "drift", order[2].ID)
}

func TestMergeShadowDowngradesOnly(t *testing.T) {
	active := mustParse(t, samplePolicy)

	shadow := mustParse(t, `
version: v1
validators:
  dlp:
    enabled: true
    enforcement: SHADOW
    domain: dlp
`)
	m, err := Merge(active, shadow, nil, nil)
	require.NoError(t, err)
	assert.True(t, m.Validators["dlp"].Shadowed)
	assert.False(t, m.Validators["security"].Shadowed)

	// Shadow cannot add a validator the active layer lacks.
	added := mustParse(t, `
version: v1
validators:
  new_one:
    enabled: true
    enforcement: SHADOW
`)
	_, err = Merge(active, added, nil, nil)
	require.Error(t, err)

	// Shadow cannot set a non-SHADOW enforcement.
	raised := mustParse(t, `
version: v1
validators:
  dlp:
    enabled: true
    enforcement: BLOCK
`)
	_, err = Merge(active, raised, nil, nil)
	require.Error(t, err)
}

func TestMergeBreakglassWeakensOnly(t *testing.T) {
	active := mustParse(t, samplePolicy)
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	bg := mustParse(t, `
version: v1
validators:
  security:
    enabled: true
    enforcement: WARN
    exceptions:
      - tool_pattern: "fs_*"
        code: PATH_TRAVERSAL
        reason: migration window
        expires_at: 2026-03-01T00:00:00Z
`)
	act := &Activation{
		EnabledBy: "oncall",
		Reason:    "incident 4121",
		ExpiresAt: exp,
		Now:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	m, err := Merge(active, nil, bg, act)
	require.NoError(t, err)

	sec := m.Validators["security"]
	assert.Equal(t, EnforcementWarn, sec.Enforcement)
	assert.Equal(t, EnforcementBlock, sec.DowngradedFrom)
	require.Len(t, sec.BreakglassExceptions, 1)

	require.NotNil(t, m.Audit)
	assert.Equal(t, "incident 4121", m.Audit.Reason)
	assert.Equal(t, []string{"security"}, m.Audit.AffectedValidators)

	// Raising enforcement is refused.
	raise := mustParse(t, `
version: v1
validators:
  drift:
    enabled: true
    enforcement: BLOCK
`)
	_, err = Merge(active, nil, raise, act)
	require.Error(t, err)

	// Exceptions without expiry are refused.
	noExp := mustParse(t, `
version: v1
validators:
  security:
    enabled: true
    exceptions:
      - code: PATH_TRAVERSAL
`)
	_, err = Merge(active, nil, noExp, act)
	require.Error(t, err)

	// Activation without a reason is refused.
	_, err = Merge(active, nil, bg, &Activation{EnabledBy: "oncall"})
	require.Error(t, err)
}

func TestActiveException(t *testing.T) {
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := MergedValidator{
		BreakglassExceptions: []Exception{
			{ToolPattern: "fs_*", Code: "PATH_TRAVERSAL", ExpiresAt: &exp},
		},
	}

	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	after := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	assert.NotNil(t, v.ActiveException("fs_read", "PATH_TRAVERSAL", &before))
	assert.Nil(t, v.ActiveException("fs_read", "PATH_TRAVERSAL", &after))
	assert.Nil(t, v.ActiveException("http_get", "PATH_TRAVERSAL", &before))
	assert.Nil(t, v.ActiveException("fs_read", "SSRF_BLOCKED", &before))
	// No injected timestamp means exceptions never activate.
	assert.Nil(t, v.ActiveException("fs_read", "PATH_TRAVERSAL", nil))
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"fs_read", "fs_read", true},
		{"fs_*", "fs_read", true},
		{"fs_*", "http_get", false},
		{"*_admin", "db_admin", true},
		{"*exec*", "shell_exec_raw", true},
		{"*exec*", "fs_read", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.s), "%s vs %s", tc.pattern, tc.s)
	}
}

func TestOverrideToken(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	secret := "override-secret-for-tests"
	o := Override{Enabled: true, RequireToken: true, TokenSecret: secret}

	issuer := OverrideIssuer{Secret: []byte(secret)}
	tok, err := issuer.Issue("run-1", "approved by lead", now.Add(time.Hour))
	require.NoError(t, err)

	st := o.CheckOverride(tok, "run-1", now)
	assert.True(t, st.Active)
	assert.Equal(t, "approved by lead", st.Reason)

	// Wrong run.
	st = o.CheckOverride(tok, "run-2", now)
	assert.False(t, st.Active)

	// Expired.
	st = o.CheckOverride(tok, "run-1", now.Add(2*time.Hour))
	assert.False(t, st.Active)

	// Garbage token.
	st = o.CheckOverride("not-a-jwt", "run-1", now)
	assert.False(t, st.Active)
	assert.NotEmpty(t, st.Denied)

	// Missing token.
	st = o.CheckOverride("", "run-1", now)
	assert.False(t, st.Active)

	// Token not required.
	loose := Override{Enabled: true}
	assert.True(t, loose.CheckOverride("", "run-1", now).Active)

	// Disabled override never activates.
	off := Override{}
	assert.False(t, off.CheckOverride(tok, "run-1", now).Active)
}
