package policy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OverrideClaims are the JWT claims carried by an override token.
type OverrideClaims struct {
	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	jwt.RegisteredClaims
}

// OverrideStatus is the outcome of evaluating a context's override
// request against the policy's override config.
type OverrideStatus struct {
	Active bool
	Reason string
	// Denied explains why a presented token did not activate the
	// override. Empty when no token was presented or the token is valid.
	Denied string
}

// IssueOverrideToken mints a signed override token, mostly for tests
// and the CLI. Tokens are HS256 over the policy's token secret.
type OverrideIssuer struct {
	Secret []byte
}

func (i OverrideIssuer) Issue(runID, reason string, expiresAt time.Time) (string, error) {
	if len(i.Secret) == 0 {
		return "", fmt.Errorf("policy: override secret not configured")
	}
	claims := OverrideClaims{
		RunID:  runID,
		Reason: reason,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.Secret)
}

// CheckOverride decides whether an override is active for this run.
// With RequireToken set, a missing or invalid token leaves the override
// inactive; it never errors the evaluation. Token run_id, when present,
// must match the run.
func (o Override) CheckOverride(token, runID string, now time.Time) OverrideStatus {
	if !o.Enabled {
		return OverrideStatus{}
	}
	if !o.RequireToken {
		return OverrideStatus{Active: true, Reason: "policy override enabled"}
	}
	if token == "" {
		return OverrideStatus{Denied: "override requires token"}
	}
	claims := &OverrideClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(o.TokenSecret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return OverrideStatus{Denied: "invalid override token"}
	}
	if claims.RunID != "" && claims.RunID != runID {
		return OverrideStatus{Denied: "override token bound to another run"}
	}
	return OverrideStatus{Active: true, Reason: claims.Reason}
}
