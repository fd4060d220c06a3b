// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of failcore artifacts: replay
// fingerprints, policy hashes, and scan-cache keys.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys sorted lexicographically by UTF-16 code units.
// 2. ES6 number formatting; NaN/Infinity are rejected at marshal time.
// 3. No HTML escaping.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NormalizeText applies Unicode NFC normalization. Scan payloads are
// normalized before hashing so visually identical strings dedupe to the
// same cache key.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}
