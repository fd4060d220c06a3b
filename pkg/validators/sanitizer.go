package validators

import (
	"fmt"
	"strings"
)

// Redaction modes for the structured sanitiser.
const (
	RedactFull    = "full"    // irreversible flat marker
	RedactPartial = "partial" // category-aware masking
	RedactSummary = "summary" // marker carrying (class, hash, last4)
)

// SanitizeSpec describes one sanitisation request. Paths selects which
// string leaves to redact; empty means every string leaf.
type SanitizeSpec struct {
	Mode              string   `json:"mode"`
	Paths             []string `json:"paths,omitempty"`
	PreserveUsability bool     `json:"preserve_usability"`
	PreserveDomain    bool     `json:"preserve_domain"`
	PreserveLast4     bool     `json:"preserve_last4"`
}

const redactedMarker = "[REDACTED"

// Sanitize returns a deep copy of params with the selected string leaves
// masked, plus the list of paths actually changed. It is a pure function
// and idempotent: sanitising already-sanitised params is a no-op.
func Sanitize(params map[string]any, spec SanitizeSpec) (map[string]any, []string) {
	if spec.Mode == "" {
		spec.Mode = RedactPartial
	}
	selected := map[string]bool{}
	for _, p := range spec.Paths {
		selected[p] = true
	}
	var changed []string
	out := sanitizeMap("", params, spec, selected, &changed).(map[string]any)
	return out, changed
}

func sanitizeMap(prefix string, v any, spec SanitizeSpec, selected map[string]bool, changed *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			cp[k] = sanitizeMap(p, val, spec, selected, changed)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = sanitizeMap(fmt.Sprintf("%s[%d]", prefix, i), val, spec, selected, changed)
		}
		return cp
	case string:
		if len(selected) > 0 && !selected[prefix] {
			return t
		}
		masked := Mask(t, spec)
		if masked != t {
			*changed = append(*changed, prefix)
		}
		return masked
	default:
		return t
	}
}

// Mask redacts a single value according to the spec's mode. Already
// masked values pass through unchanged.
func Mask(value string, spec SanitizeSpec) string {
	if value == "" || strings.HasPrefix(value, redactedMarker) || strings.Contains(value, "****") {
		return value
	}
	switch spec.Mode {
	case RedactFull:
		return redactedMarker + "]"
	case RedactSummary:
		hash, last4 := Summarize(value)
		return fmt.Sprintf("%s:%s:%s:%s]", redactedMarker, classify(value), hash, last4)
	default:
		return maskPartial(value, spec)
	}
}

// classify buckets a value by shape for summary markers and partial
// masking. Deliberately coarse; the registry owns real classification.
func classify(value string) string {
	switch {
	case strings.Count(value, "@") == 1 && strings.Contains(value, "."):
		return "email"
	case isCardNumber(value):
		return "card"
	case strings.HasPrefix(value, "sk-") || strings.HasPrefix(value, "AKIA") ||
		strings.HasPrefix(value, "ghp_") || strings.Contains(value, "PRIVATE KEY"):
		return "key"
	default:
		return "text"
	}
}

func maskPartial(value string, spec SanitizeSpec) string {
	switch classify(value) {
	case "email":
		at := strings.IndexByte(value, '@')
		if spec.PreserveDomain || spec.PreserveUsability {
			return "****" + value[at:]
		}
		return redactedMarker + ":email]"
	case "card":
		if spec.PreserveLast4 || spec.PreserveUsability {
			digits := digitsOf(value)
			return "****" + digits[len(digits)-4:]
		}
		return redactedMarker + ":card]"
	case "key":
		if len(value) > 8 && (spec.PreserveUsability) {
			return value[:3] + "****" + value[len(value)-2:]
		}
		return redactedMarker + ":key]"
	default:
		if spec.PreserveLast4 && len(value) > 8 {
			return "****" + value[len(value)-4:]
		}
		return redactedMarker + "]"
	}
}

func isCardNumber(value string) bool {
	digits := digitsOf(value)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	// Tolerate separators but nothing else.
	for _, r := range value {
		if (r < '0' || r > '9') && r != ' ' && r != '-' {
			return false
		}
	}
	return true
}

func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
