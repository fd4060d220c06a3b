package parsers

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the structural summary of a JSON payload.
type Payload struct {
	Valid        bool     `json:"valid"`
	Paths        []string `json:"paths"`
	StringValues []string `json:"string_values"`
}

// ParsePayload decodes a JSON document and enumerates its field paths
// (dot/bracket notation, deterministically sorted) and every string leaf
// value in path order.
func ParsePayload(input []byte) Payload {
	out := Payload{Paths: []string{}, StringValues: []string{}}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return out
	}
	out.Valid = true
	walkPayload("$", v, &out)
	sortPayload(&out)
	return out
}

// ParsePayloadValue walks an already-decoded JSON-like value.
func ParsePayloadValue(v any) Payload {
	out := Payload{Valid: true, Paths: []string{}, StringValues: []string{}}
	walkPayload("$", v, &out)
	sortPayload(&out)
	return out
}

func walkPayload(prefix string, v any, out *Payload) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkPayload(prefix+"."+k, t[k], out)
		}
	case []any:
		for i, elem := range t {
			walkPayload(fmt.Sprintf("%s[%d]", prefix, i), elem, out)
		}
	case string:
		out.Paths = append(out.Paths, prefix)
		out.StringValues = append(out.StringValues, t)
	default:
		out.Paths = append(out.Paths, prefix)
	}
}

func sortPayload(out *Payload) {
	sort.Strings(out.Paths)
	sort.Strings(out.StringValues)
}
