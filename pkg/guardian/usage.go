package guardian

// ExtractUsage pulls token usage out of common tool output shapes:
//
//	{"usage": {"prompt_tokens": n, "completion_tokens": n, "total_tokens": n}}
//	{"usage": {"input_tokens": n, "output_tokens": n}}
//
// plus the same keys at the top level. Returns false when no usage
// information is recognisable.
func ExtractUsage(output any) (CostUsage, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return CostUsage{}, false
	}
	if nested, ok := m["usage"].(map[string]any); ok {
		m = nested
	}

	var u CostUsage
	found := false
	if n, ok := intField(m, "prompt_tokens", "input_tokens"); ok {
		u.InputTokens = n
		found = true
	}
	if n, ok := intField(m, "completion_tokens", "output_tokens"); ok {
		u.OutputTokens = n
		found = true
	}
	if n, ok := intField(m, "total_tokens"); ok {
		u.TotalTokens = n
		found = true
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if model, ok := m["model"].(string); ok {
		u.Model = model
	}
	if cost, ok := floatField(m, "cost_usd", "cost"); ok {
		u.CostUSD = cost
		found = true
	}
	return u, found
}

func intField(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		}
	}
	return 0, false
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}
