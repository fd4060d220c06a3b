package registry

// builtinPatterns is the shipped DLP pattern set. Signatures are filled
// in at load time; builtin entries are trusted by construction.
func builtinPatterns() []SensitivePattern {
	return []SensitivePattern{
		{
			Name:     "aws_access_key",
			Category: "api_key",
			Pattern:  `\bAKIA[0-9A-Z]{16}\b`,
			Severity: 9,
		},
		{
			Name:     "generic_api_key",
			Category: "api_key",
			Pattern:  `\bsk-[A-Za-z0-9_-]{12,}\b`,
			Severity: 9,
		},
		{
			Name:     "private_key_block",
			Category: "private_key",
			Pattern:  `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`,
			Severity: 10,
		},
		{
			Name:     "bearer_token",
			Category: "token",
			Pattern:  `\bBearer\s+[A-Za-z0-9._~+/-]{16,}=*`,
			Severity: 8,
		},
		{
			Name:     "password_in_url",
			Category: "password",
			Pattern:  `[a-z][a-z0-9+.-]*://[^/\s:@]+:[^@/\s]+@`,
			Severity: 8,
		},
		{
			Name:     "email_address",
			Category: "email",
			Pattern:  `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			Severity: 5,
		},
		{
			Name:     "credit_card",
			Category: "credit_card",
			Pattern:  `\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`,
			Severity: 8,
		},
		{
			Name:     "us_ssn",
			Category: "ssn",
			Pattern:  `\b\d{3}-\d{2}-\d{4}\b`,
			Severity: 8,
		},
	}
}

// builtinRules is the shipped semantic rule set. SEC-003 deliberately
// overlaps with the security validators' path handling; the engine's
// domain dedup keeps the security decision and suppresses this one.
func builtinRules() []SemanticRule {
	return []SemanticRule{
		{ID: "SEC-001", Category: RuleSecretLeakage, Severity: 9, Detector: "secret_in_params"},
		{ID: "SEC-002", Category: RuleParamPollution, Severity: 6, Detector: "duplicate_params"},
		{ID: "SEC-003", Category: RulePathTraversal, Severity: 8, Detector: "path_traversal"},
		{ID: "SEC-004", Category: RuleDangerousCombo, Severity: 10, Detector: "destructive_command"},
		{ID: "SEC-005", Category: RuleInjection, Severity: 8, Detector: "injection_structure"},
	}
}
