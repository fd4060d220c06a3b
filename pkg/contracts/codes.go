package contracts

// Closed error-code taxonomy. Wire-level stable: codes are never renamed
// or removed. Unknown upstream codes collapse to CodeUnknown.
const (
	// Security
	CodePolicyDenied          = "POLICY_DENIED"
	CodeSandboxViolation      = "SANDBOX_VIOLATION"
	CodePathTraversal         = "PATH_TRAVERSAL"
	CodePathInvalid           = "PATH_INVALID"
	CodeAbsolutePath          = "ABSOLUTE_PATH"
	CodeSymlinkEscape         = "SYMLINK_ESCAPE"
	CodeSSRFBlocked           = "SSRF_BLOCKED"
	CodePrivateNetworkBlocked = "PRIVATE_NETWORK_BLOCKED"
	CodeSemanticViolation     = "SEMANTIC_VIOLATION"
	CodeSideEffectBoundary    = "SIDE_EFFECT_BOUNDARY_CROSSED"

	// Resource
	CodeResourceLimitTimeout     = "RESOURCE_LIMIT_TIMEOUT"
	CodeResourceLimitOutput      = "RESOURCE_LIMIT_OUTPUT"
	CodeResourceLimitEvents      = "RESOURCE_LIMIT_EVENTS"
	CodeResourceLimitFile        = "RESOURCE_LIMIT_FILE"
	CodeResourceLimitConcurrency = "RESOURCE_LIMIT_CONCURRENCY"

	// Cost
	CodeEconomicBudgetExceeded       = "ECONOMIC_BUDGET_EXCEEDED"
	CodeEconomicTokenLimit           = "ECONOMIC_TOKEN_LIMIT"
	CodeEconomicBurnRateExceeded     = "ECONOMIC_BURN_RATE_EXCEEDED"
	CodeEconomicAPICallLimit         = "ECONOMIC_API_CALL_LIMIT"
	CodeEconomicCostEstimationFailed = "ECONOMIC_COST_ESTIMATION_FAILED"

	// DLP / taint
	CodeDataLeakPrevented    = "DATA_LEAK_PREVENTED"
	CodeDataTainted          = "DATA_TAINTED"
	CodeSanitizationRequired = "SANITIZATION_REQUIRED"

	// Drift
	CodeContractDrift = "CONTRACT_DRIFT"

	// Generic
	CodeUnknown            = "UNKNOWN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
)

var knownCodes = map[string]struct{}{
	CodePolicyDenied: {}, CodeSandboxViolation: {}, CodePathTraversal: {},
	CodePathInvalid: {}, CodeAbsolutePath: {}, CodeSymlinkEscape: {},
	CodeSSRFBlocked: {}, CodePrivateNetworkBlocked: {}, CodeSemanticViolation: {},
	CodeSideEffectBoundary:   {},
	CodeResourceLimitTimeout: {}, CodeResourceLimitOutput: {},
	CodeResourceLimitEvents: {}, CodeResourceLimitFile: {},
	CodeResourceLimitConcurrency: {},
	CodeEconomicBudgetExceeded:   {}, CodeEconomicTokenLimit: {},
	CodeEconomicBurnRateExceeded: {}, CodeEconomicAPICallLimit: {},
	CodeEconomicCostEstimationFailed: {},
	CodeDataLeakPrevented:            {}, CodeDataTainted: {}, CodeSanitizationRequired: {},
	CodeContractDrift: {},
	CodeUnknown: {}, CodeInternalError: {}, CodeInvalidArgument: {},
	CodePreconditionFailed: {}, CodeNotImplemented: {}, CodeTimeout: {},
	CodeCancelled: {},
}

var securityCodes = map[string]struct{}{
	CodePolicyDenied: {}, CodeSandboxViolation: {}, CodePathTraversal: {},
	CodePathInvalid: {}, CodeAbsolutePath: {}, CodeSymlinkEscape: {},
	CodeSSRFBlocked: {}, CodePrivateNetworkBlocked: {}, CodeSemanticViolation: {},
}

// NormalizeCode collapses unknown upstream codes to UNKNOWN. Security
// codes always pass through unchanged.
func NormalizeCode(code string) string {
	if _, ok := securityCodes[code]; ok {
		return code
	}
	if _, ok := knownCodes[code]; ok {
		return code
	}
	return CodeUnknown
}

// IsSecurityCode reports whether code belongs to the security taxonomy.
func IsSecurityCode(code string) bool {
	_, ok := securityCodes[code]
	return ok
}
