package contracts

// ErrorKind names a rejection or failure reported to callers.
type ErrorKind string

// Canonicalization.
const (
	KindInvalidType             ErrorKind = "InvalidType"
	KindNonFiniteNumber         ErrorKind = "NonFiniteNumber"
	KindInvalidEncoding         ErrorKind = "InvalidEncoding"
	KindCanonicalizationFailure ErrorKind = "CanonicalizationFailure"
)

// Membrane.
const (
	KindInvalidVersion        ErrorKind = "InvalidVersion"
	KindInvalidSignature      ErrorKind = "InvalidSignature"
	KindInvalidTarget         ErrorKind = "InvalidTarget"
	KindRealityDrift          ErrorKind = "RealityDrift"
	KindSequenceMismatch      ErrorKind = "SequenceMismatch"
	KindPhysicsViolation      ErrorKind = "PhysicsViolation"
	KindPactViolation         ErrorKind = "PactViolation"
	KindUnauthorizedEvolution ErrorKind = "UnauthorizedEvolution"
)

// Pact.
const (
	KindUnknownPact            ErrorKind = "UnknownPact"
	KindPactExpired            ErrorKind = "PactExpired"
	KindInsufficientSignatures ErrorKind = "InsufficientSignatures"
	KindUnauthorizedSigner     ErrorKind = "UnauthorizedSigner"
	KindRiskMismatch           ErrorKind = "RiskMismatch"
	KindDuplicateSigner        ErrorKind = "DuplicateSigner"
)

// Ledger storage.
const (
	KindBrokenChain       ErrorKind = "BrokenChain"
	KindSequenceViolation ErrorKind = "SequenceViolation"
	KindInvalidHash       ErrorKind = "InvalidHash"
	KindAppendOutOfOrder  ErrorKind = "AppendOutOfOrder"
	KindContainerHalted   ErrorKind = "ContainerHalted"
)

// Orchestration and transport.
const (
	KindPolicyDenied   ErrorKind = "PolicyDenied"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindNotFound       ErrorKind = "NotFound"
	KindRateLimited    ErrorKind = "RateLimited"
	KindInternal       ErrorKind = "Internal"
)

// Retryable reports whether a caller may resubmit after refreshing head state.
func (k ErrorKind) Retryable() bool { return k == KindRealityDrift }

// ErrorBody is the error object returned to callers.
type ErrorBody struct {
	ErrorKind ErrorKind      `json:"error_kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorBody) Error() string { return string(e.ErrorKind) + ": " + e.Message }
