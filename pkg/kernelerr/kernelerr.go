// Package kernelerr defines the stable, machine-dispatchable error kinds
// shared across the trust-and-execution core (C1).
package kernelerr

// Kind is a stable identifier for a class of failure. Callers branch on
// Kind rather than parsing free-text messages, which stay internal to
// audit entries.
type Kind string

const (
	InvalidRequest     Kind = "invalid_request"
	InitializationErr  Kind = "initialization_error"
	HandlerNotFound    Kind = "handler_not_found"
	TrustDenied        Kind = "trust_denied"
	GrantDenied        Kind = "grant_denied"
	RateLimited        Kind = "rate_limited"
	ApprovalDenied     Kind = "approval_denied"
	ModeNotAllowed     Kind = "mode_not_allowed"
	ModeNotImplemented Kind = "mode_not_implemented"
	UnknownKind        Kind = "unknown_kind"
	MissingEntrypoint  Kind = "missing_entrypoint"
	PathTraversal      Kind = "path_traversal"
	TOCTOUMismatch     Kind = "toctou_mismatch"
	SecurityViolation  Kind = "security_violation"
	Timeout            Kind = "timeout"
	ResponseTooLarge   Kind = "response_too_large"
	HandlerError       Kind = "handler_error"
	InternalError      Kind = "internal_error"
	Conflict           Kind = "conflict"
	PayloadTooLarge    Kind = "payload_too_large"
	StoreNotFound      Kind = "store_not_found"
	StoreAlreadyExists Kind = "store_already_exists"
	ZipSlipDetected    Kind = "zip_slip_detected"
	FileTooLarge       Kind = "file_too_large"

	// Supplemental kinds beyond spec.md's core enumeration, carried over
	// from the original implementation's unit-resolution error paths
	// (unit_executor.py): these are narrower diagnostic refinements, not
	// replacements, for the spec's core kinds.
	UnitNotFound    Kind = "unit_not_found"
	ResolutionError Kind = "resolution_error"
	ExecutionError  Kind = "execution_error"
)

// Error is the typed error carried through the executor pipelines. It
// pairs a stable Kind with a human Reason that is safe to log to audit
// but is never required to reach the HTTP wire verbatim — C11 collapses
// sensitive denials to "Permission denied" and surfaces only Kind.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

// New constructs a kernel error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf extracts the Kind from err, defaulting to InternalError for
// errors that did not originate from this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ke, ok := err.(*Error); ok {
		return ke.Kind
	}
	return InternalError
}
