package llm

import "errors"

// Kind categorizes an Error. The four kinds drive retry and fallback
// policy: Unavailable triggers fallback without retry, ExecutionFailed is
// retried then falls back, QuotaExceeded and PermissionDenied are hard
// stops that are never masked by fallback.
type Kind string

const (
	KindUnavailable      Kind = "unavailable"
	KindExecutionFailed  Kind = "execution_failed"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindPermissionDenied Kind = "permission_denied"
)

// Error is a provider-neutral error with a policy-relevant kind.
type Error struct {
	Kind       Kind
	Provider   Provider
	Message    string
	StatusCode int
	Err        error // original provider-specific error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewUnavailable reports a provider that is unreachable or unconfigured.
func NewUnavailable(provider Provider, message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Provider: provider, Message: message, Err: err}
}

// NewExecutionFailed reports a transport or parse failure mid-request.
func NewExecutionFailed(provider Provider, message string, err error) *Error {
	return &Error{Kind: KindExecutionFailed, Provider: provider, Message: message, Err: err}
}

// NewQuotaExceeded reports a policy rejection by the usage tracker.
func NewQuotaExceeded(message string) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: message}
}

// NewPermissionDenied reports a tool execution blocked by policy or user.
func NewPermissionDenied(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

// AsError extracts an *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isKind(err error, kind Kind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}

// IsUnavailable checks whether err marks the provider unusable.
func IsUnavailable(err error) bool { return isKind(err, KindUnavailable) }

// IsExecutionFailed checks whether err is a retryable execution failure.
func IsExecutionFailed(err error) bool { return isKind(err, KindExecutionFailed) }

// IsQuotaExceeded checks whether err is a quota rejection.
func IsQuotaExceeded(err error) bool { return isKind(err, KindQuotaExceeded) }

// IsPermissionDenied checks whether err is a permission rejection.
func IsPermissionDenied(err error) bool { return isKind(err, KindPermissionDenied) }

// IsHardStop reports whether err must escalate immediately instead of
// triggering retry or fallback.
func IsHardStop(err error) bool {
	return IsQuotaExceeded(err) || IsPermissionDenied(err)
}
