// Package autherr defines the error taxonomy shared by the transport
// adapter, the recovery engine, and the orchestrator, plus the retry
// policy that decides whether a classified failure is worth another
// attempt.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure category. The string values are stable and
// appear in logs, metrics labels, and outcomes surfaced to the UI layer.
type Kind string

const (
	// KindNetworkUnavailable means no usable connection was available
	// before the operation started.
	KindNetworkUnavailable Kind = "NETWORK_UNAVAILABLE"

	// KindOfflineLoginAttempt is the login-specific form of
	// NETWORK_UNAVAILABLE: the gate rejected the call before any HTTP
	// request was built.
	KindOfflineLoginAttempt Kind = "OFFLINE_LOGIN_ATTEMPT"

	// KindNetworkError is a transport-level failure on an in-flight
	// request (timeout, reset, DNS).
	KindNetworkError Kind = "NETWORK_ERROR"

	// KindInvalidCredentials maps HTTP 401 from the login endpoint.
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"

	// KindServerError maps HTTP 5xx responses.
	KindServerError Kind = "SERVER_ERROR"

	// KindDecryptionError means an opaque token could not be decrypted
	// or its claims could not be deserialized. Indicates tampering or
	// missing key material; never retried automatically.
	KindDecryptionError Kind = "DECRYPTION_ERROR"

	// KindDomainNotAllowed means the configured backend host is outside
	// the allow list.
	KindDomainNotAllowed Kind = "DOMAIN_NOT_ALLOWED"

	// KindHTTPSRequired means the configured backend URL is plain HTTP.
	KindHTTPSRequired Kind = "HTTPS_REQUIRED"

	// KindStorageError covers secure-store read/write/delete failures.
	KindStorageError Kind = "STORAGE_ERROR"
)

// Severity orders failure impact. Critical failures always suppress
// automatic retry.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}

	return "unknown"
}

// classification holds the static taxonomy attributes of a Kind.
type classification struct {
	severity       Severity
	retryable      bool
	userAction     bool
	suggestedDelay time.Duration
}

var classifications = map[Kind]classification{
	KindNetworkUnavailable:  {SeverityMedium, true, true, 5 * time.Second},
	KindOfflineLoginAttempt: {SeverityMedium, true, true, 5 * time.Second},
	KindNetworkError:        {SeverityHigh, true, false, 10 * time.Second},
	KindInvalidCredentials:  {SeverityMedium, true, true, 0},
	KindServerError:         {SeverityHigh, true, false, 30 * time.Second},
	KindDecryptionError:     {SeverityCritical, false, true, 0},
	KindDomainNotAllowed:    {SeverityCritical, false, true, 0},
	KindHTTPSRequired:       {SeverityCritical, false, true, 0},
	KindStorageError:        {SeverityMedium, true, false, 2 * time.Second},
}

// Error is a classified failure. It wraps the underlying cause so
// errors.Is / errors.As keep working through the chain.
type Error struct {
	Kind               Kind
	Severity           Severity
	Retryable          bool
	RequiresUserAction bool
	Message            string
	Err                error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// SuggestedDelay returns the default backoff before retrying this kind
// of failure. Zero means the caller should wait for user action instead.
func (e *Error) SuggestedDelay() time.Duration {
	return classifications[e.Kind].suggestedDelay
}

// New creates a classified error with the taxonomy defaults for kind.
func New(kind Kind, message string) *Error {
	return Wrap(kind, message, nil)
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	c, ok := classifications[kind]
	if !ok {
		// Unknown kinds are treated as high-severity and non-retryable
		// so they surface instead of looping.
		c = classification{severity: SeverityHigh}
	}

	return &Error{
		Kind:               kind,
		Severity:           c.severity,
		Retryable:          c.retryable,
		RequiresUserAction: c.userAction,
		Message:            message,
		Err:                err,
	}
}

// KindOf extracts the Kind from an error chain, or "" when the chain
// carries no classified error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}

	return ""
}

// IsKind reports whether the chain carries a classified error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify returns the classified error in the chain, wrapping
// unclassified errors as NETWORK_ERROR, the most conservative retryable
// category for unexpected transport-layer failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	return Wrap(KindNetworkError, "unclassified failure", err)
}
