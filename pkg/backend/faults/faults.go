// Package faults provides structured failure classification and the static
// retry-vs-degrade policy table for backend invocations.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the fixed taxonomy of backend failure categories.
type Kind int8

const (
	// KindBackendUnavailable represents a primary backend that is not installed or reachable.
	KindBackendUnavailable Kind = iota
	// KindCredentialsAbsent represents missing or rejected credentials (401/403, no API key).
	KindCredentialsAbsent
	// KindNetworkFailure represents transient network errors (connection reset, EOF, DNS).
	KindNetworkFailure
	// KindTimeout represents a call that exceeded its deadline.
	KindTimeout
	// KindBackendCrash represents an unhandled failure inside the primary backend (5xx).
	KindBackendCrash
	// KindContextConversionFailure represents artifacts that could not be serialized for
	// the secondary backend. The degrade proceeds with a text-only conversion instead.
	KindContextConversionFailure
	// KindRateLimited represents rate limiting (429, quota exceeded).
	KindRateLimited
	// KindValidationFailure represents malformed task input. Surfaced to the caller
	// without retry or degrade since it indicates a caller bug.
	KindValidationFailure
	// KindBothFailed represents a primary failure followed by a secondary failure.
	// This is the only kind that propagates out of the invocation controller.
	KindBothFailed
)

// String returns the string representation of the failure kind.
func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindCredentialsAbsent:
		return "credentials_absent"
	case KindNetworkFailure:
		return "network_failure"
	case KindTimeout:
		return "timeout"
	case KindBackendCrash:
		return "backend_crash"
	case KindContextConversionFailure:
		return "context_conversion_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindValidationFailure:
		return "validation_failure"
	case KindBothFailed:
		return "both_failed"
	default:
		return "invalid"
	}
}

// Default retry budgets per kind - eventually overridable via config.
const (
	DefaultTimeoutRetries   = 3
	DefaultNetworkRetries   = 3
	DefaultCrashRetries     = 2
	DefaultRateLimitRetries = 4
)

// Policy defines the retry/degrade behavior for one failure kind.
type Policy struct {
	MaxRetries    int           // Maximum number of retry attempts against the primary
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
	Degrade       bool          // Fall back to the secondary backend after retries
}

// DefaultPolicies is the static decision table consulted by the invocation
// controller. Static misconfiguration kinds degrade immediately (retrying
// cannot help), transient kinds retry with backoff first.
//
//nolint:gochecknoglobals // Policy table - acceptable for package defaults
var DefaultPolicies = map[Kind]Policy{
	KindBackendUnavailable: {
		MaxRetries: 0,
		Degrade:    true,
	},
	KindCredentialsAbsent: {
		MaxRetries: 0,
		Degrade:    true,
	},
	KindNetworkFailure: {
		MaxRetries:    DefaultNetworkRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Degrade:       true,
	},
	KindTimeout: {
		MaxRetries:    DefaultTimeoutRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Degrade:       true,
	},
	KindBackendCrash: {
		MaxRetries:    DefaultCrashRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Degrade:       true,
	},
	KindRateLimited: {
		MaxRetries:    DefaultRateLimitRetries,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Degrade:       true,
	},
	KindContextConversionFailure: {
		MaxRetries: 0,
		Degrade:    true, // Degrades the conversion, never the invocation
	},
	KindValidationFailure: {
		MaxRetries: 0,
		Degrade:    false, // Caller bug, surfaced immediately
	},
	KindBothFailed: {
		MaxRetries: 0,
		Degrade:    false, // Terminal
	},
}

// Error represents a classified backend failure.
type Error struct {
	Err     error  // Wrapped underlying error
	Message string // Human-readable error message
	Kind    Kind   // Classified failure kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend failure (%s): %s", e.Kind.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("backend failure (%s): %v", e.Kind.String(), e.Err)
	}
	return fmt.Sprintf("backend failure (%s)", e.Kind.String())
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Policy returns the decision-table entry for this failure kind.
func (e *Error) Policy() Policy {
	if p, ok := DefaultPolicies[e.Kind]; ok {
		return p
	}
	return DefaultPolicies[KindBackendCrash]
}

// Is checks whether err is a classified failure of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the failure kind of err, or KindBackendCrash when err carries
// no classification (an unhandled failure inside the primary is exactly that).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindBackendCrash
}

// New creates a new classified failure.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new classified failure with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new classified failure wrapping another error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// BothFailed builds the terminal failure carrying both the primary and
// secondary errors for diagnosis.
func BothFailed(primaryErr, secondaryErr error) *Error {
	return &Error{
		Kind:    KindBothFailed,
		Err:     secondaryErr,
		Message: fmt.Sprintf("primary failed (%v); secondary failed (%v)", primaryErr, secondaryErr),
	}
}
