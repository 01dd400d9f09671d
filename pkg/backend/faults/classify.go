package faults

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Classify maps a raw transport error onto the failure taxonomy. Errors that
// already carry a classification pass through unchanged; the rest are matched
// on well-known error values and message patterns.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "deadline exceeded")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, err, "network timeout")
		}
		return Wrap(KindNetworkFailure, err, "network error")
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Wrap(KindBackendUnavailable, err, "connection refused")
	}

	return classifyByMessage(err)
}

// classifyByMessage is the fallback for SDK errors that expose neither typed
// errors nor status codes. Pattern set mirrors what the provider SDKs actually
// emit.
func classifyByMessage(err error) *Error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "unauthorized"):
		return Wrap(KindCredentialsAbsent, err, "credentials rejected or absent")

	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "overloaded"):
		return Wrap(KindRateLimited, err, "rate limited")

	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Wrap(KindTimeout, err, "timed out")

	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "not installed") || strings.Contains(msg, "not reachable"):
		return Wrap(KindBackendUnavailable, err, "backend unreachable")

	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "temporary"):
		return Wrap(KindNetworkFailure, err, "network failure")

	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "malformed"):
		return Wrap(KindValidationFailure, err, "request rejected as invalid")

	default:
		return Wrap(KindBackendCrash, err, "unhandled backend error")
	}
}

// FromStatusCode classifies an HTTP status code from a backend SDK.
func FromStatusCode(code int, err error) *Error {
	switch {
	case code == 401 || code == 403:
		return Wrap(KindCredentialsAbsent, err, "credentials rejected")
	case code == 429:
		return Wrap(KindRateLimited, err, "rate limited")
	case code == 400 || code == 422:
		return Wrap(KindValidationFailure, err, "request rejected as invalid")
	case code == 404 || code == 501 || code == 503:
		return Wrap(KindBackendUnavailable, err, "backend unavailable")
	case code >= 500:
		return Wrap(KindBackendCrash, err, "backend error")
	default:
		return Classify(err)
	}
}
