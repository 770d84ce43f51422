// Package faults is the error taxonomy shared by the gateway, the credential
// issuer and the task executor. Classification is done with errors.Is, so
// every layer is free to wrap with fmt.Errorf("...: %w", err).
package faults

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure is a rejected signature or a revoked/unknown installation.
	// Fatal for that request or installation, never retried.
	ErrAuthFailure = errors.New("auth failure")

	// ErrTransientAuth is a network-level failure while issuing credentials.
	ErrTransientAuth = errors.New("transient auth error")

	// ErrTransientExecution covers network errors, rate limits and 5xx
	// responses from side-effecting calls.
	ErrTransientExecution = errors.New("transient execution error")

	// ErrPermanentExecution covers malformed payloads and unsupported
	// operations. Dead-lettered, never retried.
	ErrPermanentExecution = errors.New("permanent execution error")

	// ErrSecretUnavailable is startup-fatal.
	ErrSecretUnavailable = errors.New("secret unavailable")
)

// Permanent marks err as a permanent execution error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanentExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentExecution, err)
}

// Permanentf builds a permanent execution error from a format string.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transient marks err as a transient execution error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientExecution, err)
}

// IsRetryable reports whether the executor may retry after err. Unclassified
// errors are retryable; the attempt ceiling bounds them.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthFailure),
		errors.Is(err, ErrPermanentExecution),
		errors.Is(err, ErrSecretUnavailable):
		return false
	default:
		return true
	}
}

// IsTimeout reports whether err came from the per-task execution deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Reason maps err to a short, low-cardinality label for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrTransientAuth):
		return "transient_auth"
	case errors.Is(err, ErrPermanentExecution):
		return "permanent"
	case errors.Is(err, ErrTransientExecution):
		return "transient"
	case errors.Is(err, ErrSecretUnavailable):
		return "secret_unavailable"
	default:
		return "other"
	}
}
