// Package errs defines the typed error kinds surfaced to callers and
// persisted in workflow state across the fleet control plane. It is
// deliberately built on the standard library only: errors.Is/As cover
// wrapping and classification without a third-party errors package. Not
// every error in this codebase is an *Error (statestore.ErrNotFound, for
// one, is a plain sentinel); KindOf reports Internal for any error with
// no *Error in its chain.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for propagation-policy decisions: transport
// errors retry locally with backoff, domain failures are handled by the
// workflow state machine, and Internal fails fast.
type Kind string

const (
	// TransportUnavailable means the broker, state store, or RPC channel
	// could not be reached. Callers retry with backoff; it never mutates
	// durable state.
	TransportUnavailable Kind = "transport_unavailable"

	// NotRegistered means the agentId is unknown to the registry. Treated
	// as transient during a grace period after startup, fatal thereafter
	// for that target.
	NotRegistered Kind = "not_registered"

	// Rejected means an agent refused a command outright (unknown
	// service, checksum mismatch). Counted as a per-server terminal
	// failure against the step's failure threshold.
	Rejected Kind = "rejected"

	// Timeout means a wait for status exceeded its deadline. Terminal
	// failure for the affected servers.
	Timeout Kind = "timeout"

	// ValidationFailed means a strategy configuration was invalid. Fails
	// the workflow at Planning with no side effects.
	ValidationFailed Kind = "validation_failed"

	// GateFailed means a health gate fell below its required ratio.
	// Triggers rollback per phase policy.
	GateFailed Kind = "gate_failed"

	// Canceled means a user-initiated cancellation. Terminal.
	Canceled Kind = "canceled"

	// Internal means a programming error. Surface and fail fast; do not
	// retry without operator intervention.
	Internal Kind = "internal"
)

// Error is the typed error value propagated through the control plane.
// It never carries a stack trace: the message is meant to be
// human-readable and safe to surface to a CLI or status endpoint.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error of the given kind, looking through
// any wrapping via errors.As.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err is
// not an *Error (e.g. it escaped from a library call unwrapped).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Retryable reports whether the propagation policy calls for a local
// bounded-backoff retry rather than surfacing to the state machine.
func Retryable(err error) bool {
	return KindOf(err) == TransportUnavailable
}
