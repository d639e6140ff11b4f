// Package kernelerr defines the stable error kinds surfaced at the kernel's
// API boundary, per the error-kind table in the orchestration spec.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error code. Callers should switch on Kind via As/Is
// rather than matching error strings.
type Kind string

const (
	KindRegistrationRejected Kind = "registration_rejected"
	KindNotAuthorized        Kind = "not_authorized"
	KindInvalidTransition    Kind = "invalid_transition"
	KindWIPExceeded          Kind = "wip_exceeded"
	KindPhaseGateRejected    Kind = "phase_gate_rejected"
	KindDependencyCycle      Kind = "dependency_cycle"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindTimeout              Kind = "timeout"
	KindStoreUnavailable     Kind = "store_unavailable"
	KindBusUnavailable       Kind = "bus_unavailable"
	KindValidationTimeout    Kind = "validation_timeout"
	KindApprovalTimeout      Kind = "approval_timeout"
	KindRegistrationTimeout  Kind = "registration_timeout"
	KindFileTooLarge         Kind = "file_too_large"
	KindPathTraversal        Kind = "path_traversal"
	KindCascadedState        Kind = "cascaded_state"
)

// retryable classifies which kinds are retryable without additional
// authorization or caller action, per the kernel's error-kind table.
var retryable = map[Kind]bool{
	KindWIPExceeded:      true,
	KindNotFound:         true,
	KindConflict:         true,
	KindStoreUnavailable: true,
	KindBusUnavailable:   true,
}

// Error is a typed kernel error carrying a stable Kind plus context.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	retry *bool // set by WithRetry; overrides the per-kind classification
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error kind is retryable per the kernel's error-kind table.
// Timeout errors are classified by context at the call site via WithRetry.
func (e *Error) Retryable() bool {
	if e.retry != nil {
		return *e.retry
	}
	return retryable[e.Kind]
}

// New builds a new kernel error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a new kernel error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRetry returns a copy of e marked retryable or terminal, used for the
// context-dependent `timeout` kind (transient vs. deadline).
func WithRetry(e *Error, retry bool) *Error {
	cp := *e
	cp.retry = &retry
	if retry {
		cp.Message = cp.Message + " (retryable)"
	}
	return &cp
}

// Is reports whether err is a kernel Error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
