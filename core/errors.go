package core

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy used across the core (spec §7). It is a
// classification, not a concrete error type — every FrameworkError
// carries one.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindUnauthorized     Kind = "Unauthorized"
	KindForbidden        Kind = "Forbidden"
	KindInvalidInput     Kind = "InvalidInput"
	KindStaleVersion     Kind = "StaleVersion"
	KindPolicyViolation  Kind = "PolicyViolation"
	KindTimeout          Kind = "Timeout"
	KindNetwork          Kind = "Network"
	KindPluginFailure    Kind = "PluginFailure"
	KindPlannerError     Kind = "PlannerError"
	KindCheckpointExpired Kind = "CheckpointExpired"
	KindCancelled        Kind = "Cancelled"
	KindInternal         Kind = "Internal"
)

// FrameworkError carries structured context around a wrapped error.
type FrameworkError struct {
	Op      string // operation that failed, e.g. "store.UpdateTask"
	Kind    Kind
	ID      string // entity id involved, when known
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewError builds a FrameworkError with the given operation/kind, wrapping err.
func NewError(op string, kind Kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}

// NewErrorf builds a FrameworkError from a formatted message, no wrapped err.
func NewErrorf(op string, kind Kind, format string, args ...interface{}) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *FrameworkError; otherwise returns KindInternal.
func KindOf(err error) Kind {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err's classified kind equals k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Sentinel errors for comparison with errors.Is.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrStepNotFound        = errors.New("step not found")
	ErrStaleVersion        = errors.New("stale version")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointDecided   = errors.New("checkpoint already decided")
	ErrCheckpointPending   = errors.New("checkpoint already pending")
	ErrUnknownPlugin       = errors.New("unknown plugin")
	ErrInvalidInputs       = errors.New("invalid plugin inputs")
	ErrPolicyViolation     = errors.New("policy violation")
	ErrLeaseLost           = errors.New("task lease lost")
	ErrTaskNotCancellable  = errors.New("task not cancellable")
)

// IsRetryable classifies an error kind as worth re-attempting (spec §4.7,
// §7). The scheduler is the only caller that needs this predicate.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork:
		return true
	case KindPluginFailure:
		// transient plugin failures (5xx-style) are retryable; the
		// plugin executor is expected to have already classified a
		// definitively non-transient failure as PolicyViolation or
		// InvalidInput instead of PluginFailure.
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound) || errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrStepNotFound) || errors.Is(err, ErrCheckpointNotFound)
}
