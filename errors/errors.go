// Package errors provides custom error types for the marketplace sync core
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeMarketplace       ErrorCode = "MARKETPLACE_FAILURE"
	ErrCodeCapacity          ErrorCode = "CAPACITY_EXCEEDED"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSubmit          Operation = "submit"
	OpEnqueue         Operation = "enqueue"
	OpExecute         Operation = "execute"
	OpDetect          Operation = "detect"
	OpEvaluate        Operation = "evaluate"
	OpTransform       Operation = "transform"
	OpConflictResolve Operation = "conflict_resolve"
	OpStore           Operation = "store"
	OpLoad            Operation = "load"
	OpSubscribe       Operation = "subscribe"
	OpConfig          Operation = "config"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// Kind classifies an error so callers can decide how to react to it.
type Kind string

const (
	KindOther           Kind = ""
	KindTransient       Kind = "transient"
	KindRateLimited     Kind = "rate_limited"
	KindPermanent       Kind = "permanent"
	KindVersionConflict Kind = "version_conflict"
	KindDataConflict    Kind = "data_conflict"
	KindCapacity        Kind = "capacity"
	KindRuleEvaluation  Kind = "rule_evaluation"
	KindConfig          Kind = "config"
	KindNotFound        Kind = "not_found"
	KindAlreadyResolved Kind = "already_resolved"
	KindUnauthorized    Kind = "unauthorized"
	KindInvalid         Kind = "invalid"
	KindInternal        Kind = "internal"
)

// Sentinel errors matched with errors.Is.
var (
	ErrQueueFull        = errors.New("operation queue is full")
	ErrNoAdapter        = errors.New("no adapter registered for marketplace")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAlreadyResolved  = errors.New("conflict already resolved")
	ErrEngineClosed     = errors.New("sync engine is closed")
	ErrNotFound         = errors.New("not found")
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "executor")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from its arguments. Each argument is interpreted by type:
// Operation, Component, Kind, ErrorCode, error, and string (free-form detail stored
// under the "detail" metadata key). Without an explicit Kind, the wrapped error's
// Kind and retryability are inherited.
func E(args ...interface{}) error {
	e := &SyncError{}
	var details []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case string:
			details = append(details, a)
		}
	}
	if e.Err == nil {
		e.Err = errors.New(strings.Join(details, ": "))
	} else if len(details) > 0 {
		e.Metadata = map[string]interface{}{"detail": strings.Join(details, ": ")}
	}
	if e.Kind == KindOther {
		e.Kind = KindOf(e.Err)
	}
	switch e.Kind {
	case KindOther:
		e.Retryable = IsRetryable(e.Err)
	default:
		e.Retryable = e.Kind == KindTransient || e.Kind == KindRateLimited || e.Kind == KindCapacity
	}
	return e
}

// Op converts a string into an Operation for use with E.
func Op(s string) Operation { return Operation(s) }

// Component names the component an error originated from when passed to E.
type Component string

// NewStorageError wraps a database failure from a store. Callers may retry.
func NewStorageError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: component,
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError reports a conflict-related refusal such as resolving a
// conflict twice.
func NewConflictError(op Operation, kind Kind, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "resolver",
		Kind:      kind,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError reports input that can never succeed as given.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewTransientError reports a marketplace failure worth retrying: network errors,
// timeouts and 5xx responses.
func NewTransientError(marketplaceID string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMarketplace,
		Op:        OpExecute,
		Component: "adapter",
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
		Metadata:  map[string]interface{}{"marketplace_id": marketplaceID},
	}
}

// NewRateLimitedError reports a marketplace throttling response. It is a wait,
// not a failed attempt; retryAfter is the marketplace's hint and may be zero.
func NewRateLimitedError(marketplaceID string, retryAfter time.Duration, cause error) *SyncError {
	e := &SyncError{
		Code:      ErrCodeMarketplace,
		Op:        OpExecute,
		Component: "adapter",
		Kind:      KindRateLimited,
		Err:       cause,
		Retryable: true,
		Metadata:  map[string]interface{}{"marketplace_id": marketplaceID},
	}
	if retryAfter > 0 {
		e.Metadata["retry_after"] = retryAfter
	}
	return e
}

// RetryAfter returns the wait a rate-limited error asks for, or zero.
func RetryAfter(err error) time.Duration {
	var se *SyncError
	for errors.As(err, &se) {
		if d, ok := se.Metadata["retry_after"].(time.Duration); ok {
			return d
		}
		err = se.Err
	}
	return 0
}

// NewPermanentError reports a marketplace rejection that must not be retried,
// typically a 4xx validation failure.
func NewPermanentError(marketplaceID string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMarketplace,
		Op:        OpExecute,
		Component: "adapter",
		Kind:      KindPermanent,
		Err:       cause,
		Retryable: false,
		Metadata:  map[string]interface{}{"marketplace_id": marketplaceID},
	}
}

// NewCapacityError reports a full queue. Callers should back off and resubmit.
func NewCapacityError(size int) *SyncError {
	return &SyncError{
		Code:      ErrCodeCapacity,
		Op:        OpEnqueue,
		Component: "queue",
		Kind:      KindCapacity,
		Err:       ErrQueueFull,
		Retryable: true,
		Metadata:  map[string]interface{}{"max_size": size},
	}
}

// IsRetryable checks if an error is a retryable SyncError. Unclassified errors are
// treated as transient so that adapter failures without a kind are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return true
}

// KindOf returns the Kind of the outermost SyncError in err's chain that carries one.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return KindOther
		}
		if syncErr.Kind != KindOther {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
