package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: storage connectivity, cache unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the request conflicts with the current state.
	// Examples: illegal status transition, edit of an approved protocol.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown unit, programming defects.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies what went wrong, independent of how it is transported.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindImmutableProtocol ErrorKind = "immutable_protocol"
	KindAlreadyExists     ErrorKind = "already_exists"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindDatabaseFailure   ErrorKind = "database"
	KindCacheUnavailable  ErrorKind = "connection"
	KindUnhandled         ErrorKind = "unhandled"

	// Raised by the authentication and authorization collaborators.
	KindUnauthenticated ErrorKind = "auth"
	KindForbidden       ErrorKind = "forbidden"
	KindTimeout         ErrorKind = "timeout"
)

// Category is the stable, caller-facing grouping of error kinds.
type Category string

const (
	CategoryNotFound  Category = "not_found"
	CategoryConflict  Category = "conflict"
	CategoryInvalid   Category = "invalid"
	CategoryTransient Category = "transient"
	CategoryFatal     Category = "fatal"
	CategoryForbidden Category = "forbidden"
	CategoryAuth      Category = "unauthenticated"
)

// Class returns the retry classification of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindDatabaseFailure, KindCacheUnavailable, KindTimeout:
		return ErrorClassTransient
	case KindInvalidTransition, KindImmutableProtocol, KindAlreadyExists:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// Category returns the caller-facing category of the kind.
func (k ErrorKind) Category() Category {
	switch k {
	case KindNotFound:
		return CategoryNotFound
	case KindInvalidTransition, KindImmutableProtocol, KindAlreadyExists:
		return CategoryConflict
	case KindInvalidInput:
		return CategoryInvalid
	case KindDatabaseFailure, KindCacheUnavailable, KindTimeout:
		return CategoryTransient
	case KindForbidden:
		return CategoryForbidden
	case KindUnauthenticated:
		return CategoryAuth
	default:
		return CategoryFatal
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind identifies the failure.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the unit, stage or protocol ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError of the same kind.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Category returns the caller-facing category.
func (e *EngineError) Category() Category {
	return e.Kind.Category()
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &EngineError{Kind: KindNotFound, Class: ErrorClassPermanent}
	ErrInvalidTransition = &EngineError{Kind: KindInvalidTransition, Class: ErrorClassConflict}
	ErrImmutableProtocol = &EngineError{Kind: KindImmutableProtocol, Class: ErrorClassConflict}
	ErrAlreadyExists     = &EngineError{Kind: KindAlreadyExists, Class: ErrorClassConflict}
	ErrInvalidInput      = &EngineError{Kind: KindInvalidInput, Class: ErrorClassPermanent}
	ErrDatabaseFailure   = &EngineError{Kind: KindDatabaseFailure, Class: ErrorClassTransient}
	ErrCacheUnavailable  = &EngineError{Kind: KindCacheUnavailable, Class: ErrorClassTransient}
	ErrUnhandled         = &EngineError{Kind: KindUnhandled, Class: ErrorClassPermanent}
	ErrForbidden         = &EngineError{Kind: KindForbidden, Class: ErrorClassPermanent}
	ErrUnauthenticated   = &EngineError{Kind: KindUnauthenticated, Class: ErrorClassPermanent}
)

func newError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Class:   kind.Class(),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string) *EngineError {
	return newError(KindNotFound, message, nil)
}

// NewInvalidTransitionError creates a new invalid-transition error.
func NewInvalidTransitionError(message string) *EngineError {
	return newError(KindInvalidTransition, message, nil)
}

// NewImmutableProtocolError creates a new immutable-protocol error.
func NewImmutableProtocolError(message string) *EngineError {
	return newError(KindImmutableProtocol, message, nil)
}

// NewAlreadyExistsError reports a create that collides with an existing record.
func NewAlreadyExistsError(message string) *EngineError {
	return newError(KindAlreadyExists, message, nil)
}

// NewInvalidInputError reports a request the engine can never accept as given.
func NewInvalidInputError(message string, err error) *EngineError {
	return newError(KindInvalidInput, message, err)
}

// NewDatabaseError wraps a storage fault.
func NewDatabaseError(message string, err error) *EngineError {
	return newError(KindDatabaseFailure, message, err)
}

// NewCacheUnavailableError wraps a cache connectivity fault.
func NewCacheUnavailableError(message string, err error) *EngineError {
	return newError(KindCacheUnavailable, message, err)
}

// NewUnhandledError wraps a defect that has no better classification.
func NewUnhandledError(message string, err error) *EngineError {
	return newError(KindUnhandled, message, err)
}

// NewForbiddenError creates a new forbidden error.
func NewForbiddenError(message string) *EngineError {
	return newError(KindForbidden, message, nil)
}

// NewUnauthenticatedError creates a new unauthenticated error.
func NewUnauthenticatedError(message string, err error) *EngineError {
	return newError(KindUnauthenticated, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err. Errors that are not EngineErrors are unhandled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnhandled
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the caller may retry the operation.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// storageError passes engine errors from the storage collaborator through
// unchanged and wraps everything else as a database failure.
func storageError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	return NewDatabaseError("storage operation failed", err).WithOperation(operation)
}

// runInTx runs fn in a storage transaction. Faults raised while beginning
// or committing the transaction surface as DatabaseFailure.
func runInTx(ctx context.Context, store Storage, fn func(tx Storage) error) error {
	return storageError("in_tx", store.InTx(ctx, fn))
}
