package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the semantic indexing pipeline.
var (
	ErrEmbeddingUnavailable    = errors.New("embedding provider unavailable")
	ErrEmbeddingRequestFailed  = errors.New("embedding request failed")
	ErrIndexProvisioningFailed = errors.New("vector index provisioning failed")
	ErrIndexWriteFailed        = errors.New("vector index write failed")
	ErrIndexUnavailable        = errors.New("vector index unavailable")
	ErrContentNotIndexed       = errors.New("content not indexed")
)

// Sentinel errors for validation failures.
var (
	ErrInvalidContent = errors.New("invalid content")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidQuery   = errors.New("invalid query")
)

// Error attaches an operation, an optional content id and the underlying
// cause to one of the pipeline error kinds. errors.Is matches both Kind and Err.
type Error struct {
	Kind error
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%q)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError creates an Error of the given kind.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewErrorID creates an Error of the given kind bound to a content id.
func NewErrorID(kind error, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsUnavailable reports whether err signals that an optional dependency is
// not configured or not provisioned.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrIndexUnavailable)
}

// IsValidation reports whether err is a validation failure that no retry
// can fix.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidContent) || errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrInvalidQuery)
}
