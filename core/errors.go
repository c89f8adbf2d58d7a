package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrRecordNotFound = errors.New("generation record not found")
	ErrNoteNotFound   = errors.New("note not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
)

// Kind is the machine-readable error classification shared by the
// coordinator, the HTTP surface, and generation records. The HTTP layer
// maps each kind to a status code; nothing else interprets the string.
type Kind string

const (
	KindValidationFailed     Kind = "validation_failed"
	KindUnauthorized         Kind = "unauthorized"
	KindNotFound             Kind = "not_found"
	KindProfileIncomplete    Kind = "profile_incomplete"
	KindGenerationInProgress Kind = "generation_in_progress"
	KindCannotCancel         Kind = "cannot_cancel"
	KindServiceLimitReached  Kind = "service_limit_reached"
	KindTimeout              Kind = "timeout"
	KindModelError           Kind = "model_error"
	KindNetwork              Kind = "network"
	KindRateLimited          Kind = "rate_limited"
	KindInvalidRoute         Kind = "invalid_route"
	KindIncomplete           Kind = "incomplete"
	KindTooManyPoints        Kind = "too_many_points"
	KindServerError          Kind = "server_error"
)

// Error is the structured error returned by coordinator operations.
// Message is user-visible and must stay short, imperative, and free of
// internal identifiers; recovery hints travel in Details or RetryAfter.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]interface{}
	RetryAfter int // seconds; zero means not retryable
	Err        error
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a structured error with the given kind and message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetail returns the error with an extra detail attached.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter returns the error carrying a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// KindOf extracts the Kind from an error chain, falling back to
// server_error for anything unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindServerError
}
