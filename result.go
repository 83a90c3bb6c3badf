// Package chatsync implements the offline-first synchronization core of a
// real-time chat client.
//
// It reconciles a local entity cache with a live server event stream and with
// the outcomes of asynchronous mutating requests, while the device may be
// intermittently offline. The core pieces are the event collector (batches
// and orders incoming events), the repository facade (consistent cached
// entity state), the optimistic mutation listeners (precondition →
// local-apply → reconcile), and the error handler chain (cached substitutes
// for failures while offline).
//
// Usage:
//
//	client := chatsync.NewClient(baseURL, tokenProvider, chatsync.WithLogger(logger))
//	if err := client.Login(ctx, user); err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	res := client.SendReaction(ctx, reaction, true)
package chatsync

import "errors"

// ============================================================================
// Error taxonomy
// ============================================================================

// Error codes. Every error produced by this package carries exactly one.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeNetwork    = "NETWORK_ERROR"
	CodeGeneric    = "GENERIC_ERROR"
)

// Error is the error type used across the sync core.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewValidationError reports a precondition that failed before any I/O.
func NewValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// NewNotFoundError reports an entity that was expected in cache but missing.
func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// NewNetworkError reports an opaque transport or backend failure.
func NewNetworkError(message string, cause error) *Error {
	return &Error{Code: CodeNetwork, Message: message, Cause: cause}
}

// NewGenericError is the message-carrying catch-all.
func NewGenericError(message string) *Error {
	return &Error{Code: CodeGeneric, Message: message}
}

func codeIs(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return codeIs(err, CodeValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return codeIs(err, CodeNotFound) }

// IsNetwork reports whether err is a network error.
func IsNetwork(err error) bool { return codeIs(err, CodeNetwork) }

// ============================================================================
// Result
// ============================================================================

// Unit is the payload of operations that produce no value.
type Unit struct{}

// Result is the outcome of a call: either Success carrying a value, or
// Failure carrying an error. No exceptions-style control flow is used
// anywhere in the core; mutation outcomes and precondition checks are all
// expressed as Results.
type Result[T any] struct {
	value T
	err   error
}

// Success wraps a value in a successful Result.
func Success[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Failure wraps an error in a failed Result.
// A nil err is coerced to a generic error so a Failure is never mistaken
// for a Success.
func Failure[T any](err error) Result[T] {
	if err == nil {
		err = NewGenericError("failure with no error")
	}
	return Result[T]{err: err}
}

// IsSuccess reports whether the result carries a value.
func (r Result[T]) IsSuccess() bool { return r.err == nil }

// IsFailure reports whether the result carries an error.
func (r Result[T]) IsFailure() bool { return r.err != nil }

// Value returns the carried value; zero value on failure.
func (r Result[T]) Value() T { return r.value }

// Err returns the carried error; nil on success.
func (r Result[T]) Err() error { return r.err }
