// Package errors provides standardized error handling for the meshrpc
// substrate. It defines the error taxonomy shared by every layer
// (validation, transport, service, timeout, cancellation), standard
// sentinel errors, and helpers for consistent wrapping and
// classification.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	// KindValidation marks errors rejected locally before any network
	// activity (empty key, non-positive timeout, unresolved token).
	KindValidation Kind = iota
	// KindTransport marks transport or protocol failures (malformed
	// frame, wrong type byte, publish/subscribe failure).
	KindTransport
	// KindService marks errors returned by a remote service with a
	// structured reason preserved.
	KindService
	// KindTimeout marks invocation or execution timeouts.
	KindTimeout
	// KindCanceled marks caller-initiated cancellation.
	KindCanceled
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindService:
		return "service"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Local validation errors
	ErrEmptyKey        = errors.New("key must not be empty")
	ErrInvalidTimeout  = errors.New("timeout must be positive")
	ErrUnresolvedToken = errors.New("unresolved topic token")
	ErrInvalidTopic    = errors.New("invalid topic")

	// Clock errors
	ErrDriftExceeded   = errors.New("clock drift exceeds configured maximum")
	ErrCounterOverflow = errors.New("clock counter overflow")

	// Transport and protocol errors
	ErrNotConnected   = errors.New("not connected to transport")
	ErrMalformedFrame = errors.New("malformed protocol frame")
	ErrPublishFailed  = errors.New("publish failed")

	// RPC channel errors
	ErrInvocationTimeout = errors.New("invocation timed out awaiting response")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrMissingHeader     = errors.New("required message header missing")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")
)

// Error wraps an error with its classification and origin.
type Error struct {
	Kind      Kind
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err with context following the pattern
// "component.operation: action: %w" and tags it with kind.
func classify(kind Kind, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s.%s: %s: %w", component, operation, action, err)
	return &Error{Kind: kind, Err: wrapped, Component: component, Operation: operation}
}

// Validation wraps an error as a local validation failure.
func Validation(err error, component, operation, action string) error {
	return classify(KindValidation, err, component, operation, action)
}

// Transport wraps an error as a transport or protocol failure.
func Transport(err error, component, operation, action string) error {
	return classify(KindTransport, err, component, operation, action)
}

// Service wraps an error as a remote service failure.
func Service(err error, component, operation, action string) error {
	return classify(KindService, err, component, operation, action)
}

// Timeout wraps an error as a timeout.
func Timeout(err error, component, operation, action string) error {
	return classify(KindTimeout, err, component, operation, action)
}

// Canceled wraps an error as a caller-initiated cancellation.
func Canceled(err error, component, operation, action string) error {
	return classify(KindCanceled, err, component, operation, action)
}

// KindOf returns the classification of err. Unclassified errors map to
// the closest kind derivable from their cause: context.DeadlineExceeded
// is a timeout, context.Canceled a cancellation; everything else is
// reported as a transport failure, the only class safe to retry.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransport
}

// IsValidation reports whether err is a local validation error.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsTransport reports whether err is a transport or protocol error.
func IsTransport(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}

// IsService reports whether err is a remote service error.
func IsService(err error) bool {
	return err != nil && KindOf(err) == KindService
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return err != nil && KindOf(err) == KindTimeout
}

// IsCanceled reports whether err is a caller-initiated cancellation.
func IsCanceled(err error) bool {
	return err != nil && KindOf(err) == KindCanceled
}

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
