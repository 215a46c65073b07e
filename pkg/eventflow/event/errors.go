package event

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a delivery attempt failed.
// Every kind is recoverable at the ConsumerRecord level.
type ErrorKind string

// Handler error kinds.
const (
	// KindHandler is a business rejection by the handler.
	KindHandler ErrorKind = "handler"

	// KindDeserialization is a payload that does not fit the handler's schema.
	KindDeserialization ErrorKind = "deserialization"

	// KindExternalService is a downstream failure (email, task board, chain).
	KindExternalService ErrorKind = "external_service"
)

// HandlerError represents a failed delivery attempt.
type HandlerError struct {
	Kind    ErrorKind
	Handler string // Handler that failed (if known)
	EventID string
	Message string
	Err     error
}

// Error implements error interface.
func (e *HandlerError) Error() string {
	prefix := string(e.Kind)
	if e.Handler != "" {
		prefix = e.Handler + ": " + prefix
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Rejected marks err as a business rejection.
func Rejected(err error) error {
	return &HandlerError{Kind: KindHandler, Err: err}
}

// ExternalService marks err as a downstream failure.
func ExternalService(err error) error {
	return &HandlerError{Kind: KindExternalService, Err: err}
}

// Deserialization marks err as a payload decode failure.
func Deserialization(err error) error {
	return &HandlerError{Kind: KindDeserialization, Err: err}
}

// KindOf returns the kind of a handler failure.
// Errors that carry no kind are business failures.
func KindOf(err error) ErrorKind {
	var herr *HandlerError
	if errors.As(err, &herr) && herr.Kind != "" {
		return herr.Kind
	}
	return KindHandler
}
