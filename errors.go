package switchyard

import (
	"context"
	"errors"
)

// Code is the uniform error code enum returned on every RPC.
type Code string

const (
	CodeOK                  Code = "OK"
	CodeInvalid             Code = "INVALID"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConcurrency         Code = "CONCURRENCY"
	CodeNoHandler           Code = "NO_HANDLER"
	CodeRegistryUnavailable Code = "REGISTRY_UNAVAILABLE"
	CodeStorageTransient    Code = "STORAGE_TRANSIENT"
	CodeStorageFatal        Code = "STORAGE_FATAL"
	CodeBrokerUnavailable   Code = "BROKER_UNAVAILABLE"
	CodeDeadlineExceeded    Code = "DEADLINE_EXCEEDED"
	CodeInternal            Code = "INTERNAL"
)

// Sentinel errors for the failure modes callers are expected to branch on.
var (
	// ErrConcurrency means the expected sequence number was already taken.
	// Callers reload the aggregate and retry; never retried internally.
	ErrConcurrency = errors.New("sequence number already taken")

	// ErrNoHandler means no routable instance handles the requested type.
	ErrNoHandler = errors.New("no healthy handler instance")

	// ErrRegistryUnavailable means the shared registry store could not be
	// read or written. Retriable by the caller.
	ErrRegistryUnavailable = errors.New("registry store unavailable")

	// ErrStorageTransient wraps a persistence failure worth retrying.
	ErrStorageTransient = errors.New("transient storage failure")

	// ErrStorageFatal wraps a persistence failure that will not heal.
	ErrStorageFatal = errors.New("fatal storage failure")

	// ErrBrokerUnavailable means the topic broker rejected or timed out a
	// publish. The outbox retains the entry, so no data is lost.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrNotFound means the named instance, aggregate, or snapshot does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError indicates an invalid input to a coordination operation.
// Non-retriable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// Invalid builds a ValidationError for a named field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// CodeOf maps an error to its wire code. Unrecognized errors map to
// INTERNAL; nil maps to OK.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrConcurrency):
		return CodeConcurrency
	case errors.Is(err, ErrNoHandler):
		return CodeNoHandler
	case errors.Is(err, ErrRegistryUnavailable):
		return CodeRegistryUnavailable
	case errors.Is(err, ErrStorageTransient):
		return CodeStorageTransient
	case errors.Is(err, ErrStorageFatal):
		return CodeStorageFatal
	case errors.Is(err, ErrBrokerUnavailable):
		return CodeBrokerUnavailable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CodeInvalid
	}
	return CodeInternal
}
