package client

import (
	"context"
	"errors"
	"fmt"

	"switchyard"
)

// codedErr maps an envelope error code back to the domain sentinel so
// callers can branch with errors.Is the same way server-side code does.
func codedErr(code, message string) error {
	switch switchyard.Code(code) {
	case switchyard.CodeOK, "":
		return nil
	case switchyard.CodeInvalid:
		return switchyard.Invalid("", message)
	case switchyard.CodeNotFound:
		return fmt.Errorf("%s: %w", message, switchyard.ErrNotFound)
	case switchyard.CodeConcurrency:
		return fmt.Errorf("%s: %w", message, switchyard.ErrConcurrency)
	case switchyard.CodeNoHandler:
		return fmt.Errorf("%s: %w", message, switchyard.ErrNoHandler)
	case switchyard.CodeRegistryUnavailable:
		return fmt.Errorf("%s: %w", message, switchyard.ErrRegistryUnavailable)
	case switchyard.CodeStorageTransient:
		return fmt.Errorf("%s: %w", message, switchyard.ErrStorageTransient)
	case switchyard.CodeStorageFatal:
		return fmt.Errorf("%s: %w", message, switchyard.ErrStorageFatal)
	case switchyard.CodeBrokerUnavailable:
		return fmt.Errorf("%s: %w", message, switchyard.ErrBrokerUnavailable)
	case switchyard.CodeDeadlineExceeded:
		return fmt.Errorf("%s: %w", message, context.DeadlineExceeded)
	default:
		return errors.New(message)
	}
}
