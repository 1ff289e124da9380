package payments

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds means the cached balance less in-flight transfers does not cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// ValidationError reports malformed caller input. Nothing is recorded when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error()}
}
