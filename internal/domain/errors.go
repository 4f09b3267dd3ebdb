package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by repositories and services when an entity is missing.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a request before anything reaches the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Invalid builds a ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s %w", kind, id, ErrNotFound)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
