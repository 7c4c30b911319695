package schedule

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned (wrapped in *InputError) for malformed times,
// weekdays or timezone names.
var ErrInvalidInput = errors.New("invalid schedule input")

type InputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", ErrInvalidInput, e.Field, e.Value, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalid(field, value, reason string) error {
	return &InputError{Field: field, Value: value, Reason: reason}
}
