package types

import (
	"errors"
	"fmt"
)

// ErrInputValidation marks malformed externally supplied data. It is never
// retried.
var ErrInputValidation = errors.New("input validation failed")

type InputValidationError struct {
	Field string
	Msg   string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInputValidation, e.Field, e.Msg)
}

func (e *InputValidationError) Unwrap() error {
	return ErrInputValidation
}
