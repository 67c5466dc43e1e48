package contract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownSchemaType is a configuration problem: nobody registered the
	// requested contract.
	ErrUnknownSchemaType = errors.New("unknown schema type")
	// ErrSchemaValidation is a content problem: the payload breaks a
	// registered contract.
	ErrSchemaValidation = errors.New("schema validation failed")
	// ErrUnparseable means the payload is not structured data at all.
	ErrUnparseable = errors.New("payload is not parseable JSON")
)

type UnknownSchemaTypeError struct {
	SchemaType string
}

func (e *UnknownSchemaTypeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownSchemaType, e.SchemaType)
}

func (e *UnknownSchemaTypeError) Unwrap() error { return ErrUnknownSchemaType }

type ValidationError struct {
	SchemaType string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSchemaValidation, e.SchemaType, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrSchemaValidation }
