package pipeline

import (
	"errors"
	"fmt"
)

// ErrInternalContractViolation marks evaluator output that the service's own
// contracts reject. It is a defect signal, never a property of caller input.
var ErrInternalContractViolation = errors.New("internal contract violation")

// ErrEmit marks a sink failure for an otherwise valid decision.
var ErrEmit = errors.New("decision emit failed")

type ContractViolationError struct {
	Stage      string
	SchemaType string
	TraceID    string
	Err        error
}

func (e *ContractViolationError) Error() string {
	if e.SchemaType == "" {
		return fmt.Sprintf("%s: %s: %v", ErrInternalContractViolation, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", ErrInternalContractViolation, e.Stage, e.SchemaType, e.Err)
}

// Unwrap exposes only the violation sentinel. The cause stays in Err so a
// violation never matches caller-input errors such as types.ErrInputValidation.
func (e *ContractViolationError) Unwrap() error {
	return ErrInternalContractViolation
}

type EmitError struct {
	DecisionID string
	Err        error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrEmit, e.DecisionID, e.Err)
}

func (e *EmitError) Unwrap() []error {
	return []error{ErrEmit, e.Err}
}
