// Package calcerr defines the error taxonomy shared by the valuation engines.
//
// Validation-time failures (range, structural, infeasibility) are returned as
// errors to the immediate caller. Convergence and result-validation problems
// are never returned as errors; they are recorded on result values instead, and
// ErrConvergence exists only so callers can wrap such a condition themselves.
package calcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrParameterRange marks an input numeric field outside its valid domain.
	ErrParameterRange = errors.New("parameter out of range")

	// ErrStructural marks missing or contradictory collections.
	ErrStructural = errors.New("structural error")

	// ErrInfeasible marks a well-formed request with no sensible solution.
	ErrInfeasible = errors.New("domain infeasibility")

	// ErrConvergence marks a solver that exhausted its budget.
	ErrConvergence = errors.New("convergence failure")
)

// RangeError reports a single field outside its valid domain.
type RangeError struct {
	Field      string
	Value      float64
	Constraint string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s must be %s, got %g", e.Field, e.Constraint, e.Value)
}

// Unwrap lets errors.Is match ErrParameterRange.
func (e *RangeError) Unwrap() error {
	return ErrParameterRange
}

// NewRange constructs a RangeError.
func NewRange(field string, value float64, constraint string) *RangeError {
	return &RangeError{Field: field, Value: value, Constraint: constraint}
}

// StructuralError reports a malformed request shape.
type StructuralError struct {
	Message string
}

func (e *StructuralError) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match ErrStructural.
func (e *StructuralError) Unwrap() error {
	return ErrStructural
}

// Structural formats a StructuralError.
func Structural(format string, args ...interface{}) error {
	return &StructuralError{Message: fmt.Sprintf(format, args...)}
}

// InfeasibleError reports a request that cannot be solved.
type InfeasibleError struct {
	Message string
}

func (e *InfeasibleError) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match ErrInfeasible.
func (e *InfeasibleError) Unwrap() error {
	return ErrInfeasible
}

// Infeasible formats an InfeasibleError.
func Infeasible(format string, args ...interface{}) error {
	return &InfeasibleError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err belongs to the validation-time part of the
// taxonomy (range, structural, infeasible).
func IsValidation(err error) bool {
	return errors.Is(err, ErrParameterRange) || errors.Is(err, ErrStructural) || errors.Is(err, ErrInfeasible)
}
