package crud

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrMultipleMatches         = errors.New("multiple matches")
	ErrInvalidField            = errors.New("invalid field")
	ErrValueConflict           = errors.New("value conflict")
	ErrConstraintViolation     = errors.New("constraint violation")
	ErrIncompleteIdentity      = errors.New("incomplete identity")
	ErrOverlappingCustomFields = errors.New("overlapping custom field keys")
)

// NotFoundError means no instance matched the single-instance filter.
type NotFoundError struct {
	Model string
	Err   error
}

func (e *NotFoundError) Error() string        { return e.Model + " not found" }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
func (e *NotFoundError) Unwrap() error        { return e.Err }

// MultipleMatchesError means a single-instance filter matched more than one
// instance. It is not a NotFoundError.
type MultipleMatchesError struct {
	Model string
	Err   error
}

func (e *MultipleMatchesError) Error() string {
	return "multiple " + e.Model + " instances match"
}
func (e *MultipleMatchesError) Is(target error) bool { return target == ErrMultipleMatches }
func (e *MultipleMatchesError) Unwrap() error        { return e.Err }

// InvalidFieldError rejects an input key that is not a settable field, or
// a value the field cannot hold.
type InvalidFieldError struct {
	Model  string
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid field %q for %s", e.Field, e.Model)
	}
	return fmt.Sprintf("invalid field %q for %s: %s", e.Field, e.Model, e.Reason)
}
func (e *InvalidFieldError) Is(target error) bool { return target == ErrInvalidField }

// ValueConflictError is a translated uniqueness violation.
type ValueConflictError struct {
	Model      string
	Constraint string
	Columns    []string
	Err        error
}

func (e *ValueConflictError) Error() string {
	if len(e.Columns) == 0 {
		return fmt.Sprintf("%s conflicts with an existing value", e.Model)
	}
	return fmt.Sprintf("%s conflicts with an existing value of %s", e.Model, strings.Join(e.Columns, ", "))
}
func (e *ValueConflictError) Is(target error) bool { return target == ErrValueConflict }
func (e *ValueConflictError) Unwrap() error        { return e.Err }

// ConstraintViolationError is a translated not-null, foreign key or check
// violation.
type ConstraintViolationError struct {
	Model      string
	Kind       string
	Constraint string
	Columns    []string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	msg := fmt.Sprintf("%s violates a %s constraint", e.Model, strings.ReplaceAll(e.Kind, "_", " "))
	if len(e.Columns) > 0 {
		msg += " on " + strings.Join(e.Columns, ", ")
	}
	return msg
}
func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }
func (e *ConstraintViolationError) Unwrap() error        { return e.Err }
