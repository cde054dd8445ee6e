package crud

import (
	"errors"

	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/session"
)

// Converting runs fn and translates what it returns: missing or ambiguous
// single-row reads become NotFound or MultipleMatches, and database
// integrity violations become ValueConflict or ConstraintViolation errors
// naming the failing columns. Other errors pass through untouched.
func Converting(model string, fn func() error) error {
	return convert(model, fn())
}

func convert(model string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, queryobject.ErrNoResults):
		return &NotFoundError{Model: model, Err: err}
	case errors.Is(err, queryobject.ErrMultipleResults):
		return &MultipleMatchesError{Model: model, Err: err}
	}

	var ce *session.ConstraintError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Kind == session.Unique {
		return &ValueConflictError{Model: model, Constraint: ce.Constraint, Columns: ce.Columns, Err: err}
	}
	return &ConstraintViolationError{
		Model:      model,
		Kind:       string(ce.Kind),
		Constraint: ce.Constraint,
		Columns:    ce.Columns,
		Err:        err,
	}
}
