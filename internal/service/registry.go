package service

import (
	"errors"
	"log/slog"

	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/queryobject"
)

// Registry bundles the resources the transports serve.
type Registry struct {
	Users    *Users
	Articles *Articles
}

// NewRegistry configures every resource with a shared observer and logger.
func NewRegistry(observer crud.Observer, logger *slog.Logger) *Registry {
	return &Registry{
		Users:    NewUsers(observer, logger),
		Articles: NewArticles(observer, logger),
	}
}

// ErrBadRequest marks malformed request arguments.
var ErrBadRequest = errors.New("bad request")

// Error codes shared by the transports.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeMultipleResults     = "MULTIPLE_RESULTS"
	CodeInvalidField        = "INVALID_FIELD"
	CodeValueConflict       = "VALUE_CONFLICT"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeForbidden           = "FORBIDDEN"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode classifies err for API responses. Database constraint errors
// are only recognized once translated by crud.Converting.
func ErrorCode(err error) string {
	var invalidQuery *queryobject.InvalidQueryError
	switch {
	case errors.Is(err, crud.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, crud.ErrMultipleMatches):
		return CodeMultipleResults
	case errors.Is(err, crud.ErrInvalidField):
		return CodeInvalidField
	case errors.Is(err, crud.ErrValueConflict):
		return CodeValueConflict
	case errors.Is(err, crud.ErrConstraintViolation):
		return CodeConstraintViolation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, crud.ErrIncompleteIdentity), errors.As(err, &invalidQuery):
		return CodeBadRequest
	}
	return CodeInternal
}
