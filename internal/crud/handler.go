package crud

import (
	"context"

	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Handler is the full CRUD surface of one resource: a Query and a Mutate
// sharing the same session, params and settings.
type Handler[E any] struct {
	*Query[E]
	*Mutate[E]
}

// NewHandler composes a query and a mutation component. A nil obj reads
// every column.
func NewHandler[E any](sess Session, params Params, settings *Settings[E], obj *queryobject.QueryObject) (*Handler[E], error) {
	q, err := NewQuery(sess, params, settings, obj)
	if err != nil {
		return nil, err
	}
	m, err := NewMutate(sess, params, settings)
	if err != nil {
		return nil, err
	}
	return &Handler[E]{Query: q, Mutate: m}, nil
}

// CreateReturning creates and reads back the new row.
func (h *Handler[E]) CreateReturning(ctx context.Context, input Input) (queryobject.Row, error) {
	pk, err := h.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	return h.fetchKey(ctx, pk)
}

// UpdateReturning updates and reads back the modified row.
func (h *Handler[E]) UpdateReturning(ctx context.Context, input Input) (queryobject.Row, error) {
	pk, err := h.Update(ctx, input)
	if err != nil {
		return nil, err
	}
	return h.fetchKey(ctx, pk)
}

// UpdateIDReturning updates by params identity and reads back the row,
// following the identity if the update changed it.
func (h *Handler[E]) UpdateIDReturning(ctx context.Context, input Input) (queryobject.Row, error) {
	pk, err := h.UpdateID(ctx, input)
	if err != nil {
		return nil, err
	}
	return h.fetchKey(ctx, pk)
}

// CreateOrUpdateReturning saves and reads back the row.
func (h *Handler[E]) CreateOrUpdateReturning(ctx context.Context, input Input) (queryobject.Row, error) {
	pk, err := h.CreateOrUpdate(ctx, input)
	if err != nil {
		return nil, err
	}
	return h.fetchKey(ctx, pk)
}

// DeleteReturning reads the row, then deletes it.
func (h *Handler[E]) DeleteReturning(ctx context.Context) (queryobject.Row, error) {
	row, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.Delete(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

func (h *Handler[E]) fetchKey(ctx context.Context, pk PrimaryKey) (queryobject.Row, error) {
	preds := append([]sqlexpr.Predicate(nil), h.Query.params.Filter()...)
	preds = append(preds, pk.Predicates(h.Query.settings.Model.IdentityColumns())...)
	return h.fetchOne(ctx, func() []sqlexpr.Predicate { return preds })
}
