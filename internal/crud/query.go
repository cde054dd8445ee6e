package crud

import (
	"context"
	"time"

	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Query reads instances of one model through a query object. The params'
// filter is applied to the top level only; joined relations are filtered
// only where Settings.NestedFilters says so.
type Query[E any] struct {
	sess     Session
	params   Params
	settings *Settings[E]
	query    *queryobject.Query
	filter   func() []sqlexpr.Predicate
}

// NewQuery validates obj against the model and binds it to a session.
func NewQuery[E any](sess Session, params Params, settings *Settings[E], obj *queryobject.QueryObject) (*Query[E], error) {
	if err := settings.init(); err != nil {
		return nil, err
	}
	q, err := queryobject.New(obj, settings.Model.QueryTable())
	if err != nil {
		return nil, err
	}
	h := &Query[E]{
		sess:     sess,
		params:   params,
		settings: settings,
		query:    q,
		filter:   params.Filter,
	}
	q.Customize(h.customize)
	return h, nil
}

func (h *Query[E]) customize(q *queryobject.Query, stmt sqlexpr.Select) sqlexpr.Select {
	if q.Level == 0 {
		return stmt.Where(h.filter()...)
	}
	if nested := h.settings.nestedFilter(q.Path); nested != nil {
		return stmt.Where(nested()...)
	}
	return stmt
}

// List returns one page of rows matching the params' filter.
func (h *Query[E]) List(ctx context.Context) (rows []queryobject.Row, err error) {
	defer func(start time.Time) { h.settings.observe("list", start, err) }(time.Now())
	h.filter = h.params.Filter
	return h.query.FetchAll(ctx, h.sess)
}

// Get returns the single row FilterOne selects, failing with NotFound or
// MultipleMatches.
func (h *Query[E]) Get(ctx context.Context) (row queryobject.Row, err error) {
	defer func(start time.Time) { h.settings.observe("get", start, err) }(time.Now())
	return h.fetchOne(ctx, h.params.FilterOne)
}

// Count returns how many instances match the params' filter.
func (h *Query[E]) Count(ctx context.Context) (n int, err error) {
	defer func(start time.Time) { h.settings.observe("count", start, err) }(time.Now())
	h.filter = h.params.Filter
	return h.query.Count(ctx, h.sess)
}

// PageLinks returns cursors around the page the last List returned.
func (h *Query[E]) PageLinks() queryobject.PageLinks {
	return h.query.PageLinks()
}

// Selected lists the top-level columns each row carries.
func (h *Query[E]) Selected() []string {
	return h.query.Selected()
}

func (h *Query[E]) fetchOne(ctx context.Context, filter func() []sqlexpr.Predicate) (row queryobject.Row, err error) {
	h.filter = filter
	err = Converting(h.settings.Model.Name(), func() error {
		row, err = h.query.FetchOne(ctx, h.sess)
		return err
	})
	return row, err
}
