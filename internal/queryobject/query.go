package queryobject

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

var (
	// ErrNoResults is returned by FetchOne when nothing matched.
	ErrNoResults = errors.New("no rows found")
	// ErrMultipleResults is returned by FetchOne when more than one row matched.
	ErrMultipleResults = errors.New("multiple rows found")
)

// Customizer rewrites the statement of one query level. It runs for every
// level; q.Level is 0 at the root and grows by one per joined relation.
type Customizer func(q *Query, stmt sqlexpr.Select) sqlexpr.Select

// Query is a prepared query object bound to a table. Nested levels are
// Queries too, sharing the customizer list of the root.
type Query struct {
	Level  int
	Path   []string
	Object *QueryObject
	Table  *Table

	customizers *[]Customizer
	relation    *Relation
	selected    []string
	columns     []string
	hidden      []string
	filter      []sqlexpr.Predicate
	orders      []sqlexpr.Order
	joins       []*join
	hasMore     bool
}

type join struct {
	name     string
	relation *Relation
	query    *Query
}

// New validates obj against table and prepares every nested level.
func New(obj *QueryObject, table *Table) (*Query, error) {
	if obj == nil {
		obj = &QueryObject{}
	}
	customizers := make([]Customizer, 0)
	return build(obj, table, 0, nil, nil, &customizers)
}

func build(obj *QueryObject, table *Table, level int, path []string, rel *Relation, customizers *[]Customizer) (*Query, error) {
	q := &Query{
		Level:       level,
		Path:        path,
		Object:      obj,
		Table:       table,
		customizers: customizers,
		relation:    rel,
	}

	selected := obj.Select
	if len(selected) == 0 {
		selected = table.Columns
	}
	for _, c := range selected {
		if !table.hasColumn(c) {
			return nil, &InvalidQueryError{Table: table.Name, Field: c, Reason: "unknown select field"}
		}
	}
	q.selected = appendUnique(append([]string(nil), selected...), table.PrimaryKey...)
	q.columns = append([]string(nil), q.selected...)
	if rel != nil {
		q.columns = appendUnique(q.columns, rel.RemoteKey)
	}

	filter, err := compileFilter(table, obj.Filter)
	if err != nil {
		return nil, err
	}
	q.filter = filter

	for _, s := range obj.Sort {
		order := parseSort(s)
		if !table.hasColumn(order.Column) {
			return nil, &InvalidQueryError{Table: table.Name, Field: order.Column, Reason: "unknown sort field"}
		}
		q.orders = append(q.orders, order)
	}
	if len(q.orders) == 0 {
		for _, pk := range table.PrimaryKey {
			q.orders = append(q.orders, sqlexpr.Order{Column: pk})
		}
	}

	names := make([]string, 0, len(obj.Join))
	for name := range obj.Join {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r, ok := table.Relations[name]
		if !ok {
			return nil, &InvalidQueryError{Table: table.Name, Field: name, Reason: "unknown relation"}
		}
		sub := obj.Join[name]
		if sub == nil {
			sub = &QueryObject{}
		}
		childPath := append(append([]string(nil), path...), name)
		child, err := build(sub, r.Target, level+1, childPath, r, customizers)
		if err != nil {
			return nil, err
		}
		q.columns = appendUnique(q.columns, r.LocalKey)
		q.joins = append(q.joins, &join{name: name, relation: r, query: child})
	}

	for _, c := range q.columns {
		if !contains(q.selected, c) {
			q.hidden = append(q.hidden, c)
		}
	}
	return q, nil
}

// "login-" sorts descending, "login" and "login+" ascending.
func parseSort(s string) sqlexpr.Order {
	switch {
	case strings.HasSuffix(s, "-"):
		return sqlexpr.Order{Column: strings.TrimSuffix(s, "-"), Desc: true}
	case strings.HasSuffix(s, "+"):
		return sqlexpr.Order{Column: strings.TrimSuffix(s, "+")}
	}
	return sqlexpr.Order{Column: s}
}

// Customize registers a statement callback for this query and all of its
// nested levels.
func (q *Query) Customize(fn Customizer) {
	*q.customizers = append(*q.customizers, fn)
}

// Selected lists the columns each row of this level will carry.
func (q *Query) Selected() []string {
	return append([]string(nil), q.selected...)
}

func (q *Query) statement(limit, offset int) sqlexpr.Select {
	stmt := sqlexpr.From(q.Table.Name, q.columns...).
		Where(q.filter...).
		OrderBy(q.orders...).
		Page(limit, offset)
	for _, fn := range *q.customizers {
		stmt = fn(q, stmt)
	}
	return stmt
}

// FetchAll loads one page of rows with their joined relations.
func (q *Query) FetchAll(ctx context.Context, conn Conn) ([]Row, error) {
	limit := q.Object.Limit
	fetch := 0
	if limit > 0 {
		fetch = limit + 1
	}
	rows, err := q.run(ctx, conn, q.statement(fetch, q.Object.Skip))
	if err != nil {
		return nil, err
	}
	q.hasMore = limit > 0 && len(rows) > limit
	if q.hasMore {
		rows = rows[:limit]
	}
	if err := q.loadJoins(ctx, conn, rows); err != nil {
		return nil, err
	}
	q.trim(rows)
	return rows, nil
}

// FetchOne loads exactly one row.
func (q *Query) FetchOne(ctx context.Context, conn Conn) (Row, error) {
	rows, err := q.run(ctx, conn, q.statement(2, q.Object.Skip))
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, ErrNoResults
	case 1:
	default:
		return nil, ErrMultipleResults
	}
	if err := q.loadJoins(ctx, conn, rows); err != nil {
		return nil, err
	}
	q.trim(rows)
	return rows[0], nil
}

// Count reports how many rows match, ignoring paging.
func (q *Query) Count(ctx context.Context, conn Conn) (int, error) {
	query, args, err := q.statement(0, 0).BuildCount(conn.Dialect())
	if err != nil {
		return 0, fmt.Errorf("failed to build %s count: %w", q.Table.Name, err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.Table.Name, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan count: %w", err)
		}
	}
	return n, rows.Err()
}

// PageLinks returns cursors around the page last returned by FetchAll.
func (q *Query) PageLinks() PageLinks {
	var links PageLinks
	skip, limit := q.Object.Skip, q.Object.Limit
	if limit <= 0 {
		return links
	}
	if skip > 0 {
		links.Prev = fmt.Sprintf("skip:%d", max(0, skip-limit))
	}
	if q.hasMore {
		links.Next = fmt.Sprintf("skip:%d", skip+limit)
	}
	return links
}

func (q *Query) run(ctx context.Context, conn Conn, stmt sqlexpr.Select) ([]Row, error) {
	query, args, err := stmt.Build(conn.Dialect())
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", q.Table.Name, err)
	}
	rs, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table.Name, err)
	}
	raw, err := sqlexpr.ScanMaps(rs)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(raw))
	for i, r := range raw {
		row := make(Row, len(r))
		for k, v := range r {
			if q.Table.Decode != nil {
				if v, err = q.Table.Decode(k, v); err != nil {
					return nil, fmt.Errorf("failed to decode %s.%s: %w", q.Table.Name, k, err)
				}
			}
			row[k] = v
		}
		rows[i] = row
	}
	return rows, nil
}

func (q *Query) trim(rows []Row) {
	for _, row := range rows {
		for _, c := range q.hidden {
			delete(row, c)
		}
	}
}

// window applies skip and limit to the children of one parent row.
func (q *Query) window(rows []Row) []Row {
	if skip := q.Object.Skip; skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if limit := q.Object.Limit; limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (q *Query) loadJoins(ctx context.Context, conn Conn, rows []Row) error {
	for _, j := range q.joins {
		if err := j.load(ctx, conn, rows); err != nil {
			return err
		}
	}
	return nil
}

type valueKey struct{ value any }

func (k valueKey) String() string   { return fmt.Sprint(k.value) }
func (k valueKey) Raw() interface{} { return k.value }

// load attaches related rows to every parent, reading all of them with a
// single batched IN query.
func (j *join) load(ctx context.Context, conn Conn, parents []Row) error {
	keys := make(dataloader.Keys, 0, len(parents))
	seen := make(map[string]bool, len(parents))
	for _, p := range parents {
		v := p[j.relation.LocalKey]
		if v == nil {
			continue
		}
		k := valueKey{v}
		if seen[k.String()] {
			continue
		}
		seen[k.String()] = true
		keys = append(keys, k)
	}

	groups := make(map[string][]Row, len(keys))
	if len(keys) > 0 {
		loader := dataloader.NewBatchedLoader(j.batch(conn), dataloader.WithBatchCapacity(len(keys)))
		data, errs := loader.LoadMany(ctx, keys)()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		for i, k := range keys {
			children, _ := data[i].([]Row)
			groups[k.String()] = children
		}
	}

	for _, p := range parents {
		var children []Row
		if v := p[j.relation.LocalKey]; v != nil {
			children = j.query.window(groups[fmt.Sprint(v)])
		}
		switch {
		case j.relation.Many && children == nil:
			p[j.name] = []Row{}
		case j.relation.Many:
			p[j.name] = children
		case len(children) > 0:
			p[j.name] = children[0]
		default:
			p[j.name] = nil
		}
	}
	return nil
}

func (j *join) batch(conn Conn) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		fail := func(err error) []*dataloader.Result {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		values := make([]any, len(keys))
		for i, k := range keys {
			values[i] = k.Raw()
		}
		q := j.query
		stmt := q.statement(0, 0).Where(sqlexpr.In(j.relation.RemoteKey, values...))
		rows, err := q.run(ctx, conn, stmt)
		if err != nil {
			return fail(err)
		}
		if err := q.loadJoins(ctx, conn, rows); err != nil {
			return fail(err)
		}

		grouped := make(map[string][]Row, len(keys))
		for _, row := range rows {
			k := fmt.Sprint(row[j.relation.RemoteKey])
			grouped[k] = append(grouped[k], row)
		}
		q.trim(rows)

		for i, k := range keys {
			results[i] = &dataloader.Result{Data: grouped[k.String()]}
		}
		return results
	}
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}

func contains(list []string, s string) bool {
	for _, it := range list {
		if it == s {
			return true
		}
	}
	return false
}
