package sqlexpr

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Select is an immutable single-table SELECT. Modifiers return copies.
type Select struct {
	Table   string
	Columns []string
	Filters []Predicate
	Orders  []Order
	Limit   int
	Offset  int
}

// From starts a SELECT on table.
func From(table string, columns ...string) Select {
	return Select{Table: table, Columns: columns}
}

// Where returns a copy with more predicates.
func (s Select) Where(preds ...Predicate) Select {
	s.Filters = append(append([]Predicate(nil), s.Filters...), preds...)
	return s
}

// OrderBy returns a copy with more ordering terms.
func (s Select) OrderBy(orders ...Order) Select {
	s.Orders = append(append([]Order(nil), s.Orders...), orders...)
	return s
}

// Page returns a copy limited to limit rows after skipping offset. Zero
// means no bound.
func (s Select) Page(limit, offset int) Select {
	s.Limit, s.Offset = limit, offset
	return s
}

func (s Select) builder(d Dialect, columns ...string) sq.SelectBuilder {
	b := sq.Select(columns...).From(Quote(s.Table)).PlaceholderFormat(d.Placeholders())
	for _, p := range s.Filters {
		b = b.Where(p)
	}
	return b
}

// Build renders the statement and its arguments.
func (s Select) Build(d Dialect) (string, []any, error) {
	columns := []string{"*"}
	if len(s.Columns) > 0 {
		columns = quoteAll(s.Columns)
	}
	b := s.builder(d, columns...)
	for _, o := range s.Orders {
		term := Quote(o.Column)
		if o.Desc {
			term += " DESC"
		}
		b = b.OrderBy(term)
	}
	switch {
	case s.Limit > 0:
		b = b.Limit(uint64(s.Limit))
		if s.Offset > 0 {
			b = b.Offset(uint64(s.Offset))
		}
	case s.Offset > 0 && d == SQLite:
		// sqlite accepts OFFSET only after a LIMIT
		b = b.Suffix(fmt.Sprintf("LIMIT -1 OFFSET %d", s.Offset))
	case s.Offset > 0:
		b = b.Offset(uint64(s.Offset))
	}
	return b.ToSql()
}

// BuildCount renders SELECT count(*) over the same table and filters,
// ignoring ordering and paging.
func (s Select) BuildCount(d Dialect) (string, []any, error) {
	return s.builder(d, "count(*)").ToSql()
}

func returning(columns []string) string {
	return "RETURNING " + strings.Join(quoteAll(columns), ", ")
}

// Insert renders INSERT ... RETURNING. With no columns the row is built
// from column defaults.
func Insert(d Dialect, table string, columns []string, values []any, ret []string) (string, []any, error) {
	if len(columns) == 0 {
		// squirrel cannot express DEFAULT VALUES
		query := "INSERT INTO " + Quote(table) + " DEFAULT VALUES"
		if len(ret) > 0 {
			query += " " + returning(ret)
		}
		return query, nil, nil
	}
	b := sq.Insert(Quote(table)).
		Columns(quoteAll(columns)...).
		Values(values...).
		PlaceholderFormat(d.Placeholders())
	if len(ret) > 0 {
		b = b.Suffix(returning(ret))
	}
	return b.ToSql()
}

// Update renders UPDATE ... SET ... WHERE ... RETURNING.
func Update(d Dialect, table string, columns []string, values []any, where []Predicate, ret []string) (string, []any, error) {
	b := sq.Update(Quote(table)).PlaceholderFormat(d.Placeholders())
	for i, c := range columns {
		b = b.Set(Quote(c), values[i])
	}
	for _, p := range where {
		b = b.Where(p)
	}
	if len(ret) > 0 {
		b = b.Suffix(returning(ret))
	}
	return b.ToSql()
}

// Delete renders DELETE FROM ... WHERE.
func Delete(d Dialect, table string, where []Predicate) (string, []any, error) {
	b := sq.Delete(Quote(table)).PlaceholderFormat(d.Placeholders())
	for _, p := range where {
		b = b.Where(p)
	}
	return b.ToSql()
}
