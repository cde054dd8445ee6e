package sqlexpr

import (
	sq "github.com/Masterminds/squirrel"
)

// Predicate is one boolean SQL expression. Lists of predicates are ANDed.
type Predicate = sq.Sqlizer

// Eq matches column = value. A nil value renders IS NULL and a slice
// renders IN.
func Eq(column string, value any) Predicate { return sq.Eq{Quote(column): value} }

// NotEq matches column <> value. A nil value renders IS NOT NULL and a
// slice renders NOT IN.
func NotEq(column string, value any) Predicate { return sq.NotEq{Quote(column): value} }

func Lt(column string, value any) Predicate  { return sq.Lt{Quote(column): value} }
func Lte(column string, value any) Predicate { return sq.LtOrEq{Quote(column): value} }
func Gt(column string, value any) Predicate  { return sq.Gt{Quote(column): value} }
func Gte(column string, value any) Predicate { return sq.GtOrEq{Quote(column): value} }

// In matches any of the values. An empty list matches nothing.
func In(column string, values ...any) Predicate {
	return sq.Eq{Quote(column): append([]any{}, values...)}
}

// NotIn matches none of the values. An empty list matches everything.
func NotIn(column string, values ...any) Predicate {
	return sq.NotEq{Quote(column): append([]any{}, values...)}
}

func IsNull(column string) Predicate  { return sq.Eq{Quote(column): nil} }
func NotNull(column string) Predicate { return sq.NotEq{Quote(column): nil} }

// And joins predicates; an empty And is always true.
func And(parts ...Predicate) Predicate { return sq.And(parts) }

// Or joins predicates; an empty Or is always false.
func Or(parts ...Predicate) Predicate { return sq.Or(parts) }

type negation struct{ inner Predicate }

func (n negation) ToSql() (string, []any, error) {
	query, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + query + ")", args, nil
}

func Not(p Predicate) Predicate { return negation{p} }

// Raw embeds a hand-written fragment with ? placeholders.
func Raw(sql string, args ...any) Predicate { return sq.Expr(sql, args...) }
