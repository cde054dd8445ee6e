// Package sqlexpr is the thin SQL seam between the session, the query
// engine and squirrel: it fixes identifier quoting and the placeholder
// format of each supported database, and exposes the predicates and
// statements the rest of the module composes.
package sqlexpr

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect decides how placeholders are spelled.
type Dialect interface {
	Name() string
	Placeholders() sq.PlaceholderFormat
}

type postgres struct{}

func (postgres) Name() string { return "postgres" }

func (postgres) Placeholders() sq.PlaceholderFormat { return sq.Dollar }

type sqlite struct{}

func (sqlite) Name() string { return "sqlite" }

func (sqlite) Placeholders() sq.PlaceholderFormat { return sq.Question }

var (
	// Postgres numbers its placeholders ($1, $2, ...).
	Postgres Dialect = postgres{}
	// SQLite uses positional question marks.
	SQLite Dialect = sqlite{}
)

// DialectFor resolves a driver name from configuration.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Quote quotes an identifier, keeping dotted qualifiers apart.
func Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = Quote(id)
	}
	return out
}

// Render turns a predicate into SQL with the dialect's placeholders.
func Render(d Dialect, p Predicate) (string, []any, error) {
	query, args, err := p.ToSql()
	if err != nil {
		return "", nil, err
	}
	query, err = d.Placeholders().ReplacePlaceholders(query)
	return query, args, err
}
