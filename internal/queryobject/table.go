package queryobject

import (
	"context"
	"database/sql"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Table describes a readable table and the relations that can be joined
// from it.
type Table struct {
	Name       string
	Columns    []string
	PrimaryKey []string
	Relations  map[string]*Relation
	// Decode converts a raw driver value into the column's API value.
	Decode func(column string, value any) (any, error)
}

// Relation links rows of one table to rows of Target where
// row[LocalKey] = target[RemoteKey]. Many relations yield lists.
type Relation struct {
	Target    *Table
	LocalKey  string
	RemoteKey string
	Many      bool
}

func (t *Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Conn is what the engine needs from a database handle.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Dialect() sqlexpr.Dialect
}
