package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotTracked is returned when an entity was never added to or loaded
	// by the session.
	ErrNotTracked = errors.New("entity is not tracked by this session")
	// ErrStaleRow is returned when the row behind a tracked entity is gone.
	ErrStaleRow = errors.New("row no longer exists")
	// ErrClosed is returned after Commit or Rollback.
	ErrClosed = errors.New("session is closed")
)

// ConstraintKind names the integrity rule a statement broke.
type ConstraintKind string

const (
	Unique     ConstraintKind = "unique"
	NotNull    ConstraintKind = "not_null"
	ForeignKey ConstraintKind = "foreign_key"
	Check      ConstraintKind = "check"
)

// ConstraintError is a database integrity violation with whatever column
// and constraint metadata the driver reported.
type ConstraintError struct {
	Kind       ConstraintKind
	Table      string
	Constraint string
	Columns    []string
	Err        error
}

func (e *ConstraintError) Error() string {
	msg := fmt.Sprintf("%s constraint violated", e.Kind)
	if e.Constraint != "" {
		msg += " (" + e.Constraint + ")"
	}
	if len(e.Columns) > 0 {
		msg += " on " + strings.Join(e.Columns, ", ")
	}
	return msg
}

func (e *ConstraintError) Unwrap() error { return e.Err }

var (
	pgKeyDetail      = regexp.MustCompile(`Key \((.+?)\)=`)
	sqliteConstraint = regexp.MustCompile(`(UNIQUE|NOT NULL|CHECK|FOREIGN KEY) constraint failed(?:: ([^(]+))?`)
)

// classify turns driver integrity errors into *ConstraintError and leaves
// anything else untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromPostgres(pgErr, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return fromSQLite(liteErr, err)
	}
	return err
}

func fromPostgres(pgErr *pgconn.PgError, err error) error {
	ce := &ConstraintError{Table: pgErr.TableName, Constraint: pgErr.ConstraintName, Err: err}
	switch pgErr.Code {
	case "23505":
		ce.Kind = Unique
	case "23502":
		ce.Kind = NotNull
	case "23503":
		ce.Kind = ForeignKey
	case "23514":
		ce.Kind = Check
	default:
		return err
	}

	if pgErr.ColumnName != "" {
		ce.Columns = []string{pgErr.ColumnName}
	} else if m := pgKeyDetail.FindStringSubmatch(pgErr.Detail); m != nil {
		ce.Columns = splitColumns(m[1], "")
	}
	return ce
}

func fromSQLite(liteErr *sqlite.Error, err error) error {
	ce := &ConstraintError{Err: err}
	switch liteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		ce.Kind = Unique
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		ce.Kind = NotNull
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		ce.Kind = ForeignKey
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		ce.Kind = Check
	default:
		return err
	}

	m := sqliteConstraint.FindStringSubmatch(liteErr.Error())
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return ce
	}
	detail := strings.TrimSpace(m[2])
	if ce.Kind == Check {
		ce.Constraint = detail
		return ce
	}
	// "users.login, users.name"
	ce.Columns = splitColumns(detail, ".")
	if first := strings.SplitN(strings.Split(detail, ",")[0], ".", 2); len(first) == 2 {
		ce.Table = strings.TrimSpace(first[0])
	}
	return ce
}

func splitColumns(list, qualifier string) []string {
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if qualifier != "" {
			if i := strings.LastIndex(p, qualifier); i >= 0 {
				p = p[i+1:]
			}
		}
		if p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}
