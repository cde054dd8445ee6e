// Package session is a small unit of work over database/sql. It tracks
// entities by pointer, writes pending inserts, updates and deletes on Flush,
// and leaves commit or rollback to whoever began the transaction.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Executor is the statement surface shared by *sql.DB, *sql.Tx and *sql.Conn.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type state int

const (
	statePending state = iota
	statePersistent
	stateDeleted
)

type entry struct {
	mapping   Mapping
	entity    any
	state     state
	touched   map[string]bool
	pristine  map[string]any
	committed map[string]any
}

func (e *entry) identity() []any {
	cols := e.mapping.IdentityColumns()
	ids := make([]any, len(cols))
	for i, c := range cols {
		ids[i] = e.committed[c]
	}
	return ids
}

func (e *entry) identityFilter() []sqlexpr.Predicate {
	cols := e.mapping.IdentityColumns()
	preds := make([]sqlexpr.Predicate, len(cols))
	for i, c := range cols {
		preds[i] = sqlexpr.Eq(c, e.committed[c])
	}
	return preds
}

// Session is not safe for concurrent mutation. Reads issued through
// QueryContext may run from helper goroutines while the owner waits.
type Session struct {
	tx      *sql.Tx
	exec    Executor
	dialect sqlexpr.Dialect
	logger  *slog.Logger
	closed  bool

	tracked map[any]*entry
	order   []*entry
	byKey   map[string]*entry
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for statement tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps an executor the caller controls. Commit and Rollback only
// reset tracking state.
func New(exec Executor, dialect sqlexpr.Dialect, opts ...Option) *Session {
	s := &Session{
		exec:    exec,
		dialect: dialect,
		logger:  slog.Default(),
		tracked: make(map[any]*entry),
		byKey:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin opens a transaction owned by the returned session.
func Begin(ctx context.Context, db *sql.DB, dialect sqlexpr.Dialect, opts ...Option) (*Session, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s := New(tx, dialect, opts...)
	s.tx = tx
	return s, nil
}

// Dialect reports the SQL dialect of the underlying connection.
func (s *Session) Dialect() sqlexpr.Dialect {
	return s.dialect
}

// QueryContext runs a raw read on the session's connection.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.closed {
		return nil, ErrClosed
	}
	s.logger.DebugContext(ctx, "sql query", "query", query, "args", args)
	return s.exec.QueryContext(ctx, query, args...)
}

func (s *Session) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed {
		return nil, ErrClosed
	}
	s.logger.DebugContext(ctx, "sql exec", "query", query, "args", args)
	return s.exec.ExecContext(ctx, query, args...)
}

// Add stages a new entity for insertion. Columns named in touched are always
// written; other columns only when they differ from a freshly built entity,
// so unset fields fall back to column defaults.
func (s *Session) Add(m Mapping, entity any, touched ...string) error {
	if s.closed {
		return ErrClosed
	}
	if e, ok := s.tracked[entity]; ok {
		if e.state == stateDeleted {
			e.state = statePersistent
		}
		if e.touched == nil {
			e.touched = make(map[string]bool, len(touched))
		}
		for _, c := range touched {
			e.touched[c] = true
		}
		return nil
	}

	pristine, err := m.Dump(m.New())
	if err != nil {
		return fmt.Errorf("failed to dump %s defaults: %w", m.TableName(), err)
	}
	e := &entry{
		mapping:  m,
		entity:   entity,
		state:    statePending,
		touched:  make(map[string]bool, len(touched)),
		pristine: pristine,
	}
	for _, c := range touched {
		e.touched[c] = true
	}
	s.tracked[entity] = e
	s.order = append(s.order, e)
	return nil
}

// Delete marks an entity for deletion on the next flush. A pending entity
// is simply forgotten.
func (s *Session) Delete(entity any) error {
	e, ok := s.tracked[entity]
	if !ok {
		return ErrNotTracked
	}
	if e.state == statePending {
		s.forget(e)
		return nil
	}
	e.state = stateDeleted
	return nil
}

// Refresh reloads every column of a persistent entity from the database,
// discarding unflushed changes.
func (s *Session) Refresh(ctx context.Context, entity any) error {
	e, ok := s.tracked[entity]
	if !ok || e.state == statePending {
		return ErrNotTracked
	}
	m := e.mapping
	query, args, err := sqlexpr.From(m.TableName(), m.ColumnNames()...).Where(e.identityFilter()...).Build(s.dialect)
	if err != nil {
		return fmt.Errorf("failed to build %s refresh: %w", m.TableName(), err)
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", m.TableName(), err)
	}
	found, err := sqlexpr.ScanMaps(rows)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("failed to refresh %s: %w", m.TableName(), ErrStaleRow)
	}
	return s.load(e, found[0])
}

// Find loads entities matching the predicates. Rows whose identity is
// already tracked resolve to the tracked entity, unflushed changes intact.
func (s *Session) Find(ctx context.Context, m Mapping, where []sqlexpr.Predicate, limit int) ([]any, error) {
	query, args, err := sqlexpr.From(m.TableName(), m.ColumnNames()...).Where(where...).Page(limit, 0).Build(s.dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", m.TableName(), err)
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.TableName(), err)
	}
	found, err := sqlexpr.ScanMaps(rows)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(found))
	for _, row := range found {
		entity := m.New()
		if err := m.Load(entity, row); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", m.TableName(), err)
		}
		values, err := m.Dump(entity)
		if err != nil {
			return nil, err
		}
		e := &entry{mapping: m, entity: entity, state: statePersistent, committed: values}
		if existing, ok := s.byKey[identityKey(m, e.identity())]; ok {
			out = append(out, existing.entity)
			continue
		}
		s.tracked[entity] = e
		s.order = append(s.order, e)
		s.byKey[identityKey(m, e.identity())] = e
		out = append(out, entity)
	}
	return out, nil
}

// Identity returns the flushed identity of a tracked entity, in the
// mapping's identity column order.
func (s *Session) Identity(entity any) ([]any, bool) {
	e, ok := s.tracked[entity]
	if !ok || e.state == statePending {
		return nil, false
	}
	return e.identity(), true
}

// Flush writes every pending change in tracking order. On error the
// transaction should be rolled back.
func (s *Session) Flush(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	for _, e := range append([]*entry(nil), s.order...) {
		var err error
		switch e.state {
		case statePending:
			err = s.insert(ctx, e)
		case statePersistent:
			err = s.update(ctx, e)
		case stateDeleted:
			err = s.delete(ctx, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) insert(ctx context.Context, e *entry) error {
	m := e.mapping
	values, err := m.Dump(e.entity)
	if err != nil {
		return fmt.Errorf("failed to dump %s: %w", m.TableName(), err)
	}

	var cols []string
	var args []any
	for _, c := range m.ColumnNames() {
		if e.touched[c] || !reflect.DeepEqual(values[c], e.pristine[c]) {
			cols = append(cols, c)
			args = append(args, values[c])
		}
	}

	query, params, err := sqlexpr.Insert(s.dialect, m.TableName(), cols, args, m.ColumnNames())
	if err != nil {
		return fmt.Errorf("failed to build %s insert: %w", m.TableName(), err)
	}
	row, err := s.queryOne(ctx, query, params)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("failed to insert into %s: no row returned", m.TableName())
	}
	e.state = statePersistent
	return s.load(e, row)
}

func (s *Session) update(ctx context.Context, e *entry) error {
	m := e.mapping
	values, err := m.Dump(e.entity)
	if err != nil {
		return fmt.Errorf("failed to dump %s: %w", m.TableName(), err)
	}

	var cols []string
	var args []any
	for _, c := range m.ColumnNames() {
		if !reflect.DeepEqual(values[c], e.committed[c]) {
			cols = append(cols, c)
			args = append(args, values[c])
		}
	}
	if len(cols) == 0 {
		return nil
	}

	query, params, err := sqlexpr.Update(s.dialect, m.TableName(), cols, args, e.identityFilter(), m.ColumnNames())
	if err != nil {
		return fmt.Errorf("failed to build %s update: %w", m.TableName(), err)
	}
	row, err := s.queryOne(ctx, query, params)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("failed to update %s: %w", m.TableName(), ErrStaleRow)
	}
	return s.load(e, row)
}

func (s *Session) delete(ctx context.Context, e *entry) error {
	m := e.mapping
	query, args, err := sqlexpr.Delete(s.dialect, m.TableName(), e.identityFilter())
	if err != nil {
		return fmt.Errorf("failed to build %s delete: %w", m.TableName(), err)
	}
	res, err := s.execContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to delete from %s: %w", m.TableName(), ErrStaleRow)
	}
	s.forget(e)
	return nil
}

func (s *Session) queryOne(ctx context.Context, query string, args []any) (map[string]any, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	found, err := sqlexpr.ScanMaps(rows)
	if err != nil {
		return nil, classify(err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// load copies a database row into the entity and records it as committed.
func (s *Session) load(e *entry, row map[string]any) error {
	m := e.mapping
	if err := m.Load(e.entity, row); err != nil {
		return fmt.Errorf("failed to load %s: %w", m.TableName(), err)
	}
	values, err := m.Dump(e.entity)
	if err != nil {
		return fmt.Errorf("failed to dump %s: %w", m.TableName(), err)
	}
	if e.committed != nil {
		delete(s.byKey, identityKey(m, e.identity()))
	}
	e.committed = values
	e.touched = nil
	e.pristine = nil
	s.byKey[identityKey(m, e.identity())] = e
	return nil
}

func (s *Session) forget(e *entry) {
	delete(s.tracked, e.entity)
	if e.committed != nil {
		delete(s.byKey, identityKey(e.mapping, e.identity()))
	}
	for i, it := range s.order {
		if it == e {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Commit commits the owned transaction and closes the session.
func (s *Session) Commit() error {
	if s.closed {
		return ErrClosed
	}
	s.reset()
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the owned transaction and closes the session.
func (s *Session) Rollback() error {
	if s.closed {
		return nil
	}
	s.reset()
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (s *Session) reset() {
	s.closed = s.tx != nil
	s.tracked = make(map[any]*entry)
	s.byKey = make(map[string]*entry)
	s.order = nil
}

func identityKey(m Mapping, ids []any) string {
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = fmt.Sprint(v)
	}
	return m.TableName() + "\x00" + strings.Join(parts, "\x00")
}
