package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

type widget struct {
	ID   int64
	Name string
	Qty  int64
}

type widgetMapping struct{}

func (widgetMapping) TableName() string         { return "widgets" }
func (widgetMapping) ColumnNames() []string     { return []string{"id", "name", "qty"} }
func (widgetMapping) IdentityColumns() []string { return []string{"id"} }
func (widgetMapping) New() any                  { return &widget{} }

func (widgetMapping) Dump(entity any) (map[string]any, error) {
	w := entity.(*widget)
	return map[string]any{"id": w.ID, "name": w.Name, "qty": w.Qty}, nil
}

func (widgetMapping) Load(entity any, row map[string]any) error {
	w := entity.(*widget)
	w.ID, _ = row["id"].(int64)
	w.Name, _ = row["name"].(string)
	w.Qty, _ = row["qty"].(int64)
	return nil
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE widgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		qty INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	return db
}

func begin(t *testing.T, db *sql.DB) *Session {
	t.Helper()
	s, err := Begin(context.Background(), db, sqlexpr.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Rollback() })
	return s
}

func TestAddFlushAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "bolt"}
	require.NoError(t, s.Add(widgetMapping{}, w))

	_, ok := s.Identity(w)
	assert.False(t, ok, "pending entity has no identity yet")

	require.NoError(t, s.Flush(ctx))
	id, ok := s.Identity(w)
	require.True(t, ok)
	assert.Equal(t, []any{int64(1)}, id)
	assert.Equal(t, int64(1), w.ID)
	assert.Equal(t, int64(0), w.Qty, "default comes back from RETURNING")
}

func TestFindReturnsTrackedEntity(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "nut"}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Flush(ctx))

	w.Qty = 7
	found, err := s.Find(ctx, widgetMapping{}, []sqlexpr.Predicate{sqlexpr.Eq("name", "nut")}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, w, found[0])
	assert.Equal(t, int64(7), found[0].(*widget).Qty)
}

func TestFlushUpdatesChangedIdentity(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "gear"}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Flush(ctx))

	w.ID = 999
	w.Qty = 3
	require.NoError(t, s.Flush(ctx))

	id, ok := s.Identity(w)
	require.True(t, ok)
	assert.Equal(t, []any{int64(999)}, id)

	found, err := s.Find(ctx, widgetMapping{}, []sqlexpr.Predicate{sqlexpr.Eq("id", 999)}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, w, found[0])
}

func TestRefreshDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "cog", Qty: 2}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Flush(ctx))

	w.Qty = 50
	require.NoError(t, s.Refresh(ctx, w))
	assert.Equal(t, int64(2), w.Qty)
}

func TestDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "spring"}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Delete(w))
	require.NoError(t, s.Flush(ctx))

	found, err := s.Find(ctx, widgetMapping{}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.ErrorIs(t, s.Delete(w), ErrNotTracked)
}

func TestDeletePendingEntityIsForgotten(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "washer"}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Delete(w))
	require.NoError(t, s.Flush(ctx))

	found, err := s.Find(ctx, widgetMapping{}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestAddRestoresDeletedEntity(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.Exec(`INSERT INTO widgets (name, qty) VALUES ('axle', 4)`)
	require.NoError(t, err)
	s := begin(t, db)

	found, err := s.Find(ctx, widgetMapping{}, []sqlexpr.Predicate{sqlexpr.Eq("name", "axle")}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	w := found[0].(*widget)

	require.NoError(t, s.Delete(w))
	require.NoError(t, s.Add(widgetMapping{}, w, "name"))
	w.Qty = 5
	require.NoError(t, s.Flush(ctx))

	found, err = s.Find(ctx, widgetMapping{}, nil, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, w, found[0])

	rows, err := s.QueryContext(ctx, `SELECT qty FROM widgets WHERE name = 'axle'`)
	require.NoError(t, err)
	stored, err := sqlexpr.ScanMaps(rows)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(5), stored[0]["qty"])
}

func TestAddFlushedEntityAgain(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	w := &widget{Name: "pin"}
	require.NoError(t, s.Add(widgetMapping{}, w))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Add(widgetMapping{}, w, "qty"))
	require.NoError(t, s.Flush(ctx))
	id, ok := s.Identity(w)
	require.True(t, ok)
	assert.Equal(t, []any{int64(1)}, id)
}

func TestUniqueViolationIsClassified(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	require.NoError(t, s.Add(widgetMapping{}, &widget{Name: "dup"}))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Add(widgetMapping{}, &widget{Name: "dup"}))
	err := s.Flush(ctx)

	var ce *ConstraintError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, Unique, ce.Kind)
	assert.Equal(t, []string{"name"}, ce.Columns)
	assert.Equal(t, "widgets", ce.Table)
}

func TestNotNullViolationIsClassified(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	require.NoError(t, s.Add(widgetMapping{}, &widget{}))
	err := s.Flush(ctx)

	var ce *ConstraintError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, NotNull, ce.Kind)
	assert.Equal(t, []string{"name"}, ce.Columns)
}

func TestTouchedColumnsAreAlwaysWritten(t *testing.T) {
	ctx := context.Background()
	s := begin(t, openDB(t))

	// empty string equals the zero value, so only touched forces it through
	w := &widget{}
	require.NoError(t, s.Add(widgetMapping{}, w, "name"))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, "", w.Name)
	assert.NotZero(t, w.ID)
}

func TestCommitClosesSession(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := begin(t, db)

	require.NoError(t, s.Add(widgetMapping{}, &widget{Name: "kept"}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Commit())

	assert.ErrorIs(t, s.Flush(ctx), ErrClosed)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM widgets`).Scan(&n))
	assert.Equal(t, 1, n)
}
