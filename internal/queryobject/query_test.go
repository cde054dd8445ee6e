package queryobject

import (
	"context"
	"database/sql"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

type dbConn struct{ *sql.DB }

func (dbConn) Dialect() sqlexpr.Dialect { return sqlexpr.SQLite }

func fixture(t *testing.T) (Conn, *Table, *Table) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT NOT NULL, hidden INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER NOT NULL REFERENCES authors(id), title TEXT NOT NULL)`,
		`INSERT INTO authors (id, name, hidden) VALUES (1, 'ann', 0), (2, 'bob', 1), (3, 'cat', 0)`,
		`INSERT INTO posts (id, author_id, title) VALUES (10, 1, 'a1'), (11, 1, 'a2'), (12, 2, 'b1')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	authors := &Table{Name: "authors", Columns: []string{"id", "name", "hidden"}, PrimaryKey: []string{"id"}, Relations: map[string]*Relation{}}
	posts := &Table{Name: "posts", Columns: []string{"id", "author_id", "title"}, PrimaryKey: []string{"id"}, Relations: map[string]*Relation{}}
	authors.Relations["posts"] = &Relation{Target: posts, LocalKey: "id", RemoteKey: "author_id", Many: true}
	posts.Relations["author"] = &Relation{Target: authors, LocalKey: "author_id", RemoteKey: "id"}
	return dbConn{db}, authors, posts
}

func TestFetchAllFilterSortSelect(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{
		Select: []string{"name"},
		Filter: map[string]any{"id": map[string]any{"$gte": 2}},
		Sort:   []string{"name-"},
	}, authors)
	require.NoError(t, err)

	rows, err := q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"id": int64(3), "name": "cat"},
		{"id": int64(2), "name": "bob"},
	}, rows)
}

func TestFetchAllPagination(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{Select: []string{"name"}, Limit: 2}, authors)
	require.NoError(t, err)

	rows, err := q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, PageLinks{Next: "skip:2"}, q.PageLinks())

	next := &QueryObject{Select: []string{"name"}, Limit: 2}
	require.NoError(t, next.ApplyCursor(q.PageLinks().Next))
	q, err = New(next, authors)
	require.NoError(t, err)
	rows, err = q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"id": int64(3), "name": "cat"}}, rows)
	assert.Equal(t, PageLinks{Prev: "skip:0"}, q.PageLinks())
}

func TestJoinMany(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{
		Select: []string{"name"},
		Join:   map[string]*QueryObject{"posts": {Select: []string{"title"}}},
	}, authors)
	require.NoError(t, err)

	rows, err := q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []Row{{"id": int64(10), "title": "a1"}, {"id": int64(11), "title": "a2"}}, rows[0]["posts"])
	assert.Equal(t, []Row{{"id": int64(12), "title": "b1"}}, rows[1]["posts"])
	assert.Equal(t, []Row{}, rows[2]["posts"])
}

type countingConn struct {
	Conn
	queries []string
}

func (c *countingConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.queries = append(c.queries, query)
	return c.Conn.QueryContext(ctx, query, args...)
}

func TestJoinLoadsEveryParentInOneQuery(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{Join: map[string]*QueryObject{"posts": {Select: []string{"title"}}}}, authors)
	require.NoError(t, err)

	counting := &countingConn{Conn: conn}
	rows, err := q.FetchAll(context.Background(), counting)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, counting.queries, 2)
	assert.Contains(t, counting.queries[1], `"author_id" IN (?,?,?)`)
}

func TestJoinOneAndNestedLimit(t *testing.T) {
	conn, authors, posts := fixture(t)
	q, err := New(&QueryObject{
		Select: []string{"title"},
		Join:   map[string]*QueryObject{"author": {Select: []string{"name"}}},
	}, posts)
	require.NoError(t, err)

	rows, err := q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Row{"id": int64(1), "name": "ann"}, rows[0]["author"])
	_, hasFK := rows[0]["author_id"]
	assert.False(t, hasFK, "join key is fetched but not returned")

	q, err = New(&QueryObject{Join: map[string]*QueryObject{"posts": {Limit: 1, Sort: []string{"id-"}}}}, authors)
	require.NoError(t, err)
	rows, err = q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, rows[0]["posts"], 1)
	assert.Equal(t, int64(11), rows[0]["posts"].([]Row)[0]["id"])
}

func TestCustomizerSeesLevels(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{Join: map[string]*QueryObject{"posts": nil}}, authors)
	require.NoError(t, err)

	var levels []int
	q.Customize(func(q *Query, stmt sqlexpr.Select) sqlexpr.Select {
		levels = append(levels, q.Level)
		if q.Level == 0 {
			return stmt.Where(sqlexpr.Eq("hidden", 0))
		}
		return stmt
	})

	rows, err := q.FetchAll(context.Background(), conn)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, []int{0, 1}, levels)
}

func TestFetchOne(t *testing.T) {
	conn, authors, _ := fixture(t)
	ctx := context.Background()

	q, err := New(&QueryObject{Filter: map[string]any{"name": "ann"}}, authors)
	require.NoError(t, err)
	row, err := q.FetchOne(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "ann", row["name"])

	q, err = New(&QueryObject{Filter: map[string]any{"name": "nobody"}}, authors)
	require.NoError(t, err)
	_, err = q.FetchOne(ctx, conn)
	assert.ErrorIs(t, err, ErrNoResults)

	q, err = New(&QueryObject{Filter: map[string]any{"hidden": 0}}, authors)
	require.NoError(t, err)
	_, err = q.FetchOne(ctx, conn)
	assert.ErrorIs(t, err, ErrMultipleResults)
}

func TestCount(t *testing.T) {
	conn, authors, _ := fixture(t)
	q, err := New(&QueryObject{
		Filter: map[string]any{"$or": []any{map[string]any{"name": "ann"}, map[string]any{"name": "bob"}}},
		Limit:  1,
	}, authors)
	require.NoError(t, err)

	n, err := q.Count(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInvalidQueries(t *testing.T) {
	_, authors, _ := fixture(t)
	for name, obj := range map[string]*QueryObject{
		"select":   {Select: []string{"nope"}},
		"filter":   {Filter: map[string]any{"nope": 1}},
		"operator": {Filter: map[string]any{"id": map[string]any{"$regex": "x"}}},
		"sort":     {Sort: []string{"nope-"}},
		"join":     {Join: map[string]*QueryObject{"nope": nil}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(obj, authors)
			var invalid *InvalidQueryError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestFromValues(t *testing.T) {
	values := url.Values{}
	values.Set("select", "id,name")
	values.Set("filter", `{"id": {"$in": [1, 2]}}`)
	values.Set("sort", `["name-"]`)
	values.Set("limit", "10")
	values.Set("join", "posts")
	values.Set("cursor", "skip:20")

	obj, err := FromValues(values)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, obj.Select)
	assert.Equal(t, []string{"name-"}, obj.Sort)
	assert.Equal(t, 10, obj.Limit)
	assert.Equal(t, 20, obj.Skip)
	assert.Contains(t, obj.Join, "posts")
	assert.Equal(t, map[string]any{"id": map[string]any{"$in": []any{float64(1), float64(2)}}}, obj.Filter)

	values.Set("limit", "-1")
	_, err = FromValues(values)
	assert.Error(t, err)
}
