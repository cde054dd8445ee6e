package sqlexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBuildPostgres(t *testing.T) {
	stmt := From("users", "id", "login").
		Where(Eq("is_admin", false), In("id", 1, 2)).
		OrderBy(Order{Column: "login", Desc: true}).
		Page(10, 20)

	query, args, err := stmt.Build(Postgres)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "login" FROM "users" WHERE "is_admin" = $1 AND "id" IN ($2,$3) ORDER BY "login" DESC LIMIT 10 OFFSET 20`, query)
	assert.Equal(t, []any{false, 1, 2}, args)
}

func TestSelectOffsetWithoutLimit(t *testing.T) {
	query, _, err := From("users").Page(0, 5).Build(SQLite)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" LIMIT -1 OFFSET 5`, query)

	query, _, err = From("users").Page(0, 5).Build(Postgres)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "users" OFFSET 5`, query)
}

func TestSelectCount(t *testing.T) {
	query, args, err := From("users", "id").Where(Gt("id", 3)).Page(10, 0).BuildCount(Postgres)
	require.NoError(t, err)
	assert.Equal(t, `SELECT count(*) FROM "users" WHERE "id" > $1`, query)
	assert.Equal(t, []any{3}, args)
}

func TestSelectIsImmutable(t *testing.T) {
	base := From("users")
	filtered := base.Where(Eq("id", 1))
	assert.Empty(t, base.Filters)
	assert.Len(t, filtered.Filters, 1)
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		pred Predicate
		sql  string
		args []any
	}{
		{"eq nil", Eq("login", nil), `"login" IS NULL`, nil},
		{"noteq nil", NotEq("login", nil), `"login" IS NOT NULL`, nil},
		{"gte", Gte("id", 3), `"id" >= ?`, []any{3}},
		{"in", In("id", 1, 2), `"id" IN (?,?)`, []any{1, 2}},
		{"empty in", In("id"), `(1=0)`, nil},
		{"empty not in", NotIn("id"), `(1=1)`, nil},
		{"or", Or(Eq("a", 1), IsNull("b")), `("a" = ? OR "b" IS NULL)`, []any{1}},
		{"empty and", And(), `(1=1)`, nil},
		{"not", Not(Eq("a", 1)), `NOT ("a" = ?)`, []any{1}},
		{"raw", Raw("lower(login) = ?", "kevin"), `lower(login) = ?`, []any{"kevin"}},
		{"qualified", NotNull("users.login"), `"users"."login" IS NOT NULL`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, args, err := Render(SQLite, tc.pred)
			require.NoError(t, err)
			assert.Equal(t, tc.sql, query)
			if tc.args == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tc.args, args)
			}
		})
	}
}

func TestRenderPostgresNumbersPlaceholders(t *testing.T) {
	query, args, err := Render(Postgres, And(Eq("a", 1), Lt("b", 2)))
	require.NoError(t, err)
	assert.Equal(t, `("a" = $1 AND "b" < $2)`, query)
	assert.Equal(t, []any{1, 2}, args)
}

func TestMutationStatements(t *testing.T) {
	query, args, err := Insert(Postgres, "users", []string{"is_admin", "login"}, []any{false, "kevin"}, []string{"id", "login"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("is_admin","login") VALUES ($1,$2) RETURNING "id", "login"`, query)
	assert.Equal(t, []any{false, "kevin"}, args)

	query, _, err = Insert(SQLite, "users", nil, nil, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" DEFAULT VALUES RETURNING "id"`, query)

	query, args, err = Update(Postgres, "users", []string{"id", "name"}, []any{999, "x"}, []Predicate{Eq("id", 1)}, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "users" SET "id" = $1, "name" = $2 WHERE "id" = $3 RETURNING "id"`, query)
	assert.Equal(t, []any{999, "x", 1}, args)

	query, args, err = Delete(SQLite, "users", []Predicate{Eq("id", 1)})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" = ?`, query)
	assert.Equal(t, []any{1}, args)

	_, _, err = Update(SQLite, "users", nil, nil, []Predicate{Eq("id", 1)}, nil)
	assert.Error(t, err, "an update needs at least one column")
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}
