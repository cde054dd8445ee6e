package service_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/service"
	"github.com/rpattn/crudql/internal/session"
	"github.com/rpattn/crudql/internal/testutil"
)

var (
	adminPrincipal  = auth.Principal{UserID: 1, Role: auth.RoleAdmin}
	memberPrincipal = auth.Principal{UserID: 2, Role: auth.RoleUser}
)

type env struct {
	sess     *session.Session
	users    *service.Users
	articles *service.Articles
	logs     *bytes.Buffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	return &env{
		sess:     testutil.Session(t, testutil.OpenSQLite(t)),
		users:    service.NewUsers(nil, logger),
		articles: service.NewArticles(nil, logger),
		logs:     logs,
	}
}

func (e *env) userHandler(t *testing.T, p auth.Principal, id int64) *crud.Handler[domain.User] {
	t.Helper()
	params := domain.NewUserParams(p)
	if id != 0 {
		params.WithID(id)
	}
	h, err := e.users.Handler(e.sess, params, nil)
	require.NoError(t, err)
	return h
}

func (e *env) articleRows(t *testing.T) []queryobject.Row {
	t.Helper()
	obj := &queryobject.QueryObject{Select: []string{"user_id", "slug", "text"}, Sort: []string{"id"}}
	h, err := e.articles.Handler(e.sess, domain.NewArticleParams(), obj)
	require.NoError(t, err)
	rows, err := h.List(context.Background())
	require.NoError(t, err)
	return rows
}

func slugs(rows []queryobject.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r["slug"].(string)
	}
	return out
}

func TestNormalizeLogin(t *testing.T) {
	e := newEnv(t)
	ctx := auth.ContextWithPrincipal(context.Background(), adminPrincipal)

	row, err := e.userHandler(t, adminPrincipal, 0).CreateReturning(ctx, crud.Input{"is_admin": false, "login": "  John.Doe "})
	require.NoError(t, err)
	assert.Equal(t, "john.doe", row["login"])

	row, err = e.userHandler(t, adminPrincipal, 1).UpdateIDReturning(ctx, crud.Input{"login": "   "})
	require.NoError(t, err)
	assert.Nil(t, row["login"])
}

func TestGuardAdminFlag(t *testing.T) {
	e := newEnv(t)
	admin := auth.ContextWithPrincipal(context.Background(), adminPrincipal)
	member := auth.ContextWithPrincipal(context.Background(), memberPrincipal)

	_, err := e.userHandler(t, memberPrincipal, 0).Create(member, crud.Input{"is_admin": true})
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = e.userHandler(t, memberPrincipal, 0).Create(member, crud.Input{"is_admin": false, "name": "m"})
	require.NoError(t, err)

	_, err = e.userHandler(t, memberPrincipal, 1).UpdateID(member, crud.Input{"is_admin": true})
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = e.userHandler(t, memberPrincipal, 1).UpdateID(member, crud.Input{"is_admin": false, "name": "n"})
	require.NoError(t, err, "unchanged flag is allowed")

	_, err = e.userHandler(t, adminPrincipal, 1).UpdateID(admin, crud.Input{"is_admin": true})
	require.NoError(t, err)
}

func TestAuditUserChanges(t *testing.T) {
	e := newEnv(t)
	ctx := auth.ContextWithPrincipal(context.Background(), adminPrincipal)

	_, err := e.userHandler(t, adminPrincipal, 0).Create(ctx, crud.Input{"is_admin": false, "tags": []any{"a"}})
	require.NoError(t, err)
	_, err = e.userHandler(t, adminPrincipal, 1).UpdateID(ctx, crud.Input{"tags": []any{"a", "b"}})
	require.NoError(t, err)
	_, err = e.userHandler(t, adminPrincipal, 1).Delete(ctx)
	require.NoError(t, err)

	out := e.logs.String()
	assert.Contains(t, out, `"msg":"user created"`)
	assert.Contains(t, out, `"msg":"user updated"`)
	assert.Contains(t, out, `"field":"tags"`)
	assert.Contains(t, out, `"msg":"user deleted"`)
}

func TestSaveArticles(t *testing.T) {
	e := newEnv(t)
	ctx := auth.ContextWithPrincipal(context.Background(), adminPrincipal)

	pk, err := e.userHandler(t, adminPrincipal, 0).Create(ctx, crud.Input{
		"is_admin": false,
		"articles": []any{
			map[string]any{"slug": "Hello World", "text": "first"},
		},
	})
	require.NoError(t, err)
	rows := e.articleRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, pk["id"], rows[0]["user_id"])
	assert.Equal(t, "hello-world", rows[0]["slug"])
	assert.Equal(t, "first", rows[0]["text"])

	_, err = e.userHandler(t, adminPrincipal, 1).UpdateID(ctx, crud.Input{
		"new_articles": []any{map[string]any{"slug": "second"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello-world", "second"}, slugs(e.articleRows(t)))

	_, err = e.userHandler(t, adminPrincipal, 1).UpdateID(ctx, crud.Input{
		"articles": []any{map[string]any{"slug": "hello world"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello-world"}, slugs(e.articleRows(t)), "replacing may reuse a slug")

	_, err = e.userHandler(t, adminPrincipal, 1).UpdateID(ctx, crud.Input{"articles": nil})
	require.NoError(t, err)
	assert.Empty(t, e.articleRows(t))
}

func TestSaveArticlesRejectsBadInput(t *testing.T) {
	cases := map[string]crud.Input{
		"owner":     {"is_admin": false, "articles": []any{map[string]any{"slug": "a", "user_id": 9}}},
		"not list":  {"is_admin": false, "articles": "a"},
		"not items": {"is_admin": false, "new_articles": []any{"a"}},
		"field":     {"is_admin": false, "new_articles": []any{map[string]any{"title": "a"}}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			ctx := auth.ContextWithPrincipal(context.Background(), adminPrincipal)
			_, err := e.userHandler(t, adminPrincipal, 0).Create(ctx, input)
			assert.ErrorIs(t, err, crud.ErrInvalidField)
		})
	}
}

func TestListUsersWithArticles(t *testing.T) {
	e := newEnv(t)
	ctx := auth.ContextWithPrincipal(context.Background(), adminPrincipal)
	_, err := e.userHandler(t, adminPrincipal, 0).Create(ctx, crud.Input{
		"is_admin": false,
		"login":    "writer",
		"articles": []any{map[string]any{"slug": "a"}, map[string]any{"slug": "b"}},
	})
	require.NoError(t, err)

	obj := &queryobject.QueryObject{
		Select: []string{"login"},
		Join:   map[string]*queryobject.QueryObject{"articles": {Select: []string{"slug"}, Sort: []string{"slug-"}}},
	}
	h, err := e.users.Handler(e.sess, domain.NewUserParams(adminPrincipal), obj)
	require.NoError(t, err)
	rows, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"b", "a"}, slugs(rows[0]["articles"].([]queryobject.Row)))
}

func TestErrorCode(t *testing.T) {
	tests := map[string]error{
		service.CodeNotFound:            &crud.NotFoundError{Model: "User"},
		service.CodeMultipleResults:     &crud.MultipleMatchesError{Model: "User"},
		service.CodeInvalidField:        &crud.InvalidFieldError{Field: "x"},
		service.CodeValueConflict:       &crud.ValueConflictError{},
		service.CodeConstraintViolation: &crud.ConstraintViolationError{Kind: "check"},
		service.CodeForbidden:           service.ErrForbidden,
		service.CodeBadRequest:          &queryobject.InvalidQueryError{Table: "users", Field: "x"},
		service.CodeInternal:            &session.ConstraintError{Kind: session.Unique},
	}
	for want, err := range tests {
		assert.Equal(t, want, service.ErrorCode(err), want)
	}
	assert.Equal(t, service.CodeBadRequest, service.ErrorCode(crud.ErrIncompleteIdentity))
	assert.Equal(t, service.CodeBadRequest, service.ErrorCode(fmt.Errorf("%w: bad sort", service.ErrBadRequest)))
}
