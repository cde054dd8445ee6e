package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/99designs/gqlgen/graphql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
)

func TestLoggingMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	var seen string
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, logs.String(), "status=418")
	assert.Contains(t, logs.String(), "path=/api/users")
}

func TestLoggingMiddlewareKeepsValidIncomingID(t *testing.T) {
	id := uuid.NewString()
	h := LoggingMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, id, RequestIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	LoggingMiddleware(nil)(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(RequestIDHeader))
}

func TestResolverLoggerExtension(t *testing.T) {
	var logs bytes.Buffer
	ext := &ResolverLoggerExtension{Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	ctx := context.WithValue(context.Background(), requestIDKey, "req-1")
	ctx = graphql.WithFieldContext(ctx, &graphql.FieldContext{
		Object: "Query",
		Field:  graphql.CollectedField{Field: &ast.Field{Name: "users", Alias: "users"}},
	})
	res, err := ext.InterceptField(ctx, func(ctx context.Context) (any, error) {
		return "ok", errors.New("boom")
	})
	assert.Equal(t, "ok", res)
	assert.EqualError(t, err, "boom")

	out := logs.String()
	assert.Contains(t, out, "object=Query")
	assert.Contains(t, out, "field=users")
	assert.Contains(t, out, "request_id=req-1")
	assert.Contains(t, out, "error=boom")
}
