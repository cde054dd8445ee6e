package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/google/uuid"
)

type ctxKey string

const requestIDKey ctxKey = "requestID"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ResolverLoggerExtension logs resolver execution times
type ResolverLoggerExtension struct {
	Logger *slog.Logger
}

var _ interface {
	graphql.HandlerExtension
	graphql.FieldInterceptor
} = (*ResolverLoggerExtension)(nil)

// ExtensionName implements graphql.HandlerExtension
func (r *ResolverLoggerExtension) ExtensionName() string {
	return "ResolverLogger"
}

// Validate implements graphql.HandlerExtension
func (r *ResolverLoggerExtension) Validate(schema graphql.ExecutableSchema) error {
	return nil
}

// InterceptField logs each resolver duration and errors at debug level.
func (r *ResolverLoggerExtension) InterceptField(ctx context.Context, next graphql.Resolver) (res any, err error) {
	start := time.Now()
	res, err = next(ctx)
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fc := graphql.GetFieldContext(ctx)
	logger.DebugContext(ctx, "graphql field resolved",
		"request_id", RequestIDFromContext(ctx),
		"object", fc.Object,
		"field", fc.Field.Name,
		"elapsed", time.Since(start),
		"error", err,
	)
	return res, err
}

// responseWriter captures HTTP status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestIDFromContext returns the id LoggingMiddleware assigned.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggingMiddleware assigns every request an id, reusing a valid incoming
// X-Request-ID, and logs method, path, status and duration when it ends.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

			level := slog.LevelInfo
			if rw.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}
