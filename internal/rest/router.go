// Package rest serves the CRUD resources as JSON over HTTP. Every request
// runs in its own transaction; mutations answer with the primary key of the
// instance they touched.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/export"
	"github.com/rpattn/crudql/internal/ingestion"
	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/service"
	"github.com/rpattn/crudql/internal/session"
)

const maxBodyBytes = 1 << 20

// Router routes /api/users and /api/articles.
type Router struct {
	conn     *db.Connection
	registry *service.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewRouter mounts both resources plus the users import and export
// endpoints.
func NewRouter(conn *db.Connection, registry *service.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{conn: conn, registry: registry, logger: logger, mux: http.NewServeMux()}

	users := resource[domain.User]{router: rt, model: domain.UserModel.Name(), handler: rt.userHandler}
	articles := resource[domain.Article]{router: rt, model: domain.ArticleModel.Name(), handler: rt.articleHandler}
	users.mount("/api/users")
	articles.mount("/api/articles")

	importer := ingestion.NewService(conn, registry.Users, logger)
	rt.mux.Handle("POST /api/users/import", ingestion.NewHTTPHandler(importer))
	rt.mux.Handle("POST /api/users/import/preview", ingestion.NewPreviewHandler(importer))
	rt.mux.Handle("GET /api/users/export", export.NewHTTPHandler(export.NewService(conn, registry.Users, export.WithLogger(logger))))
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) userHandler(ctx context.Context, sess *session.Session, r *http.Request, obj *queryobject.QueryObject) (*crud.Handler[domain.User], error) {
	p, _ := auth.PrincipalFromContext(ctx)
	params := domain.NewUserParams(p)
	if r.PathValue("id") != "" {
		id, err := pathID(r)
		if err != nil {
			return nil, err
		}
		params.WithID(id)
	}
	return rt.registry.Users.Handler(sess, params, obj)
}

func (rt *Router) articleHandler(_ context.Context, sess *session.Session, r *http.Request, obj *queryobject.QueryObject) (*crud.Handler[domain.Article], error) {
	params := domain.NewArticleParams()
	if r.PathValue("id") != "" {
		id, err := pathID(r)
		if err != nil {
			return nil, err
		}
		params.Set(id)
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid user_id %q", service.ErrBadRequest, raw)
		}
		params.UserID = &userID
	}
	return rt.registry.Articles.Handler(sess, params, obj)
}

// resource binds the CRUD routes of one model.
type resource[E any] struct {
	router  *Router
	model   string
	handler func(ctx context.Context, sess *session.Session, r *http.Request, obj *queryobject.QueryObject) (*crud.Handler[E], error)
}

// Page is the list response body.
type Page struct {
	Items     []queryobject.Row     `json:"items"`
	PageLinks queryobject.PageLinks `json:"page_links"`
}

func (res resource[E]) mount(prefix string) {
	mux := res.router.mux
	mux.HandleFunc("GET "+prefix, res.list)
	mux.HandleFunc("GET "+prefix+"/count", res.count)
	mux.HandleFunc("GET "+prefix+"/{id}", res.get)
	mux.HandleFunc("POST "+prefix, res.mutate(http.StatusCreated, true, (*crud.Handler[E]).Create))
	mux.HandleFunc("PUT "+prefix, res.mutate(http.StatusOK, true, (*crud.Handler[E]).Update))
	mux.HandleFunc("POST "+prefix+"/save", res.mutate(http.StatusOK, true, (*crud.Handler[E]).CreateOrUpdate))
	mux.HandleFunc("PATCH "+prefix+"/{id}", res.mutate(http.StatusOK, true, (*crud.Handler[E]).UpdateID))
	mux.HandleFunc("DELETE "+prefix+"/{id}", res.mutate(http.StatusOK, false, func(h *crud.Handler[E], ctx context.Context, _ crud.Input) (crud.PrimaryKey, error) {
		return h.Delete(ctx)
	}))
}

// run opens a transaction, builds the handler and translates database
// errors for the model.
func (res resource[E]) run(r *http.Request, obj *queryobject.QueryObject, fn func(*crud.Handler[E]) error) error {
	ctx := r.Context()
	return crud.Converting(res.model, func() error {
		return res.router.conn.WithSession(ctx, func(sess *session.Session) error {
			h, err := res.handler(ctx, sess, r, obj)
			if err != nil {
				return err
			}
			return fn(h)
		})
	})
}

func (res resource[E]) list(w http.ResponseWriter, r *http.Request) {
	obj, err := queryObject(r)
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	var page Page
	err = res.run(r, obj, func(h *crud.Handler[E]) error {
		rows, err := h.List(r.Context())
		if err != nil {
			return err
		}
		page = Page{Items: rows, PageLinks: h.PageLinks()}
		return nil
	})
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []queryobject.Row{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (res resource[E]) count(w http.ResponseWriter, r *http.Request) {
	obj, err := queryObject(r)
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	var n int
	err = res.run(r, obj, func(h *crud.Handler[E]) (err error) {
		n, err = h.Count(r.Context())
		return err
	})
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (res resource[E]) get(w http.ResponseWriter, r *http.Request) {
	obj, err := queryObject(r)
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	var row queryobject.Row
	err = res.run(r, obj, func(h *crud.Handler[E]) (err error) {
		row, err = h.Get(r.Context())
		return err
	})
	if err != nil {
		res.router.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (res resource[E]) mutate(status int, needsBody bool, op func(*crud.Handler[E], context.Context, crud.Input) (crud.PrimaryKey, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input crud.Input
		if needsBody {
			var err error
			if input, err = decodeInput(r.Body); err != nil {
				res.router.writeError(w, r, err)
				return
			}
		}
		var pk crud.PrimaryKey
		err := res.run(r, nil, func(h *crud.Handler[E]) (err error) {
			pk, err = op(h, r.Context(), input)
			return err
		})
		if err != nil {
			res.router.writeError(w, r, err)
			return
		}
		writeJSON(w, status, pk)
	}
}

func queryObject(r *http.Request) (*queryobject.QueryObject, error) {
	obj, err := queryobject.FromValues(r.URL.Query())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrBadRequest, err)
	}
	return obj, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", service.ErrBadRequest, raw)
	}
	return id, nil
}

// decodeInput reads a JSON object. Whole numbers become int64 and other
// numbers float64, so ids compare equal to stored values.
func decodeInput(body io.Reader) (crud.Input, error) {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", service.ErrBadRequest, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: request body must be a JSON object", service.ErrBadRequest)
	}
	return crud.Input(crud.NormalizeNumbers(raw).(map[string]any)), nil
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeInvalidField, service.CodeBadRequest:
		return http.StatusBadRequest
	case service.CodeValueConflict:
		return http.StatusConflict
	case service.CodeConstraintViolation:
		return http.StatusUnprocessableEntity
	case service.CodeForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.ErrorCode(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}
	var invalid *crud.InvalidFieldError
	if errors.As(err, &invalid) {
		detail.Field = invalid.Field
	}
	status := StatusFor(code)
	if code == service.CodeInternal {
		rt.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		detail.Message = "internal error"
	} else {
		rt.logger.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
