package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	gqlgen "github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/service"
	"github.com/rpattn/crudql/internal/session"
)

type resolver func(ctx context.Context, x *execution, f gqlgen.CollectedField, args map[string]any) (any, error)

// binding connects a schema type to a CRUD resource.
type binding[E any] struct {
	typeName string
	pageType string
	model    string
	handler  func(ctx context.Context, sess *session.Session, args map[string]any, obj *queryobject.QueryObject) (*crud.Handler[E], error)
}

func (s *executableSchema) rootResolvers() map[string]resolver {
	users := binding[domain.User]{
		typeName: "User",
		pageType: "UserPage",
		model:    domain.UserModel.Name(),
		handler:  s.userHandler,
	}
	articles := binding[domain.Article]{
		typeName: "Article",
		pageType: "ArticlePage",
		model:    domain.ArticleModel.Name(),
		handler:  s.articleHandler,
	}
	return map[string]resolver{
		"users":           listField(users),
		"user":            getField(users),
		"countUsers":      countField(users),
		"articles":        listField(articles),
		"article":         getField(articles),
		"countArticles":   countField(articles),
		"createUser":      mutationField(users, create[domain.User]),
		"updateUser":      mutationField(users, update[domain.User]),
		"updateUserId":    mutationField(users, updateID[domain.User]),
		"saveUser":        mutationField(users, save[domain.User]),
		"deleteUser":      mutationField(users, remove[domain.User]),
		"createArticle":   mutationField(articles, create[domain.Article]),
		"updateArticleId": mutationField(articles, updateID[domain.Article]),
		"deleteArticle":   mutationField(articles, remove[domain.Article]),
	}
}

func (s *executableSchema) userHandler(ctx context.Context, sess *session.Session, args map[string]any, obj *queryobject.QueryObject) (*crud.Handler[domain.User], error) {
	p, _ := auth.PrincipalFromContext(ctx)
	params := domain.NewUserParams(p)
	if v, ok := args["id"]; ok {
		id, err := intArg("id", v)
		if err != nil {
			return nil, err
		}
		params.WithID(id)
	}
	return s.registry.Users.Handler(sess, params, obj)
}

func (s *executableSchema) articleHandler(ctx context.Context, sess *session.Session, args map[string]any, obj *queryobject.QueryObject) (*crud.Handler[domain.Article], error) {
	params := domain.NewArticleParams()
	if v, ok := args["id"]; ok {
		id, err := intArg("id", v)
		if err != nil {
			return nil, err
		}
		params.Set(id)
	}
	if v := args["user_id"]; v != nil {
		userID, err := intArg("user_id", v)
		if err != nil {
			return nil, err
		}
		params.UserID = &userID
	}
	return s.registry.Articles.Handler(sess, params, obj)
}

// withHandler runs fn in a fresh transaction, translating database errors
// for the resource's model.
func withHandler[E any](ctx context.Context, x *execution, b binding[E], args map[string]any, obj *queryobject.QueryObject, fn func(*crud.Handler[E]) error) error {
	return crud.Converting(b.model, func() error {
		return x.conn.WithSession(ctx, func(sess *session.Session) error {
			h, err := b.handler(ctx, sess, args, obj)
			if err != nil {
				return err
			}
			return fn(h)
		})
	})
}

func listField[E any](b binding[E]) resolver {
	return func(ctx context.Context, x *execution, f gqlgen.CollectedField, args map[string]any) (any, error) {
		obj, err := x.queryObject(b.typeName, x.childSelections(f.Selections, b.pageType, "items"), args)
		if err != nil {
			return nil, err
		}
		var rows []queryobject.Row
		var links queryobject.PageLinks
		err = withHandler(ctx, x, b, args, obj, func(h *crud.Handler[E]) error {
			if rows, err = h.List(ctx); err != nil {
				return err
			}
			links = h.PageLinks()
			return nil
		})
		if err != nil {
			return nil, err
		}

		page := gqlgen.CollectFields(x.op, f.Selections, []string{b.pageType})
		out := newObject(len(page))
		for _, pf := range page {
			switch pf.Name {
			case "__typename":
				out.set(pf.Alias, b.pageType)
			case "items":
				out.set(pf.Alias, x.renderRows(b.typeName, pf.Selections, rows))
			case "page_links":
				out.set(pf.Alias, x.renderLinks(pf.Selections, links))
			}
		}
		return out, nil
	}
}

func getField[E any](b binding[E]) resolver {
	return func(ctx context.Context, x *execution, f gqlgen.CollectedField, args map[string]any) (any, error) {
		obj, err := x.queryObject(b.typeName, f.Selections, nil)
		if err != nil {
			return nil, err
		}
		var row queryobject.Row
		err = withHandler(ctx, x, b, args, obj, func(h *crud.Handler[E]) error {
			row, err = h.Get(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return x.renderRow(b.typeName, f.Selections, row), nil
	}
}

func countField[E any](b binding[E]) resolver {
	return func(ctx context.Context, x *execution, f gqlgen.CollectedField, args map[string]any) (any, error) {
		obj := &queryobject.QueryObject{}
		if err := applyArgs(obj, args); err != nil {
			return nil, err
		}
		var n int
		err := withHandler(ctx, x, b, args, obj, func(h *crud.Handler[E]) error {
			var err error
			n, err = h.Count(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

type mutation[E any] func(ctx context.Context, h *crud.Handler[E], input crud.Input) (queryobject.Row, error)

func create[E any](ctx context.Context, h *crud.Handler[E], input crud.Input) (queryobject.Row, error) {
	return h.CreateReturning(ctx, input)
}

func update[E any](ctx context.Context, h *crud.Handler[E], input crud.Input) (queryobject.Row, error) {
	return h.UpdateReturning(ctx, input)
}

func updateID[E any](ctx context.Context, h *crud.Handler[E], input crud.Input) (queryobject.Row, error) {
	return h.UpdateIDReturning(ctx, input)
}

func save[E any](ctx context.Context, h *crud.Handler[E], input crud.Input) (queryobject.Row, error) {
	return h.CreateOrUpdateReturning(ctx, input)
}

func remove[E any](ctx context.Context, h *crud.Handler[E], _ crud.Input) (queryobject.Row, error) {
	return h.DeleteReturning(ctx)
}

func mutationField[E any](b binding[E], op mutation[E]) resolver {
	return func(ctx context.Context, x *execution, f gqlgen.CollectedField, args map[string]any) (any, error) {
		obj, err := x.queryObject(b.typeName, f.Selections, nil)
		if err != nil {
			return nil, err
		}
		input, _ := args["input"].(map[string]any)
		var row queryobject.Row
		err = withHandler(ctx, x, b, args, obj, func(h *crud.Handler[E]) error {
			row, err = op(ctx, h, crud.Input(input))
			return err
		})
		if err != nil {
			return nil, err
		}
		return x.renderRow(b.typeName, f.Selections, row), nil
	}
}

// childSelections merges the selections of every field named name.
func (x *execution) childSelections(sel ast.SelectionSet, typeName, name string) ast.SelectionSet {
	var out ast.SelectionSet
	for _, f := range gqlgen.CollectFields(x.op, sel, []string{typeName}) {
		if f.Name == name {
			out = append(out, f.Selections...)
		}
	}
	return out
}

// queryObject derives a query object from a selection set: scalar fields
// become the selected columns, object fields become joins carrying their
// own arguments.
func (x *execution) queryObject(typeName string, sel ast.SelectionSet, args map[string]any) (*queryobject.QueryObject, error) {
	obj := &queryobject.QueryObject{}
	if err := applyArgs(obj, args); err != nil {
		return nil, err
	}
	def := schema.Types[typeName]
	for _, f := range gqlgen.CollectFields(x.op, sel, []string{typeName}) {
		fd := def.Fields.ForName(f.Name)
		if f.Name == "__typename" || fd == nil {
			continue
		}
		target := schema.Types[fd.Type.Name()]
		if target == nil || target.Kind != ast.Object {
			obj.Select = append(obj.Select, f.Name)
			continue
		}
		if _, dup := obj.Join[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s.%s may be selected only once", service.ErrBadRequest, typeName, f.Name)
		}
		child, err := x.queryObject(target.Name, f.Selections, argumentMap(x.op, f))
		if err != nil {
			return nil, err
		}
		if obj.Join == nil {
			obj.Join = make(map[string]*queryobject.QueryObject)
		}
		obj.Join[f.Name] = child
	}
	return obj, nil
}

func (x *execution) renderRow(typeName string, sel ast.SelectionSet, row queryobject.Row) any {
	if row == nil {
		return nil
	}
	def := schema.Types[typeName]
	fields := gqlgen.CollectFields(x.op, sel, []string{typeName})
	out := newObject(len(fields))
	for _, f := range fields {
		if f.Name == "__typename" {
			out.set(f.Alias, typeName)
			continue
		}
		switch v := row[f.Name].(type) {
		case queryobject.Row:
			out.set(f.Alias, x.renderRow(def.Fields.ForName(f.Name).Type.Name(), f.Selections, v))
		case []queryobject.Row:
			out.set(f.Alias, x.renderRows(def.Fields.ForName(f.Name).Type.Name(), f.Selections, v))
		default:
			out.set(f.Alias, v)
		}
	}
	return out
}

func (x *execution) renderRows(typeName string, sel ast.SelectionSet, rows []queryobject.Row) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = x.renderRow(typeName, sel, row)
	}
	return out
}

func (x *execution) renderLinks(sel ast.SelectionSet, links queryobject.PageLinks) *object {
	fields := gqlgen.CollectFields(x.op, sel, []string{"PageLinks"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "PageLinks")
		case "prev":
			out.set(f.Alias, nullable(links.Prev))
		case "next":
			out.set(f.Alias, nullable(links.Next))
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func applyArgs(obj *queryobject.QueryObject, args map[string]any) error {
	if v := args["filter"]; v != nil {
		filter, err := filterArg(v)
		if err != nil {
			return err
		}
		obj.Filter = filter
	}
	if v, ok := args["sort"].([]any); ok {
		for _, s := range v {
			if s, ok := s.(string); ok {
				obj.Sort = append(obj.Sort, s)
			}
		}
	}
	for name, dst := range map[string]*int{"skip": &obj.Skip, "limit": &obj.Limit} {
		v := args[name]
		if v == nil {
			continue
		}
		n, err := intArg(name, v)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %s must not be negative", service.ErrBadRequest, name)
		}
		*dst = int(n)
	}
	if v, ok := args["cursor"].(string); ok && v != "" {
		if err := obj.ApplyCursor(v); err != nil {
			return fmt.Errorf("%w: %v", service.ErrBadRequest, err)
		}
	}
	return nil
}

func filterArg(v any) (map[string]any, error) {
	switch f := v.(type) {
	case map[string]any:
		return f, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(f), &out); err != nil {
			return nil, fmt.Errorf("%w: filter is not a JSON object: %v", service.ErrBadRequest, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: filter must be an object", service.ErrBadRequest)
}

func intArg(name string, v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), nil
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer", service.ErrBadRequest, name)
}
