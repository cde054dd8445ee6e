// Package graphql serves the CRUD resources over GraphQL. gqlgen's handler
// parses, validates and transports requests; the executable schema here
// resolves each root field in its own transaction, turning its selection
// set into the query object of the read that answers it.
package graphql

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	gqlgen "github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/extension"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/service"
)

//go:embed schema.graphqls
var schemaSDL string

var schema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSDL})

// NewServer returns the GraphQL HTTP handler. It answers GET queries and
// JSON POSTs, with introspection enabled.
func NewServer(conn *db.Connection, registry *service.Registry, logger *slog.Logger) *handler.Server {
	es := newExecutableSchema(conn, registry, logger)
	srv := handler.New(es)
	srv.AddTransport(transport.GET{})
	srv.AddTransport(transport.POST{})
	srv.Use(extension.Introspection{})
	srv.SetErrorPresenter(es.presentError)
	srv.SetRecoverFunc(es.recoverPanic)
	return srv
}

type executableSchema struct {
	conn      *db.Connection
	registry  *service.Registry
	logger    *slog.Logger
	resolvers map[string]resolver
}

var _ gqlgen.ExecutableSchema = (*executableSchema)(nil)

// newExecutableSchema binds the schema's root fields to the registry's
// resources.
func newExecutableSchema(conn *db.Connection, registry *service.Registry, logger *slog.Logger) *executableSchema {
	if logger == nil {
		logger = slog.Default()
	}
	es := &executableSchema{conn: conn, registry: registry, logger: logger}
	es.resolvers = es.rootResolvers()
	return es
}

func (es *executableSchema) Schema() *ast.Schema {
	return schema
}

func (es *executableSchema) Complexity(ctx context.Context, typeName, field string, childComplexity int, args map[string]any) (int, bool) {
	return 0, false
}

func (es *executableSchema) Exec(ctx context.Context) gqlgen.ResponseHandler {
	opCtx := gqlgen.GetOperationContext(ctx)
	x := &execution{executableSchema: es, op: opCtx}

	var root string
	switch opCtx.Operation.Operation {
	case ast.Query:
		root = "Query"
	case ast.Mutation:
		root = "Mutation"
	default:
		return gqlgen.OneShot(gqlgen.ErrorResponse(ctx, "unsupported GraphQL operation"))
	}

	first := true
	return func(ctx context.Context) *gqlgen.Response {
		if !first {
			return nil
		}
		first = false
		return &gqlgen.Response{Data: x.run(ctx, root)}
	}
}

// presentError classifies resolver errors with extensions.code. Internal
// errors are logged and masked; parse and validation errors pass through.
func (es *executableSchema) presentError(ctx context.Context, err error) *gqlerror.Error {
	gerr := gqlgen.DefaultErrorPresenter(ctx, err)
	cause := gerr.Unwrap()
	if cause == nil {
		return gerr
	}
	if _, ok := gerr.Extensions["code"]; ok {
		return gerr
	}

	code := service.ErrorCode(cause)
	if gerr.Extensions == nil {
		gerr.Extensions = make(map[string]any)
	}
	gerr.Extensions["code"] = code

	var invalid *crud.InvalidFieldError
	switch {
	case code == service.CodeInternal:
		es.logger.ErrorContext(ctx, "graphql resolver failed", "path", gerr.Path.String(), "error", cause)
		gerr.Message = "internal error"
	case errors.As(cause, &invalid):
		gerr.Extensions["field"] = invalid.Field
	}
	return gerr
}

func (es *executableSchema) recoverPanic(ctx context.Context, v any) error {
	es.logger.ErrorContext(ctx, "graphql resolver panicked", "panic", v)
	return gqlerror.Errorf("internal system error")
}

type execution struct {
	*executableSchema
	op *gqlgen.OperationContext
}

// run resolves the root fields in order; mutations therefore execute
// serially.
func (x *execution) run(ctx context.Context, root string) json.RawMessage {
	fields := gqlgen.CollectFields(x.op, x.op.Operation.SelectionSet, []string{root})
	data := newObject(len(fields))
	nullData := false

	for _, f := range fields {
		value, err := x.resolveRoot(ctx, root, f)
		if err != nil {
			if f.Definition != nil && f.Definition.Type.NonNull {
				nullData = true
			}
			data.set(f.Alias, nil)
			continue
		}
		data.set(f.Alias, value)
	}

	if nullData {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		gqlgen.AddError(ctx, fmt.Errorf("failed to encode graphql response: %w", err))
		return json.RawMessage("null")
	}
	return raw
}

// resolveRoot runs one root field through the field middleware. Errors are
// recorded on the response at the field's path.
func (x *execution) resolveRoot(ctx context.Context, root string, f gqlgen.CollectedField) (value any, err error) {
	fc := &gqlgen.FieldContext{
		Object:     root,
		Field:      f,
		Args:       argumentMap(x.op, f),
		IsMethod:   true,
		IsResolver: true,
	}
	ctx = gqlgen.WithFieldContext(ctx, fc)
	defer func() {
		if r := recover(); r != nil {
			err = x.op.Recover(ctx, r)
			x.op.Error(ctx, err)
		}
	}()

	value, err = x.op.ResolverMiddleware(ctx, func(ctx context.Context) (any, error) {
		return x.resolveField(ctx, root, f, fc.Args)
	})
	if err != nil {
		x.op.Error(ctx, err)
		return nil, err
	}
	fc.Result = value
	return value, nil
}

func (x *execution) resolveField(ctx context.Context, root string, f gqlgen.CollectedField, args map[string]any) (any, error) {
	switch f.Name {
	case "__typename":
		return root, nil
	case "__schema", "__type":
		if x.op.DisableIntrospection {
			return nil, fmt.Errorf("%w: introspection disabled", service.ErrBadRequest)
		}
		return x.introspect(f, args), nil
	}
	fn, ok := x.resolvers[f.Name]
	if !ok {
		return nil, fmt.Errorf("no resolver for %s.%s", root, f.Name)
	}
	return fn(ctx, x, f, args)
}

// argumentMap resolves a field's arguments against the operation's
// variables, with JSON numbers normalized like REST input.
func argumentMap(op *gqlgen.OperationContext, f gqlgen.CollectedField) map[string]any {
	if f.Definition == nil {
		return map[string]any{}
	}
	args := f.ArgumentMap(op.Variables)
	crud.NormalizeNumbers(args)
	return args
}
