package graphql

import (
	gqlgen "github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/introspection"
	"github.com/vektah/gqlparser/v2/ast"
)

// introspect answers __schema and __type from gqlgen's introspection
// wrappers over the loaded schema.
func (x *execution) introspect(f gqlgen.CollectedField, args map[string]any) any {
	if f.Name == "__schema" {
		return x.schemaObject(f.Selections, introspection.WrapSchema(schema))
	}
	name, _ := args["name"].(string)
	def := schema.Types[name]
	if def == nil {
		return nil
	}
	return x.typeObject(f.Selections, introspection.WrapTypeFromDef(schema, def))
}

func (x *execution) includeDeprecated(f gqlgen.CollectedField) bool {
	v, _ := f.ArgumentMap(x.op.Variables)["includeDeprecated"].(bool)
	return v
}

func (x *execution) schemaObject(sel ast.SelectionSet, s *introspection.Schema) any {
	fields := gqlgen.CollectFields(x.op, sel, []string{"__Schema"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "__Schema")
		case "description":
			out.set(f.Alias, s.Description())
		case "types":
			out.set(f.Alias, x.typeList(f.Selections, s.Types()))
		case "queryType":
			out.set(f.Alias, x.typeObject(f.Selections, s.QueryType()))
		case "mutationType":
			out.set(f.Alias, x.typeObject(f.Selections, s.MutationType()))
		case "subscriptionType":
			out.set(f.Alias, x.typeObject(f.Selections, s.SubscriptionType()))
		case "directives":
			directives := s.Directives()
			list := make([]any, len(directives))
			for i := range directives {
				list[i] = x.directiveObject(f.Selections, &directives[i])
			}
			out.set(f.Alias, list)
		}
	}
	return out
}

func (x *execution) typeList(sel ast.SelectionSet, types []introspection.Type) []any {
	list := make([]any, len(types))
	for i := range types {
		list[i] = x.typeObject(sel, &types[i])
	}
	return list
}

func (x *execution) typeObject(sel ast.SelectionSet, t *introspection.Type) any {
	if t == nil {
		return nil
	}
	fields := gqlgen.CollectFields(x.op, sel, []string{"__Type"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "__Type")
		case "kind":
			out.set(f.Alias, t.Kind())
		case "name":
			out.set(f.Alias, t.Name())
		case "description":
			out.set(f.Alias, t.Description())
		case "specifiedByURL":
			out.set(f.Alias, t.SpecifiedByURL())
		case "fields":
			defs := t.Fields(x.includeDeprecated(f))
			list := make([]any, len(defs))
			for i := range defs {
				list[i] = x.fieldObject(f.Selections, &defs[i])
			}
			out.set(f.Alias, list)
		case "interfaces":
			out.set(f.Alias, x.typeList(f.Selections, t.Interfaces()))
		case "possibleTypes":
			out.set(f.Alias, x.typeList(f.Selections, t.PossibleTypes()))
		case "enumValues":
			values := t.EnumValues(x.includeDeprecated(f))
			list := make([]any, len(values))
			for i := range values {
				list[i] = x.enumValueObject(f.Selections, &values[i])
			}
			out.set(f.Alias, list)
		case "inputFields":
			out.set(f.Alias, x.inputValueList(f.Selections, t.InputFields()))
		case "ofType":
			out.set(f.Alias, x.typeObject(f.Selections, t.OfType()))
		case "isOneOf":
			out.set(f.Alias, t.IsOneOf())
		}
	}
	return out
}

func (x *execution) fieldObject(sel ast.SelectionSet, fd *introspection.Field) any {
	fields := gqlgen.CollectFields(x.op, sel, []string{"__Field"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "__Field")
		case "name":
			out.set(f.Alias, fd.Name)
		case "description":
			out.set(f.Alias, fd.Description())
		case "args":
			out.set(f.Alias, x.inputValueList(f.Selections, fd.Args))
		case "type":
			out.set(f.Alias, x.typeObject(f.Selections, fd.Type))
		case "isDeprecated":
			out.set(f.Alias, fd.IsDeprecated())
		case "deprecationReason":
			out.set(f.Alias, fd.DeprecationReason())
		}
	}
	return out
}

func (x *execution) inputValueList(sel ast.SelectionSet, values []introspection.InputValue) []any {
	list := make([]any, len(values))
	for i := range values {
		v := &values[i]
		fields := gqlgen.CollectFields(x.op, sel, []string{"__InputValue"})
		out := newObject(len(fields))
		for _, f := range fields {
			switch f.Name {
			case "__typename":
				out.set(f.Alias, "__InputValue")
			case "name":
				out.set(f.Alias, v.Name)
			case "description":
				out.set(f.Alias, v.Description())
			case "type":
				out.set(f.Alias, x.typeObject(f.Selections, v.Type))
			case "defaultValue":
				out.set(f.Alias, v.DefaultValue)
			case "isDeprecated":
				out.set(f.Alias, v.IsDeprecated())
			case "deprecationReason":
				out.set(f.Alias, v.DeprecationReason())
			}
		}
		list[i] = out
	}
	return list
}

func (x *execution) enumValueObject(sel ast.SelectionSet, v *introspection.EnumValue) any {
	fields := gqlgen.CollectFields(x.op, sel, []string{"__EnumValue"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "__EnumValue")
		case "name":
			out.set(f.Alias, v.Name)
		case "description":
			out.set(f.Alias, v.Description())
		case "isDeprecated":
			out.set(f.Alias, v.IsDeprecated())
		case "deprecationReason":
			out.set(f.Alias, v.DeprecationReason())
		}
	}
	return out
}

func (x *execution) directiveObject(sel ast.SelectionSet, d *introspection.Directive) any {
	fields := gqlgen.CollectFields(x.op, sel, []string{"__Directive"})
	out := newObject(len(fields))
	for _, f := range fields {
		switch f.Name {
		case "__typename":
			out.set(f.Alias, "__Directive")
		case "name":
			out.set(f.Alias, d.Name)
		case "description":
			out.set(f.Alias, d.Description())
		case "locations":
			out.set(f.Alias, d.Locations)
		case "args":
			out.set(f.Alias, x.inputValueList(f.Selections, d.Args))
		case "isRepeatable":
			out.set(f.Alias, d.IsRepeatable)
		}
	}
	return out
}
