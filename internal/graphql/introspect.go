package graphql

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// introspection answers __schema and __type from the composed schema so
// GraphiQL can load it; no subgraph knows the whole supergraph.
type introspection struct {
	schema *ast.Schema
	vars   map[string]any
}

type object interface {
	typename() string
	resolve(f *ast.Field, args map[string]any) any
}

func (in *introspection) rootField(f *ast.Field) any {
	switch f.Name {
	case "__schema":
		return in.complete(schemaObject{in.schema}, f.SelectionSet)
	case "__type":
		name, _ := f.ArgumentMap(in.vars)["name"].(string)
		def := in.schema.Types[name]
		if def == nil {
			return nil
		}
		return in.complete(typeObject{s: in.schema, def: def}, f.SelectionSet)
	}
	return nil
}

func (in *introspection) complete(v any, sel ast.SelectionSet) any {
	switch t := v.(type) {
	case object:
		out := make(map[string]any)
		in.collect(t, sel, out)
		return out
	case []object:
		list := make([]any, len(t))
		for i, o := range t {
			list[i] = in.complete(o, sel)
		}
		return list
	default:
		return v
	}
}

func (in *introspection) collect(o object, sel ast.SelectionSet, out map[string]any) {
	for _, s := range sel {
		switch s := s.(type) {
		case *ast.Field:
			if s.Name == "__typename" {
				out[s.Alias] = o.typename()
				continue
			}
			out[s.Alias] = in.complete(o.resolve(s, s.ArgumentMap(in.vars)), s.SelectionSet)
		case *ast.InlineFragment:
			if s.TypeCondition == "" || s.TypeCondition == o.typename() {
				in.collect(o, s.SelectionSet, out)
			}
		case *ast.FragmentSpread:
			if s.Definition != nil && s.Definition.TypeCondition == o.typename() {
				in.collect(o, s.Definition.SelectionSet, out)
			}
		}
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func includeDeprecated(args map[string]any) bool {
	b, _ := args["includeDeprecated"].(bool)
	return b
}

func deprecation(list ast.DirectiveList) (bool, any) {
	d := list.ForName("deprecated")
	if d == nil {
		return false, nil
	}
	if a := d.Arguments.ForName("reason"); a != nil && a.Value != nil {
		return true, a.Value.Raw
	}
	return true, "No longer supported"
}

type schemaObject struct{ s *ast.Schema }

func (schemaObject) typename() string { return "__Schema" }

func (o schemaObject) resolve(f *ast.Field, _ map[string]any) any {
	switch f.Name {
	case "description":
		return optional(o.s.Description)
	case "types":
		names := make([]string, 0, len(o.s.Types))
		for n := range o.s.Types {
			names = append(names, n)
		}
		sort.Strings(names)
		out := make([]object, 0, len(names))
		for _, n := range names {
			out = append(out, typeObject{s: o.s, def: o.s.Types[n]})
		}
		return out
	case "queryType":
		return o.named(o.s.Query)
	case "mutationType":
		return o.named(o.s.Mutation)
	case "subscriptionType":
		return o.named(o.s.Subscription)
	case "directives":
		names := make([]string, 0, len(o.s.Directives))
		for n := range o.s.Directives {
			names = append(names, n)
		}
		sort.Strings(names)
		out := make([]object, 0, len(names))
		for _, n := range names {
			out = append(out, directiveObject{s: o.s, d: o.s.Directives[n]})
		}
		return out
	}
	return nil
}

func (o schemaObject) named(def *ast.Definition) any {
	if def == nil {
		return nil
	}
	return typeObject{s: o.s, def: def}
}

// typeObject is either a named type (def set) or a wrapper around ref.
type typeObject struct {
	s   *ast.Schema
	def *ast.Definition
	ref *ast.Type
}

func typeOf(s *ast.Schema, t *ast.Type) object {
	if t.NonNull || t.Elem != nil {
		return typeObject{s: s, ref: t}
	}
	def := s.Types[t.NamedType]
	if def == nil {
		def = &ast.Definition{Kind: ast.Scalar, Name: t.NamedType}
	}
	return typeObject{s: s, def: def}
}

func (typeObject) typename() string { return "__Type" }

func (o typeObject) resolve(f *ast.Field, args map[string]any) any {
	if o.def == nil {
		switch f.Name {
		case "kind":
			if o.ref.NonNull {
				return "NON_NULL"
			}
			return "LIST"
		case "ofType":
			if o.ref.NonNull {
				inner := *o.ref
				inner.NonNull = false
				return typeOf(o.s, &inner)
			}
			return typeOf(o.s, o.ref.Elem)
		}
		return nil
	}

	d := o.def
	switch f.Name {
	case "kind":
		return string(d.Kind)
	case "name":
		return d.Name
	case "description":
		return optional(d.Description)
	case "specifiedByURL":
		if dir := d.Directives.ForName("specifiedBy"); dir != nil {
			if a := dir.Arguments.ForName("url"); a != nil && a.Value != nil {
				return a.Value.Raw
			}
		}
		return nil
	case "fields":
		if d.Kind != ast.Object && d.Kind != ast.Interface {
			return nil
		}
		out := []object{}
		for _, fd := range d.Fields {
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			if dep, _ := deprecation(fd.Directives); dep && !includeDeprecated(args) {
				continue
			}
			out = append(out, fieldObject{s: o.s, f: fd})
		}
		return out
	case "interfaces":
		if d.Kind != ast.Object && d.Kind != ast.Interface {
			return nil
		}
		out := []object{}
		for _, n := range d.Interfaces {
			if def := o.s.Types[n]; def != nil {
				out = append(out, typeObject{s: o.s, def: def})
			}
		}
		return out
	case "possibleTypes":
		if d.Kind != ast.Interface && d.Kind != ast.Union {
			return nil
		}
		out := []object{}
		for _, def := range o.s.GetPossibleTypes(d) {
			out = append(out, typeObject{s: o.s, def: def})
		}
		return out
	case "enumValues":
		if d.Kind != ast.Enum {
			return nil
		}
		out := []object{}
		for _, v := range d.EnumValues {
			if dep, _ := deprecation(v.Directives); dep && !includeDeprecated(args) {
				continue
			}
			out = append(out, enumValueObject{v})
		}
		return out
	case "inputFields":
		if d.Kind != ast.InputObject {
			return nil
		}
		out := []object{}
		for _, fd := range d.Fields {
			out = append(out, inputValueObject{s: o.s, name: fd.Name, desc: fd.Description, typ: fd.Type, def: fd.DefaultValue})
		}
		return out
	}
	return nil
}

type fieldObject struct {
	s *ast.Schema
	f *ast.FieldDefinition
}

func (fieldObject) typename() string { return "__Field" }

func (o fieldObject) resolve(f *ast.Field, _ map[string]any) any {
	switch f.Name {
	case "name":
		return o.f.Name
	case "description":
		return optional(o.f.Description)
	case "args":
		return arguments(o.s, o.f.Arguments)
	case "type":
		return typeOf(o.s, o.f.Type)
	case "isDeprecated":
		dep, _ := deprecation(o.f.Directives)
		return dep
	case "deprecationReason":
		_, reason := deprecation(o.f.Directives)
		return reason
	}
	return nil
}

func arguments(s *ast.Schema, list ast.ArgumentDefinitionList) []object {
	out := []object{}
	for _, a := range list {
		out = append(out, inputValueObject{s: s, name: a.Name, desc: a.Description, typ: a.Type, def: a.DefaultValue})
	}
	return out
}

type inputValueObject struct {
	s    *ast.Schema
	name string
	desc string
	typ  *ast.Type
	def  *ast.Value
}

func (inputValueObject) typename() string { return "__InputValue" }

func (o inputValueObject) resolve(f *ast.Field, _ map[string]any) any {
	switch f.Name {
	case "name":
		return o.name
	case "description":
		return optional(o.desc)
	case "type":
		return typeOf(o.s, o.typ)
	case "defaultValue":
		if o.def == nil {
			return nil
		}
		return o.def.String()
	case "isDeprecated":
		return false
	}
	return nil
}

type enumValueObject struct{ v *ast.EnumValueDefinition }

func (enumValueObject) typename() string { return "__EnumValue" }

func (o enumValueObject) resolve(f *ast.Field, _ map[string]any) any {
	switch f.Name {
	case "name":
		return o.v.Name
	case "description":
		return optional(o.v.Description)
	case "isDeprecated":
		dep, _ := deprecation(o.v.Directives)
		return dep
	case "deprecationReason":
		_, reason := deprecation(o.v.Directives)
		return reason
	}
	return nil
}

type directiveObject struct {
	s *ast.Schema
	d *ast.DirectiveDefinition
}

func (directiveObject) typename() string { return "__Directive" }

func (o directiveObject) resolve(f *ast.Field, _ map[string]any) any {
	switch f.Name {
	case "name":
		return o.d.Name
	case "description":
		return optional(o.d.Description)
	case "locations":
		out := make([]any, len(o.d.Locations))
		for i, l := range o.d.Locations {
			out[i] = string(l)
		}
		return out
	case "args":
		return arguments(o.s, o.d.Arguments)
	case "isRepeatable":
		return o.d.IsRepeatable
	}
	return nil
}
