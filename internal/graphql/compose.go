// Package graphql merges the SDL of every GraphQL application into one
// supergraph and serves it.
package graphql

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/gateway-composer/internal/model"
)

// SubgraphFetcher returns an application's SDL.
type SubgraphFetcher interface {
	FetchSDL(ctx context.Context, app model.Application) (string, error)
}

type Options struct {
	DefaultArgsAdapter string
	Logger             *slog.Logger
}

// Supergraph is immutable once built; a new composition replaces it.
type Supergraph struct {
	SDL      string
	Entities map[string]Entity
	// Owners maps a root type name and field name to the owning subgraph.
	Owners    map[string]map[string]string
	Subgraphs map[string]Subgraph
	Schema    *ast.Schema
	// Failed lists the applications whose SDL could not be fetched or parsed.
	Failed []string
}

type Subgraph struct {
	Name  string
	AppID string
	URL   string
}

// Entity is a type that can be resolved by key across subgraphs.
type Entity struct {
	Subgraph string
	PKey     string
	Resolver *Resolver
	FKeys    []model.ForeignKey
}

type Resolver struct {
	Name           string
	ArgsAdapter    string
	PartialResults string
}

var rootTypes = []string{"Query", "Mutation", "Subscription"}

// directives used by federation subgraphs; they mean nothing to clients of
// the composed schema.
var federationDirectives = map[string]bool{
	"key": true, "external": true, "requires": true, "provides": true,
	"extends": true, "shareable": true, "inaccessible": true, "override": true,
	"tag": true, "link": true, "composeDirective": true, "interfaceObject": true,
}

var experimentalOnce sync.Once

// Compose fetches the SDL of every application with GraphQL enabled and
// builds the supergraph. It returns nil when no application enables GraphQL.
func Compose(ctx context.Context, apps []model.Application, fetcher SubgraphFetcher, opts Options) (*Supergraph, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var gapps []model.Application
	for _, app := range apps {
		if app.GraphQL != nil {
			gapps = append(gapps, app)
		}
	}
	if len(gapps) == 0 {
		return nil, nil
	}
	experimentalOnce.Do(func() {
		log.Warn("graphql composition is experimental", "applications", len(gapps))
	})

	sdls := make([]string, len(gapps))
	fetchErrs := make([]error, len(gapps))
	var g errgroup.Group
	g.SetLimit(8)
	for i := range gapps {
		g.Go(func() error {
			sdls[i], fetchErrs[i] = fetcher.FetchSDL(ctx, gapps[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := &builder{
		defs:       make(map[string]*ast.Definition),
		directives: make(map[string]*ast.DirectiveDefinition),
		owners:     make(map[string]map[string]string),
		entities:   make(map[string]Entity),
		log:        log,
	}
	sg := &Supergraph{Subgraphs: make(map[string]Subgraph)}
	for i, app := range gapps {
		name := app.GraphQL.SubgraphName(app.ID)
		if fetchErrs[i] != nil {
			log.Warn("graphql fetch failed, subgraph omitted", "application", app.ID, "error", fetchErrs[i])
			sg.Failed = append(sg.Failed, app.ID)
			continue
		}
		doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: sdls[i]})
		if err != nil {
			log.Warn("graphql sdl unparsable, subgraph omitted", "application", app.ID, "error", err)
			sg.Failed = append(sg.Failed, app.ID)
			continue
		}
		sg.Subgraphs[name] = Subgraph{
			Name:  name,
			AppID: app.ID,
			URL:   strings.TrimRight(app.Origin, "/") + app.GraphQL.EndpointPath(),
		}
		b.add(name, doc)
		if err := b.configure(name, app.GraphQL.Entities, opts.DefaultArgsAdapter); err != nil {
			return nil, fmt.Errorf("application %s: %w", app.ID, err)
		}
	}
	if len(sg.Subgraphs) == 0 {
		return sg, nil
	}
	b.addForeignFields()

	sdl, err := b.format()
	if err != nil {
		return nil, err
	}
	schema, gerr := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: sdl})
	if gerr != nil {
		return nil, fmt.Errorf("validate supergraph: %w", gerr)
	}
	sg.SDL = sdl
	sg.Schema = schema
	sg.Entities = b.entities
	sg.Owners = b.owners
	return sg, nil
}

type builder struct {
	defs       map[string]*ast.Definition
	directives map[string]*ast.DirectiveDefinition
	owners     map[string]map[string]string
	entities   map[string]Entity
	log        *slog.Logger
}

func (b *builder) add(subgraph string, doc *ast.SchemaDocument) {
	for _, d := range doc.Directives {
		if federationDirectives[d.Name] {
			continue
		}
		if _, ok := b.directives[d.Name]; !ok {
			b.directives[d.Name] = d
		}
	}

	all := append(slices.Clone(doc.Definitions), doc.Extensions...)
	for _, d := range all {
		if strings.HasPrefix(d.Name, "_") {
			continue
		}
		if key := d.Directives.ForName("key"); key != nil {
			if arg := key.Arguments.ForName("fields"); arg != nil && arg.Value != nil {
				if _, ok := b.entities[d.Name]; !ok {
					b.entities[d.Name] = Entity{Subgraph: subgraph, PKey: arg.Value.Raw}
				}
			}
		}

		c := clean(d)
		if slices.Contains(rootTypes, c.Name) {
			owned := b.owners[c.Name]
			if owned == nil {
				owned = make(map[string]string)
				b.owners[c.Name] = owned
			}
			for _, f := range c.Fields {
				if _, ok := owned[f.Name]; !ok {
					owned[f.Name] = subgraph
				}
			}
		}
		b.merge(subgraph, c)
	}
}

func (b *builder) merge(subgraph string, c *ast.Definition) {
	prev, ok := b.defs[c.Name]
	if !ok {
		b.defs[c.Name] = c
		return
	}
	if prev.Kind != c.Kind {
		b.log.Warn("graphql type kind conflict, keeping the first", "type", c.Name, "subgraph", subgraph)
		return
	}
	for _, f := range c.Fields {
		if prev.Fields.ForName(f.Name) == nil {
			prev.Fields = append(prev.Fields, f)
		}
	}
	for _, v := range c.EnumValues {
		if prev.EnumValues.ForName(v.Name) == nil {
			prev.EnumValues = append(prev.EnumValues, v)
		}
	}
	for _, i := range c.Interfaces {
		if !slices.Contains(prev.Interfaces, i) {
			prev.Interfaces = append(prev.Interfaces, i)
		}
	}
	for _, t := range c.Types {
		if !slices.Contains(prev.Types, t) {
			prev.Types = append(prev.Types, t)
		}
	}
	if prev.Description == "" {
		prev.Description = c.Description
	}
}

// clean returns a copy of d without federation directives and helper fields.
func clean(d *ast.Definition) *ast.Definition {
	c := *d
	c.Position = nil
	c.Directives = stripDirectives(d.Directives)
	c.Fields = nil
	for _, f := range d.Fields {
		if strings.HasPrefix(f.Name, "_") {
			continue
		}
		nf := *f
		nf.Directives = stripDirectives(f.Directives)
		c.Fields = append(c.Fields, &nf)
	}
	c.EnumValues = nil
	for _, v := range d.EnumValues {
		nv := *v
		nv.Directives = stripDirectives(v.Directives)
		c.EnumValues = append(c.EnumValues, &nv)
	}
	c.Types = nil
	for _, t := range d.Types {
		if !strings.HasPrefix(t, "_") {
			c.Types = append(c.Types, t)
		}
	}
	c.Interfaces = slices.Clone(d.Interfaces)
	return &c
}

func stripDirectives(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		if !federationDirectives[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// configure applies the entities declared in an application's config on top
// of the ones discovered through @key.
func (b *builder) configure(subgraph string, entities map[string]model.EntityConfig, defaultAdapter string) error {
	names := make([]string, 0, len(entities))
	for n := range entities {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, typ := range names {
		ec := entities[typ]
		e := b.entities[typ]
		if e.Subgraph == "" || (ec.Resolver != nil && e.Resolver == nil) {
			e.Subgraph = subgraph
		}
		if ec.PKey != "" {
			e.PKey = ec.PKey
		}
		if e.PKey == "" {
			e.PKey = "id"
		}
		if ec.Resolver != nil && e.Resolver == nil {
			adapter := ec.Resolver.ArgsAdapter
			if adapter == "" {
				adapter = defaultAdapter
			}
			if adapter != "" {
				if _, ok := Adapter(adapter); !ok {
					return fmt.Errorf("entity %s: %w %q", typ, ErrUnknownAdapter, adapter)
				}
			}
			e.Resolver = &Resolver{
				Name:           ec.Resolver.Name,
				ArgsAdapter:    adapter,
				PartialResults: ec.Resolver.PartialResults,
			}
		}
		for _, fk := range ec.FKeys {
			if !slices.Contains(e.FKeys, fk) {
				e.FKeys = append(e.FKeys, fk)
			}
		}
		b.entities[typ] = e
	}
	return nil
}

// addForeignFields exposes every foreign key as a field of the referenced
// entity type on the type that holds the key.
func (b *builder) addForeignFields() {
	for _, typ := range sortedNames(b.entities) {
		def := b.defs[typ]
		for _, fk := range b.entities[typ].FKeys {
			if fk.As == "" {
				continue
			}
			if def == nil || b.defs[fk.Type] == nil {
				b.log.Warn("graphql foreign key references an unknown type", "type", typ, "target", fk.Type)
				continue
			}
			if def.Fields.ForName(fk.As) != nil {
				continue
			}
			def.Fields = append(def.Fields, &ast.FieldDefinition{Name: fk.As, Type: ast.NamedType(fk.Type, nil)})
		}
	}
}

func (b *builder) format() (string, error) {
	doc := &ast.SchemaDocument{}
	for _, n := range sortedNames(b.directives) {
		doc.Directives = append(doc.Directives, b.directives[n])
	}
	for _, n := range sortedNames(b.defs) {
		if d := b.defs[n]; !empty(d) {
			doc.Definitions = append(doc.Definitions, d)
		}
	}
	if len(doc.Definitions) == 0 {
		return "", errors.New("supergraph has no types")
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	return buf.String(), nil
}

// empty reports a type left without members once helper fields are removed,
// e.g. a subgraph Query that only declared _service and _entities.
func empty(d *ast.Definition) bool {
	switch d.Kind {
	case ast.Object, ast.Interface, ast.InputObject:
		return len(d.Fields) == 0
	case ast.Union:
		return len(d.Types) == 0
	case ast.Enum:
		return len(d.EnumValues) == 0
	}
	return false
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal compares the SDL and the entity map. Foreign key order does not
// matter.
func (s *Supergraph) Equal(o *Supergraph) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.SDL != o.SDL || len(s.Entities) != len(o.Entities) {
		return false
	}
	for name, e := range s.Entities {
		oe, ok := o.Entities[name]
		if !ok || !reflect.DeepEqual(normalizeEntity(e), normalizeEntity(oe)) {
			return false
		}
	}
	return true
}

func normalizeEntity(e Entity) Entity {
	e.FKeys = slices.Clone(e.FKeys)
	slices.SortFunc(e.FKeys, func(a, b model.ForeignKey) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Field, b.Field),
			cmp.Compare(a.As, b.As),
			cmp.Compare(a.PKey, b.PKey),
			cmp.Compare(a.Subgraph, b.Subgraph),
		)
	})
	if len(e.FKeys) == 0 {
		e.FKeys = nil
	}
	return e
}
