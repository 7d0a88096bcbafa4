package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"golang.org/x/sync/errgroup"
)

const maxRequestBody = 4 << 20

// stitched results are read back from this alias.
const stitchAlias = "_stitch"

// forwardedHeaders are copied from the client request to every subgraph
// request.
var forwardedHeaders = []string{"Authorization", "Cookie", "X-Request-Id", "Accept-Language"}

// Dispatcher executes client operations against the supergraph: root fields
// are split by owning subgraph and foreign key fields are resolved in
// batches through the target entity's resolver.
type Dispatcher struct {
	graph   *Supergraph
	client  *http.Client
	log     *slog.Logger
	foreign map[string]map[string]foreignKey // type -> field -> key
}

type foreignKey struct {
	Type  string
	Field string
	As    string
	PKey  string
}

func NewDispatcher(graph *Supergraph, client *http.Client, log *slog.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{graph: graph, client: client, log: log, foreign: make(map[string]map[string]foreignKey)}
	for typ, e := range graph.Entities {
		for _, fk := range e.FKeys {
			if fk.As == "" {
				continue
			}
			if d.foreign[typ] == nil {
				d.foreign[typ] = make(map[string]foreignKey)
			}
			d.foreign[typ][fk.As] = foreignKey{Type: fk.Type, Field: fk.Field, As: fk.As, PKey: fk.PKey}
		}
	}
	return d
}

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type Response struct {
	Data   map[string]any `json:"data"`
	Errors []any          `json:"errors,omitempty"`
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	switch r.Method {
	case http.MethodGet:
		req.Query = r.URL.Query().Get("query")
		req.OperationName = r.URL.Query().Get("operationName")
		if v := r.URL.Query().Get("variables"); v != "" {
			dec := json.NewDecoder(strings.NewReader(v))
			dec.UseNumber()
			if err := dec.Decode(&req.Variables); err != nil {
				http.Error(w, "invalid variables", http.StatusBadRequest)
				return
			}
		}
	case http.MethodPost:
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid graphql request", http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := d.Execute(r.Context(), req.Query, req.OperationName, req.Variables, r.Header)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// Execute runs one operation. Errors are reported in the result the way a
// GraphQL server reports them.
func (d *Dispatcher) Execute(ctx context.Context, query, operationName string, vars map[string]any, header http.Header) *Response {
	doc, errs := gqlparser.LoadQuery(d.graph.Schema, query)
	if len(errs) > 0 {
		out := make([]any, len(errs))
		for i, e := range errs {
			out[i] = e
		}
		return &Response{Errors: out}
	}

	op, err := selectOperation(doc, operationName)
	if err != nil {
		return &Response{Errors: []any{gqlError(err.Error(), nil)}}
	}
	rootName := "Query"
	switch op.Operation {
	case ast.Mutation:
		rootName = "Mutation"
	case ast.Subscription:
		return &Response{Errors: []any{gqlError("subscriptions are not supported by the gateway", nil)}}
	}

	data := make(map[string]any)
	var errList []any
	groups := make(map[string]ast.SelectionSet)
	var order []string
	in := &introspection{schema: d.graph.Schema, vars: vars}
	for _, f := range rootFields(op.SelectionSet) {
		switch f.Name {
		case "__typename":
			data[f.Alias] = rootName
			continue
		case "__schema", "__type":
			data[f.Alias] = in.rootField(f)
			continue
		}
		owner := d.graph.Owners[rootName][f.Name]
		if owner == "" {
			errList = append(errList, gqlError(fmt.Sprintf("no subgraph serves %s.%s", rootName, f.Name), []any{f.Alias}))
			continue
		}
		if _, ok := groups[owner]; !ok {
			order = append(order, owner)
		}
		groups[owner] = append(groups[owner], f)
	}

	c := call{op: op.Operation, varDefs: op.VariableDefinitions, vars: vars, header: header}
	results := make([]result, len(order))
	if op.Operation == ast.Mutation {
		for i, sg := range order {
			results[i] = d.run(ctx, c.with(sg, groups[sg]))
		}
	} else {
		var g errgroup.Group
		for i, sg := range order {
			g.Go(func() error {
				results[i] = d.run(ctx, c.with(sg, groups[sg]))
				return nil
			})
		}
		_ = g.Wait()
	}
	for _, res := range results {
		for k, v := range res.data {
			data[k] = v
		}
		errList = append(errList, res.errs...)
	}
	return &Response{Data: data, Errors: errList}
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name == "" {
		if len(doc.Operations) != 1 {
			return nil, errors.New("operationName is required when the document has several operations")
		}
		return doc.Operations[0], nil
	}
	op := doc.Operations.ForName(name)
	if op == nil {
		return nil, fmt.Errorf("unknown operation %q", name)
	}
	return op, nil
}

// rootFields flattens fragments at the root of an operation.
func rootFields(set ast.SelectionSet) []*ast.Field {
	var out []*ast.Field
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			out = append(out, rootFields(s.SelectionSet)...)
		case *ast.FragmentSpread:
			if s.Definition != nil {
				out = append(out, rootFields(s.Definition.SelectionSet)...)
			}
		}
	}
	return out
}

type call struct {
	subgraph string
	op       ast.Operation
	sel      ast.SelectionSet
	varDefs  ast.VariableDefinitionList
	vars     map[string]any
	header   http.Header
}

func (c call) with(subgraph string, fields []ast.Selection) call {
	c.subgraph = subgraph
	c.sel = fields
	return c
}

type result struct {
	data map[string]any
	errs []any
}

// stitch is a foreign key field removed from a subgraph query and resolved
// afterwards.
type stitch struct {
	path     []string // response keys leading to the objects holding the key
	key      string   // response key of the stitched field
	fk       foreignKey
	sel      ast.SelectionSet
	injected bool // fk.Field was added to the query and must be removed
}

func (d *Dispatcher) run(ctx context.Context, c call) result {
	sel, stitches := d.prepare(c.sel, nil)
	query, vars := buildQuery(c.op, sel, c.varDefs, c.vars)
	data, errs, err := d.post(ctx, c.subgraph, query, vars, c.header)
	if err != nil {
		d.log.Warn("graphql subgraph request failed", "subgraph", c.subgraph, "error", err)
		return result{errs: []any{gqlError(fmt.Sprintf("subgraph %s: %v", c.subgraph, err), nil)}}
	}
	for _, st := range stitches {
		errs = append(errs, d.resolve(ctx, c, data, st)...)
	}
	for _, st := range stitches {
		if !st.injected {
			continue
		}
		for _, obj := range objectsAt(data, st.path) {
			delete(obj, st.fk.Field)
		}
	}
	return result{data: data, errs: errs}
}

// prepare copies a selection set, inlining fragment spreads and replacing
// foreign key fields by the local key they are resolved from.
func (d *Dispatcher) prepare(set ast.SelectionSet, path []string) (ast.SelectionSet, []*stitch) {
	var out ast.SelectionSet
	var stitches []*stitch
	injected := make(map[string]bool)
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			if fk, ok := d.foreignKeyOf(s); ok {
				st := &stitch{path: path, key: s.Alias, fk: fk, sel: s.SelectionSet}
				if !selects(set, fk.Field) {
					st.injected = true
					if !injected[fk.Field] {
						injected[fk.Field] = true
						out = append(out, &ast.Field{Alias: fk.Field, Name: fk.Field})
					}
				}
				stitches = append(stitches, st)
				continue
			}
			nf := *s
			if len(s.SelectionSet) > 0 {
				var sub []*stitch
				nf.SelectionSet, sub = d.prepare(s.SelectionSet, append(path[:len(path):len(path)], s.Alias))
				stitches = append(stitches, sub...)
			}
			out = append(out, &nf)
		case *ast.InlineFragment:
			nf := *s
			var sub []*stitch
			nf.SelectionSet, sub = d.prepare(s.SelectionSet, path)
			stitches = append(stitches, sub...)
			out = append(out, &nf)
		case *ast.FragmentSpread:
			if s.Definition == nil {
				continue
			}
			inner, sub := d.prepare(s.Definition.SelectionSet, path)
			stitches = append(stitches, sub...)
			out = append(out, &ast.InlineFragment{
				TypeCondition: s.Definition.TypeCondition,
				Directives:    s.Directives,
				SelectionSet:  inner,
			})
		}
	}
	return out, stitches
}

func (d *Dispatcher) foreignKeyOf(f *ast.Field) (foreignKey, bool) {
	if f.ObjectDefinition == nil {
		return foreignKey{}, false
	}
	fk, ok := d.foreign[f.ObjectDefinition.Name][f.Name]
	return fk, ok
}

// selects reports whether set requests the field under its own name.
func selects(set ast.SelectionSet, name string) bool {
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			if s.Alias == name && s.Name == name {
				return true
			}
		case *ast.InlineFragment:
			if selects(s.SelectionSet, name) {
				return true
			}
		case *ast.FragmentSpread:
			if s.Definition != nil && selects(s.Definition.SelectionSet, name) {
				return true
			}
		}
	}
	return false
}

// resolve fetches the entities referenced at one stitch point with a single
// resolver call and attaches them.
func (d *Dispatcher) resolve(ctx context.Context, c call, data map[string]any, st *stitch) []any {
	parents := objectsAt(data, st.path)
	var keys []any
	seen := make(map[string]bool)
	for _, p := range parents {
		k, ok := p[st.fk.Field]
		if !ok || k == nil {
			continue
		}
		if ks := fmt.Sprint(k); !seen[ks] {
			seen[ks] = true
			keys = append(keys, k)
		}
	}
	attach := func(found map[string]any) {
		for _, p := range parents {
			p[st.key] = found[fmt.Sprint(p[st.fk.Field])]
		}
	}
	if len(keys) == 0 {
		attach(nil)
		return nil
	}

	target, ok := d.graph.Entities[st.fk.Type]
	if !ok || target.Resolver == nil {
		attach(nil)
		return []any{gqlError(fmt.Sprintf("entity %s has no resolver", st.fk.Type), responsePath(st))}
	}
	pkey := st.fk.PKey
	if pkey == "" {
		pkey = target.PKey
	}
	name := target.Resolver.ArgsAdapter
	if name == "" {
		name = "ids"
	}
	adapter, ok := Adapter(name)
	if !ok {
		attach(nil)
		return []any{gqlError(fmt.Sprintf("entity %s: %v %q", st.fk.Type, ErrUnknownAdapter, name), nil)}
	}

	sub := st.sel
	injectPKey := !selects(sub, pkey)
	if injectPKey {
		sub = append(ast.SelectionSet{&ast.Field{Alias: pkey, Name: pkey}}, sub...)
	}
	if pr := target.Resolver.PartialResults; pr != "" {
		sub = ast.SelectionSet{&ast.Field{Alias: pr, Name: pr, SelectionSet: sub}}
	}
	field := &ast.Field{
		Alias:        stitchAlias,
		Name:         target.Resolver.Name,
		Arguments:    argumentList(adapter(pkey, keys)),
		SelectionSet: sub,
	}

	rc := c
	rc.subgraph = target.Subgraph
	rc.op = ast.Query
	rc.sel = ast.SelectionSet{field}
	res := d.run(ctx, rc)

	var items any
	if res.data != nil {
		items = res.data[stitchAlias]
		if pr := target.Resolver.PartialResults; pr != "" {
			m, _ := items.(map[string]any)
			items = m[pr]
		}
	}
	entities := objectsAt(items, nil)
	found := make(map[string]any, len(entities))
	for _, it := range entities {
		found[fmt.Sprint(it[pkey])] = it
	}
	attach(found)
	if injectPKey {
		for _, it := range entities {
			delete(it, pkey)
		}
	}
	return res.errs
}

func responsePath(st *stitch) []any {
	out := make([]any, 0, len(st.path)+1)
	for _, p := range st.path {
		out = append(out, p)
	}
	return append(out, st.key)
}

// objectsAt returns the objects reached by following path through v,
// descending into lists without consuming a path element.
func objectsAt(v any, path []string) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if len(path) == 0 {
			return []map[string]any{t}
		}
		return objectsAt(t[path[0]], path[1:])
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, objectsAt(item, path)...)
		}
		return out
	}
	return nil
}

func buildQuery(op ast.Operation, sel ast.SelectionSet, defs ast.VariableDefinitionList, vars map[string]any) (string, map[string]any) {
	used := make(map[string]bool)
	usedVariables(sel, used)

	def := &ast.OperationDefinition{Operation: op, SelectionSet: sel}
	var out map[string]any
	for _, vd := range defs {
		if !used[vd.Variable] {
			continue
		}
		def.VariableDefinitions = append(def.VariableDefinitions, vd)
		if v, ok := vars[vd.Variable]; ok {
			if out == nil {
				out = make(map[string]any)
			}
			out[vd.Variable] = v
		}
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(&ast.QueryDocument{Operations: ast.OperationList{def}})
	return buf.String(), out
}

func usedVariables(set ast.SelectionSet, used map[string]bool) {
	for _, s := range set {
		switch s := s.(type) {
		case *ast.Field:
			for _, a := range s.Arguments {
				valueVariables(a.Value, used)
			}
			directiveVariables(s.Directives, used)
			usedVariables(s.SelectionSet, used)
		case *ast.InlineFragment:
			directiveVariables(s.Directives, used)
			usedVariables(s.SelectionSet, used)
		}
	}
}

func directiveVariables(list ast.DirectiveList, used map[string]bool) {
	for _, d := range list {
		for _, a := range d.Arguments {
			valueVariables(a.Value, used)
		}
	}
}

func valueVariables(v *ast.Value, used map[string]bool) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		used[v.Raw] = true
	}
	for _, c := range v.Children {
		valueVariables(c.Value, used)
	}
}

func (d *Dispatcher) post(ctx context.Context, subgraph, query string, vars map[string]any, header http.Header) (map[string]any, []any, error) {
	sg, ok := d.graph.Subgraphs[subgraph]
	if !ok {
		return nil, nil, fmt.Errorf("unknown subgraph %q", subgraph)
	}

	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, h := range forwardedHeaders {
		if v := header.Values(h); len(v) > 0 {
			req.Header[h] = v
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Data   map[string]any `json:"data"`
		Errors []any          `json:"errors"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	return body.Data, body.Errors, nil
}

func gqlError(msg string, path []any) map[string]any {
	e := map[string]any{"message": msg}
	if len(path) > 0 {
		e["path"] = path
	}
	return e
}
