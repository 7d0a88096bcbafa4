// Package openapi merges the OpenAPI documents of every composed application
// into one public document.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/schema"
)

// Version is the OpenAPI version of the composed document.
const Version = "3.0.3"

var methods = []string{"get", "put", "post", "delete", "options", "head", "patch", "trace"}

// Fetcher retrieves one application's raw document.
type Fetcher interface {
	FetchOpenAPI(ctx context.Context, app model.Application) (map[string]any, error)
}

type Options struct {
	Title          string
	Version        string
	AddEmptySchema bool
	Logger         *slog.Logger
}

// Operation annotates one composed operation with its owner and the path
// the owner actually serves.
type Operation struct {
	Method       string // upper case
	Path         string // composed template, e.g. /api1/users/{id}
	AppID        string
	OriginalPath string // backend template, e.g. /users/{id}
	// Prefix is the gateway-side prefix Path was mounted under, "" if none.
	Prefix string
}

type Composed struct {
	Document   map[string]any
	Operations []Operation
	// Sources holds the raw document fetched from each application.
	Sources map[string]map[string]any
}

// JSON returns the canonical encoding of the composed document.
func (c *Composed) JSON() ([]byte, error) {
	return json.Marshal(c.Document)
}

// Compose fetches every application that declares an OpenAPI source and
// merges the results. A failing application is logged and left out.
func Compose(ctx context.Context, apps []model.Application, fetcher Fetcher, opts Options) (*Composed, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	title, version := opts.Title, opts.Version
	if title == "" {
		title = "Gateway"
	}
	if version == "" {
		version = "1.0.0"
	}

	docs := make([]map[string]any, len(apps))
	var g errgroup.Group
	g.SetLimit(8)
	for i := range apps {
		if apps[i].OpenAPI == nil {
			continue
		}
		g.Go(func() error {
			doc, err := fetcher.FetchOpenAPI(ctx, apps[i])
			if err != nil {
				log.Warn("openapi fetch failed, application omitted", "application", apps[i].ID, "error", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &merger{
		paths:      make(map[string]any),
		components: make(map[string]any),
		opIDs:      make(map[string]bool),
		tagSeen:    make(map[string]bool),
		addEmpty:   opts.AddEmptySchema,
		log:        log,
	}
	out := &Composed{Sources: make(map[string]map[string]any)}
	for i, app := range apps {
		if docs[i] == nil {
			continue
		}
		out.Sources[app.ID] = docs[i]

		var ov *Overrides
		if app.OpenAPI.Config != "" {
			o, err := LoadOverrides(app.OpenAPI.Config)
			if err != nil {
				log.Warn("openapi overrides unreadable, application omitted", "application", app.ID, "error", err)
				continue
			}
			ov = o
		}
		ops := m.add(app, schema.Copy(docs[i]), ov)
		out.Operations = append(out.Operations, ops...)
	}

	doc := map[string]any{
		"openapi": Version,
		"info":    map[string]any{"title": title, "version": version},
		"paths":   m.paths,
	}
	if len(m.components) > 0 {
		doc["components"] = m.components
	}
	if len(m.tags) > 0 {
		doc["tags"] = m.tags
	}
	out.Document = doc

	if refs := UnresolvedRefs(doc); len(refs) > 0 {
		log.Warn("composed openapi document has unresolved references", "refs", refs)
	}
	return out, nil
}

type merger struct {
	paths      map[string]any
	components map[string]any
	opIDs      map[string]bool
	tags       []any
	tagSeen    map[string]bool
	addEmpty   bool
	log        *slog.Logger
}

// renames maps component section -> original key -> namespaced key.
type renames map[string]map[string]string

func (r renames) get(section, key string) (string, bool) {
	n, ok := r[section][key]
	return n, ok
}

func (r renames) set(section, key, to string) {
	if r[section] == nil {
		r[section] = make(map[string]string)
	}
	r[section][key] = to
}

func (m *merger) add(app model.Application, doc map[string]any, ov *Overrides) []Operation {
	comps, _ := doc["components"].(map[string]any)
	rn := m.planRenames(app.ID, comps)
	m.mergeComponents(comps, rn)

	var topSecurity []any
	if s, ok := doc["security"].([]any); ok {
		topSecurity = rewriteSecurity(s, rn)
	}
	for _, t := range asSlice(doc["tags"]) {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		m.addTag(fmt.Sprint(tm["name"]), tm)
	}

	prefix := app.OpenAPI.Prefix
	if prefix == "" && app.Proxy != nil && app.Proxy.Prefix != "/" {
		prefix = app.Proxy.Prefix
	}
	prefix = strings.TrimRight(prefix, "/")

	var ops []Operation
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range sortedKeys(paths) {
		item, ok := paths[p].(map[string]any)
		if !ok {
			continue
		}
		po := ov.path(p)
		if po.Ignore {
			continue
		}
		for _, meth := range methods {
			if _, ok := item[meth]; ok && po.methodIgnored(meth) {
				delete(item, meth)
			}
		}
		if !hasOperation(item) {
			continue
		}

		tpl := p
		if po.Alias != "" {
			names, err := aliasParams(p, po.Alias)
			if err != nil {
				m.log.Warn("openapi alias ignored", "application", app.ID, "path", p, "error", err)
			} else {
				tpl = po.Alias
				renameParams(item, names)
			}
		}
		composed := joinPath(prefix, tpl)

		target, _ := m.paths[composed].(map[string]any)
		if target == nil {
			target = make(map[string]any)
			m.paths[composed] = target
		}
		for k, v := range item {
			if isMethod(k) {
				continue
			}
			if _, exists := target[k]; !exists {
				target[k] = rewriteRefs(v, rn)
			}
		}
		for _, meth := range methods {
			raw, ok := item[meth].(map[string]any)
			if !ok {
				continue
			}
			if _, taken := target[meth]; taken {
				m.log.Warn("openapi operation already composed, keeping the first", "application", app.ID, "path", composed, "method", meth)
				continue
			}
			op, _ := rewriteRefs(raw, rn).(map[string]any)
			m.finishOperation(app.ID, op, topSecurity, rn)
			target[meth] = op
			ops = append(ops, Operation{
				Method:       strings.ToUpper(meth),
				Path:         composed,
				AppID:        app.ID,
				OriginalPath: p,
				Prefix:       prefix,
			})
		}
	}
	return ops
}

func (m *merger) finishOperation(appID string, op map[string]any, topSecurity []any, rn renames) {
	if id, ok := op["operationId"].(string); ok && id != "" {
		op["operationId"] = m.uniqueOperationID(appID, id)
	}

	if tags := asSlice(op["tags"]); len(tags) == 0 {
		op["tags"] = []any{appID}
		m.addTag(appID, map[string]any{"name": appID})
	} else {
		for _, t := range tags {
			m.addTag(fmt.Sprint(t), map[string]any{"name": fmt.Sprint(t)})
		}
	}

	if s, ok := op["security"].([]any); ok {
		op["security"] = rewriteSecurity(s, rn)
	} else if topSecurity != nil {
		op["security"] = topSecurity
	}

	if m.addEmpty {
		addEmptySchemas(op)
	}
}

func (m *merger) uniqueOperationID(appID, id string) string {
	if !m.opIDs[id] {
		m.opIDs[id] = true
		return id
	}
	candidate := appID + "_" + id
	for n := 2; m.opIDs[candidate]; n++ {
		candidate = appID + "_" + id + "_" + strconv.Itoa(n)
	}
	m.opIDs[candidate] = true
	return candidate
}

func (m *merger) addTag(name string, def map[string]any) {
	if name == "" || m.tagSeen[name] {
		return
	}
	m.tagSeen[name] = true
	m.tags = append(m.tags, def)
}

// planRenames decides which of the application's components collide with an
// already composed, different definition. A component that only differs
// because a component it references was renamed is renamed too, so the loop
// runs until no new rename appears.
func (m *merger) planRenames(appID string, comps map[string]any) renames {
	rn := make(renames)
	for changed := true; changed; {
		changed = false
		for _, section := range sortedKeys(comps) {
			defs, ok := comps[section].(map[string]any)
			if !ok {
				continue
			}
			existing, _ := m.components[section].(map[string]any)
			for _, key := range sortedKeys(defs) {
				if _, done := rn.get(section, key); done {
					continue
				}
				prev, ok := existing[key]
				if !ok {
					continue
				}
				if !schema.Equal(prev, rewriteRefs(defs[key], rn)) {
					rn.set(section, key, appID+"_"+key)
					changed = true
				}
			}
		}
	}
	return rn
}

func (m *merger) mergeComponents(comps map[string]any, rn renames) {
	for _, section := range sortedKeys(comps) {
		defs, ok := comps[section].(map[string]any)
		if !ok {
			continue
		}
		out, _ := m.components[section].(map[string]any)
		if out == nil {
			out = make(map[string]any)
			m.components[section] = out
		}
		for _, key := range sortedKeys(defs) {
			name := key
			if n, ok := rn.get(section, key); ok {
				name = n
			}
			def := rewriteRefs(defs[key], rn)
			if prev, exists := out[name]; exists {
				if !schema.Equal(prev, def) {
					m.log.Warn("openapi component name taken, keeping the first", "section", section, "name", name)
				}
				continue
			}
			out[name] = def
		}
	}
}

// rewriteRefs returns v with local component references renamed.
func rewriteRefs(v any, rn renames) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			switch {
			case k == "$ref":
				if s, ok := vv.(string); ok {
					out[k] = renameRef(s, rn)
					continue
				}
			case k == "mapping":
				if mm, ok := vv.(map[string]any); ok {
					nm := make(map[string]any, len(mm))
					for mk, mv := range mm {
						if s, ok := mv.(string); ok {
							nm[mk] = renameRef(s, rn)
						} else {
							nm[mk] = mv
						}
					}
					out[k] = nm
					continue
				}
			}
			out[k] = rewriteRefs(vv, rn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = rewriteRefs(t[i], rn)
		}
		return out
	default:
		return v
	}
}

func renameRef(ref string, rn renames) string {
	const root = "#/components/"
	if !strings.HasPrefix(ref, root) {
		return ref
	}
	rest := strings.TrimPrefix(ref, root)
	section, tail, ok := strings.Cut(rest, "/")
	if !ok {
		return ref
	}
	key, more, _ := strings.Cut(tail, "/")
	n, ok := rn.get(section, unescapePointer(key))
	if !ok {
		return ref
	}
	out := root + section + "/" + escapePointer(n)
	if more != "" {
		out += "/" + more
	}
	return out
}

func rewriteSecurity(reqs []any, rn renames) []any {
	out := make([]any, 0, len(reqs))
	for _, r := range reqs {
		req, ok := r.(map[string]any)
		if !ok {
			out = append(out, r)
			continue
		}
		nr := make(map[string]any, len(req))
		for name, scopes := range req {
			if n, ok := rn.get("securitySchemes", name); ok {
				name = n
			}
			nr[name] = scopes
		}
		out = append(out, nr)
	}
	return out
}

func addEmptySchemas(op map[string]any) {
	responses, ok := op["responses"].(map[string]any)
	if !ok {
		return
	}
	for code, r := range responses {
		res, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if _, isRef := res["$ref"]; isRef {
			continue
		}
		content, _ := res["content"].(map[string]any)
		if len(content) == 0 {
			res["content"] = map[string]any{"application/json": map[string]any{"schema": map[string]any{}}}
			responses[code] = res
			continue
		}
		for _, mt := range content {
			media, ok := mt.(map[string]any)
			if !ok {
				continue
			}
			if _, has := media["schema"]; !has {
				media["schema"] = map[string]any{}
			}
		}
	}
}

func hasOperation(item map[string]any) bool {
	for _, m := range methods {
		if _, ok := item[m]; ok {
			return true
		}
	}
	return false
}

func isMethod(k string) bool {
	for _, m := range methods {
		if k == m {
			return true
		}
	}
	return false
}

func joinPath(prefix, p string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return prefix + p
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
