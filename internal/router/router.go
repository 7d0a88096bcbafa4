package router

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/openapi"
)

var ErrNotFound = errors.New("no application matches the request")

// Match is the routing decision for one request.
type Match struct {
	App *model.Application
	// Prefix is the gateway-side prefix that was stripped, "" when the path
	// was forwarded unchanged.
	Prefix       string
	UpstreamPath string
}

type entry struct {
	app     *model.Application
	prefix  string
	routes  []*glob
	methods map[string]bool
}

func (e *entry) filtered() bool { return len(e.routes) > 0 || len(e.methods) > 0 }

// allows applies the routes/methods filter. A prefix other than "/" still
// scopes the entry; without one a methods-only application matches any path.
func (e *entry) allows(method, path string) bool {
	if e.prefix != "" && !pathPrefixMatch(path, e.prefix) {
		return false
	}
	if len(e.methods) > 0 && !e.methods[method] {
		return false
	}
	if len(e.routes) == 0 {
		return true
	}
	for _, g := range e.routes {
		if g.match(path) {
			return true
		}
	}
	return false
}

type bucket struct {
	filtered []*entry // declaration order
	prefixes []*entry // prefix desc
	ops      []*operation
}

type wildcardBucket struct {
	suffix string // e.g. "example.com" for host "*.example.com"
	*bucket
}

// Table is immutable once built.
type Table struct {
	byHost   map[string]*bucket
	wildcard []wildcardBucket // longest suffix first
	any      *bucket
}

// New builds the route table for one composition. Applications that declare
// a hostname own the root of that host; their prefix, if any, is also
// mounted for every host, and that mount keeps its routes/methods filter
// within the prefix. ops come from the composed OpenAPI document.
func New(apps []model.Application, ops []openapi.Operation) *Table {
	t := &Table{byHost: make(map[string]*bucket), any: &bucket{}}
	wildBySuffix := make(map[string]*bucket)
	byID := make(map[string]*model.Application, len(apps))

	for i := range apps {
		app := &apps[i]
		byID[app.ID] = app
		p := app.Proxy
		if p == nil {
			continue
		}
		var methods map[string]bool
		if len(p.Methods) > 0 {
			methods = make(map[string]bool, len(p.Methods))
			for _, m := range p.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}
		var routes []*glob
		for _, r := range p.Routes {
			routes = append(routes, compileGlob(r))
		}

		if h := strings.ToLower(strings.TrimSpace(p.Hostname)); h != "" {
			var b *bucket
			if strings.HasPrefix(h, "*.") && len(h) > 2 {
				suffix := strings.TrimPrefix(h, "*.")
				if b = wildBySuffix[suffix]; b == nil {
					b = &bucket{}
					wildBySuffix[suffix] = b
				}
			} else if b = t.byHost[h]; b == nil {
				b = &bucket{}
				t.byHost[h] = b
			}
			b.add(&entry{app: app, prefix: "/", routes: routes, methods: methods})
			if p.Prefix != "" && p.Prefix != "/" {
				t.any.add(&entry{app: app, prefix: p.Prefix, routes: routes, methods: methods})
			}
			continue
		}
		t.any.add(&entry{app: app, prefix: p.Prefix, routes: routes, methods: methods})
	}

	for _, op := range ops {
		if app := byID[op.AppID]; app != nil {
			t.any.ops = append(t.any.ops, newOperation(app, op))
		}
	}
	// more literal segments win, e.g. /users/me before /users/{id}
	sort.SliceStable(t.any.ops, func(i, j int) bool {
		return t.any.ops[i].literals > t.any.ops[j].literals
	})

	for _, b := range t.byHost {
		b.sort()
	}
	for suffix, b := range wildBySuffix {
		b.sort()
		t.wildcard = append(t.wildcard, wildcardBucket{suffix: suffix, bucket: b})
	}
	sort.SliceStable(t.wildcard, func(i, j int) bool {
		return len(t.wildcard[i].suffix) > len(t.wildcard[j].suffix)
	})
	t.any.sort()
	return t
}

func (b *bucket) add(e *entry) {
	if e.filtered() {
		b.filtered = append(b.filtered, e)
		return
	}
	if e.prefix != "" {
		b.prefixes = append(b.prefixes, e)
	}
}

func (b *bucket) sort() {
	sort.SliceStable(b.prefixes, func(i, j int) bool {
		return len(b.prefixes[i].prefix) > len(b.prefixes[j].prefix)
	})
}

// Route selects the application for a request: hostname bucket first, then
// routes/methods filtered applications in declaration order, then documented
// operations, then the longest path prefix.
func (t *Table) Route(method, host, path string) (*Match, error) {
	if path == "" {
		path = "/"
	}
	if m := t.bucketFor(host).route(strings.ToUpper(method), path); m != nil {
		return m, nil
	}
	return nil, ErrNotFound
}

func (t *Table) bucketFor(host string) *bucket {
	h := strings.ToLower(hostOnly(host))
	if b := t.byHost[h]; b != nil {
		return b
	}
	// wildcard hosts: "*.example.com" style, only matching subdomains
	for _, w := range t.wildcard {
		if wildcardHostMatch(h, w.suffix) {
			return w.bucket
		}
	}
	return t.any
}

func (b *bucket) route(method, path string) *Match {
	for _, e := range b.filtered {
		if e.allows(method, path) {
			return e.match(path)
		}
	}
	for _, op := range b.ops {
		if m := op.match(method, path); m != nil {
			return m
		}
	}
	for _, e := range b.prefixes {
		if pathPrefixMatch(path, e.prefix) {
			return e.match(path)
		}
	}
	return nil
}

func (e *entry) match(path string) *Match {
	m := &Match{App: e.app}
	rest := path
	if e.prefix != "" && e.prefix != "/" && pathPrefixMatch(path, e.prefix) {
		m.Prefix = e.prefix
		rest = strings.TrimPrefix(path, e.prefix)
	}
	m.UpstreamPath = upstreamPath(e.app, rest)
	return m
}

func upstreamPath(app *model.Application, rest string) string {
	if app.Proxy != nil && app.Proxy.RewritePrefix != "" {
		rest = strings.TrimRight(app.Proxy.RewritePrefix, "/") + rest
	}
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// pathPrefixMatch ensures prefix behaves like a path-segment prefix, not a raw string prefix.
// Examples:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// wildcardHostMatch reports whether a concrete host is matched by a wildcard suffix.
//   - "api.example.com" matches suffix "example.com"
//   - "example.com" does NOT match suffix "example.com"
func wildcardHostMatch(host, suffix string) bool {
	if host == "" || suffix == "" || len(host) <= len(suffix) {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	return host[len(host)-len(suffix)-1] == '.'
}

func hostOnly(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i >= 0 {
			return h[1:i]
		}
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}

var headFallback = map[string]string{http.MethodHead: http.MethodGet}
