package router

import (
	"regexp"
	"strings"

	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/openapi"
)

// glob is a compiled proxy.routes pattern:
//
//	/first/*        /first, /first/x, /first/x/y
//	/users/:id      /users/42
//	/files/*/raw    /files/a/raw
type glob struct {
	raw string
	re  *regexp.Regexp
}

func compileGlob(pattern string) *glob {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	segs := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var b strings.Builder
	b.WriteString("^")
	for i, s := range segs {
		last := i == len(segs)-1
		switch {
		case last && (s == "*" || s == "**"):
			b.WriteString("(?:/.*)?")
		case s == "**":
			b.WriteString("(?:/[^/]+)*")
		case s == "*":
			b.WriteString("/[^/]+")
		case strings.HasPrefix(s, ":") && len(s) > 1:
			b.WriteString("/[^/]+")
		default:
			b.WriteString("/")
			for j, part := range strings.Split(s, "*") {
				if j > 0 {
					b.WriteString("[^/]*")
				}
				b.WriteString(regexp.QuoteMeta(part))
			}
		}
	}
	b.WriteString("/?$")
	return &glob{raw: pattern, re: regexp.MustCompile(b.String())}
}

func (g *glob) match(path string) bool { return g.re.MatchString(path) }

// operation is one documented path template owned by an application.
type operation struct {
	app      *model.Application
	method   string
	segs     []string // "" marks a placeholder
	literals int
	original string
	prefix   string
}

func newOperation(app *model.Application, op openapi.Operation) *operation {
	o := &operation{app: app, method: op.Method, original: op.OriginalPath}
	for _, s := range strings.Split(strings.Trim(op.Path, "/"), "/") {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			o.segs = append(o.segs, "")
			continue
		}
		o.segs = append(o.segs, s)
		o.literals++
	}
	if op.Prefix != "" && pathPrefixMatch(op.Path, op.Prefix) {
		o.prefix = op.Prefix
	}
	return o
}

func (o *operation) match(method, path string) *Match {
	if method != o.method && headFallback[method] != o.method {
		return nil
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) != len(o.segs) {
		return nil
	}
	var values []string
	for i, s := range o.segs {
		switch {
		case s == "":
			if segs[i] == "" {
				return nil
			}
			values = append(values, segs[i])
		case s != segs[i]:
			return nil
		}
	}

	// placeholders are renamed by aliases but keep their position
	up := o.original
	for i, name := range openapi.TemplateParams(o.original) {
		if i < len(values) {
			up = strings.Replace(up, "{"+name+"}", values[i], 1)
		}
	}
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(up, "/") {
		up += "/"
	}
	return &Match{App: o.app, Prefix: o.prefix, UpstreamPath: upstreamPath(o.app, up)}
}
