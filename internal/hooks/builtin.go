package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

func init() {
	Register("content-type-guard", newContentTypeGuard)
	Register("body-field-router", newBodyFieldRouter)
}

func jsonResponse(status int, msg string) *Response {
	b, _ := json.Marshal(map[string]any{"statusCode": status, "error": http.StatusText(status), "message": msg})
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:   b,
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, fmt.Sprint(s))
		}
		return out
	}
	return nil
}

// contentTypeGuard rejects requests carrying a body whose media type is not
// allowed.
//
//	custom:
//	  path: content-type-guard
//	  options: { allowed: [application/json], methods: [POST, PUT, PATCH] }
type contentTypeGuard struct {
	allowed map[string]bool
	methods map[string]bool
}

func newContentTypeGuard(opts map[string]any) (Hook, error) {
	g := &contentTypeGuard{allowed: map[string]bool{}, methods: map[string]bool{}}
	allowed := stringList(opts["allowed"])
	if len(allowed) == 0 {
		allowed = []string{"application/json"}
	}
	for _, a := range allowed {
		g.allowed[strings.ToLower(a)] = true
	}
	methods := stringList(opts["methods"])
	if len(methods) == 0 {
		methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}
	}
	for _, m := range methods {
		g.methods[strings.ToUpper(m)] = true
	}
	return g, nil
}

func (g *contentTypeGuard) NeedsBody() bool { return false }

func (g *contentTypeGuard) BeforeRoute(r *Request) (Decision, error) {
	if !g.methods[r.Method] {
		return Decision{}, nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !g.allowed[strings.ToLower(mt)] {
		return Decision{Respond: jsonResponse(http.StatusUnsupportedMediaType,
			fmt.Sprintf("content type %q is not accepted", r.Header.Get("Content-Type")))}, nil
	}
	return Decision{}, nil
}

// bodyFieldRouter chooses the upstream from a field of the JSON body.
//
//	custom:
//	  path: body-field-router
//	  options:
//	    field: tenant.region
//	    upstreams: { eu: http://eu.internal, us: http://us.internal }
//	    default: http://eu.internal
type bodyFieldRouter struct {
	field     []string
	upstreams map[string]string
	fallback  string
}

func newBodyFieldRouter(opts map[string]any) (Hook, error) {
	field, _ := opts["field"].(string)
	if field == "" {
		return nil, errors.New("option field is required")
	}
	ups, _ := opts["upstreams"].(map[string]any)
	if len(ups) == 0 {
		return nil, errors.New("option upstreams is required")
	}
	r := &bodyFieldRouter{field: strings.Split(field, "."), upstreams: make(map[string]string, len(ups))}
	for k, v := range ups {
		s := fmt.Sprint(v)
		if u, err := url.Parse(s); err != nil || u.Host == "" {
			return nil, fmt.Errorf("upstreams[%s]: invalid url %q", k, s)
		}
		r.upstreams[k] = s
	}
	r.fallback, _ = opts["default"].(string)
	return r, nil
}

func (b *bodyFieldRouter) NeedsBody() bool { return true }

func (b *bodyFieldRouter) BeforeRoute(r *Request) (Decision, error) {
	if len(r.Body) == 0 {
		return Decision{Upstream: b.fallback}, nil
	}
	var doc any
	if err := json.Unmarshal(r.Body, &doc); err != nil {
		return Decision{Respond: jsonResponse(http.StatusBadRequest, "body is not valid JSON")}, nil
	}
	for _, f := range b.field {
		m, ok := doc.(map[string]any)
		if !ok {
			doc = nil
			break
		}
		doc = m[f]
	}
	if doc != nil {
		if up, ok := b.upstreams[fmt.Sprint(doc)]; ok {
			return Decision{Upstream: up}, nil
		}
	}
	if b.fallback != "" {
		return Decision{Upstream: b.fallback}, nil
	}
	return Decision{Respond: jsonResponse(http.StatusBadRequest,
		fmt.Sprintf("no upstream for %s", strings.Join(b.field, ".")))}, nil
}
