// Package hooks is the compiled-in registry of custom routing hooks named by
// proxy.custom.path.
package hooks

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

var ErrUnknownHook = errors.New("unknown hook")

// Request is what a hook sees of an inbound request. Body is nil for
// passthrough content types and for requests without a body.
type Request struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   []byte
}

// Response is written to the client verbatim.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decision is the outcome of BeforeRoute. A zero Decision proxies to the
// application's default target.
type Decision struct {
	Respond  *Response
	Upstream string // base URL replacing the application's target
}

// Hook runs before a request is proxied. Returning an error answers 500.
type Hook interface {
	BeforeRoute(r *Request) (Decision, error)
}

// WSHook is implemented by hooks that also observe WebSocket relays.
type WSHook interface {
	OnConnect(r *Request) error
	// OnMessage may rewrite a client message before it is relayed upstream.
	OnMessage(messageType int, data []byte) ([]byte, error)
}

// BodyReader is implemented by hooks that need the request body.
type BodyReader interface {
	NeedsBody() bool
}

// Factory builds a hook from proxy.custom.options.
type Factory func(options map[string]any) (Hook, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a hook available by name. It panics on a duplicate name,
// like database/sql drivers do.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("hooks: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("hooks: Register called twice for " + name)
	}
	factories[name] = f
}

// New instantiates the named hook.
func New(name string, options map[string]any) (Hook, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHook, name)
	}
	h, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	return h, nil
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Call runs BeforeRoute and converts a panic into an error.
func Call(h Hook, r *Request) (d Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return h.BeforeRoute(r)
}

// NeedsBody reports whether the request body must be buffered for h.
func NeedsBody(h Hook) bool {
	if br, ok := h.(BodyReader); ok {
		return br.NeedsBody()
	}
	return true
}
