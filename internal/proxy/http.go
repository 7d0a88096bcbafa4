// Package proxy forwards routed requests and WebSocket connections to the
// application that owns them.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabian4/gateway-composer/internal/forward"
	"github.com/fabian4/gateway-composer/internal/hooks"
	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/router"
)

// DefaultMaxBodyBytes bounds bodies buffered for hooks.
const DefaultMaxBodyBytes = 10 << 20

type Options struct {
	Transports  *forward.Registry
	Timeout     time.Duration // per proxied request, 0 = none
	Passthrough []string      // content types never buffered or shown to hooks
	MaxBody     int64
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Proxy is built once per composition; it is safe for concurrent use.
type Proxy struct {
	opts  Options
	hooks map[string]hooks.Hook // by application id
	log   *slog.Logger
}

// New instantiates the custom hook of every application. An unknown hook
// name is a configuration error.
func New(apps []model.Application, opts Options) (*Proxy, error) {
	if opts.Transports == nil {
		opts.Transports = forward.NewDefaultRegistry()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBodyBytes
	}
	p := &Proxy{opts: opts, hooks: map[string]hooks.Hook{}, log: opts.Logger}
	if p.log == nil {
		p.log = slog.Default()
	}
	for _, a := range apps {
		if a.Proxy == nil || a.Proxy.Custom == nil {
			continue
		}
		h, err := hooks.New(a.Proxy.Custom.Path, a.Proxy.Custom.Options)
		if err != nil {
			return nil, fmt.Errorf("application %s: %w", a.ID, err)
		}
		p.hooks[a.ID] = h
	}
	return p, nil
}

// ServeHTTP forwards r to the application selected by m.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, m *router.Match) {
	app := m.App
	if websocket.IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, m)
		return
	}

	target := app.TargetURL()
	if target == nil {
		p.log.Error("application has no usable target", "application", app.ID)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	body := r.Body
	contentLength := r.ContentLength
	if h := p.hooks[app.ID]; h != nil {
		req := &hooks.Request{Method: r.Method, Path: r.URL.Path, Host: r.Host, Header: r.Header}
		if hooks.NeedsBody(h) && !mediaTypeIn(r.Header.Get("Content-Type"), p.opts.Passthrough) && r.Body != nil && r.Body != http.NoBody {
			b, err := io.ReadAll(io.LimitReader(r.Body, p.opts.MaxBody+1))
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if int64(len(b)) > p.opts.MaxBody {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			req.Body = b
			body = io.NopCloser(bytes.NewReader(b))
			contentLength = int64(len(b))
		}
		d, err := hooks.Call(h, req)
		if err != nil {
			p.log.Error("custom hook failed", "application", app.ID, "hook", app.Proxy.Custom.Path, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if d.Respond != nil {
			writeHookResponse(w, d.Respond)
			return
		}
		if d.Upstream != "" {
			u, err := url.Parse(d.Upstream)
			if err != nil || u.Host == "" {
				p.log.Error("custom hook chose an invalid upstream", "application", app.ID, "upstream", d.Upstream)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			target = u
		}
	}

	upstreamBase := target.Path
	if app.Proxy != nil && app.Proxy.RewritePrefix != "" {
		upstreamBase = joinSlash(target.Path, app.Proxy.RewritePrefix)
	}
	u := new(url.URL)
	*u = *target
	u.Path = joinSlash(target.Path, m.UpstreamPath)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	hdr, reqID := forwardedHeaders(r)

	ctx := r.Context()
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = contentLength
	reqUp.Host = target.Host

	transport := ""
	if app.Proxy != nil {
		transport = app.Proxy.Transport
	}
	resUp, err := p.opts.Transports.Get(transport).RoundTrip(reqUp)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		if r.Context().Err() == nil {
			p.log.Warn("upstream error", "application", app.ID, "upstream", u.String(), "error", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			p.log.Debug("error closing upstream body", "error", err)
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	if loc := resUp.Header.Get("Location"); loc != "" && shouldRewriteLocation(resUp.StatusCode) {
		resUp.Header.Set("Location", rewriteLocation(loc, target, upstreamBase, m.Prefix))
	}
	copyHeaders(w.Header(), resUp.Header)
	if w.Header().Get(requestIDHeader) == "" {
		w.Header().Set(requestIDHeader, reqID)
	}

	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	var dst io.Writer = w
	if resUp.ContentLength == -1 {
		dst = flushWriter{w}
	}
	_, _ = io.Copy(dst, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func writeHookResponse(w http.ResponseWriter, res *hooks.Response) {
	copyHeaders(w.Header(), res.Header)
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

// flushWriter flushes after every write; used for responses of unknown
// length (SSE, chunked streams).
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.w.Write(b)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
