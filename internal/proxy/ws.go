package proxy

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabian4/gateway-composer/internal/hooks"
	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/router"
)

// CloseUpstreamUnavailable is sent to the client once reconnection to the
// upstream is exhausted.
const (
	CloseUpstreamUnavailable = websocket.CloseInternalServerErr
	upstreamUnavailable      = "upstream unavailable"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the gateway fronts the applications; origin policy is theirs
	CheckOrigin: func(*http.Request) bool { return true },
}

// handshake headers gorilla sets itself and rejects when duplicated
var wsHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Accept",
}

const defaultConnectionTimeout = 10 * time.Second

// policy is the upstream reconnection policy with defaults applied. A nil
// *ReconnectOptions means a single attempt and no reconnection.
type policy struct {
	enabled  bool
	retries  int
	interval time.Duration
	decay    float64
	timeout  time.Duration
	ping     time.Duration
	onClose  bool
}

func newPolicy(o *model.ReconnectOptions) policy {
	if o == nil {
		return policy{timeout: defaultConnectionTimeout, decay: 1}
	}
	p := policy{
		enabled:  true,
		retries:  o.MaxReconnectionRetries,
		interval: o.ReconnectInterval,
		decay:    o.ReconnectDecay,
		timeout:  o.ConnectionTimeout,
		ping:     o.PingInterval,
		onClose:  o.ReconnectOnClose,
	}
	if p.decay < 1 {
		p.decay = 1
	}
	if p.timeout <= 0 {
		p.timeout = defaultConnectionTimeout
	}
	return p
}

// backoff is interval * decay^attempt.
func (p policy) backoff(attempt int) time.Duration {
	return time.Duration(float64(p.interval) * math.Pow(p.decay, float64(attempt)))
}

// wsTarget is the upstream WebSocket URL: proxy.ws.upstream when set, else
// the application's target with a ws scheme and the routed path.
func wsTarget(app *model.Application, m *router.Match, rawQuery string) (*url.URL, error) {
	var u *url.URL
	if app.Proxy != nil && app.Proxy.WS != nil && app.Proxy.WS.Upstream != "" {
		parsed, err := url.Parse(app.Proxy.WS.Upstream)
		if err != nil {
			return nil, err
		}
		u = parsed
	} else {
		t := app.TargetURL()
		if t == nil {
			return nil, errors.New("application has no usable target")
		}
		u = new(url.URL)
		*u = *t
		u.Path = joinSlash(t.Path, m.UpstreamPath)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.RawQuery == "" {
		u.RawQuery = rawQuery
	}
	return u, nil
}

func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, m *router.Match) {
	app := m.App
	target, err := wsTarget(app, m, r.URL.RawQuery)
	if err != nil {
		p.log.Error("invalid websocket upstream", "application", app.ID, "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	var wsHook hooks.WSHook
	if h, ok := p.hooks[app.ID].(hooks.WSHook); ok {
		wsHook = h
		req := &hooks.Request{Method: r.Method, Path: r.URL.Path, Host: r.Host, Header: r.Header}
		if err := h.OnConnect(req); err != nil {
			p.log.Info("websocket rejected by hook", "application", app.ID, "error", err)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	var opts *model.ReconnectOptions
	if app.Proxy != nil && app.Proxy.WS != nil {
		opts = app.Proxy.WS.Reconnect
	}
	pol := newPolicy(opts)

	hdr, _ := forwardedHeaders(r)
	for _, k := range wsHandshakeHeaders {
		hdr.Del(k)
	}

	s := &session{
		proxy:  p,
		app:    app.ID,
		target: target.String(),
		header: hdr,
		policy: pol,
		hook:   wsHook,
	}

	up, resp, err := s.connect(r.Context(), true)
	if err != nil {
		p.log.Warn("websocket upstream unavailable", "application", app.ID, "upstream", s.target, "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	var respHdr http.Header
	if resp != nil {
		if proto := resp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
			respHdr = http.Header{"Sec-Websocket-Protocol": {proto}}
		}
	}
	client, err := upgrader.Upgrade(w, r, respHdr)
	if err != nil {
		// Upgrade already replied to the client
		_ = up.Close()
		return
	}

	p.opts.Metrics.IncActiveWS(app.ID)
	defer p.opts.Metrics.DecActiveWS(app.ID)

	s.client = client
	s.setUpstream(up)
	s.run(r.Context())
}

// session relays one client connection. Only run writes to the client and
// only pump writes to the upstream; pings and close frames go through
// WriteControl, which gorilla allows concurrently.
type session struct {
	proxy  *Proxy
	app    string
	target string
	header http.Header
	policy policy
	hook   hooks.WSHook

	client *websocket.Conn

	mu sync.Mutex
	up *websocket.Conn
}

func (s *session) upstream() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *session) setUpstream(c *websocket.Conn) {
	s.mu.Lock()
	s.up = c
	s.mu.Unlock()
	if s.policy.ping > 0 {
		deadline := 2 * s.policy.ping
		_ = c.SetReadDeadline(time.Now().Add(deadline))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(deadline))
		})
	}
}

func (s *session) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.policy.timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, s.policy.timeout)
	defer cancel()
	c, resp, err := d.DialContext(ctx, s.target, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return c, resp, err
}

// connect dials the upstream. The initial connection tries once before
// the retries; a reconnection only makes the policy.retries attempts. The
// n-th retry waits backoff(n) first.
func (s *session) connect(ctx context.Context, initial bool) (*websocket.Conn, *http.Response, error) {
	var (
		c    *websocket.Conn
		resp *http.Response
		err  error
	)
	if initial {
		c, resp, err = s.dial(ctx)
		if err == nil || !s.policy.enabled {
			return c, resp, err
		}
	}
	if !s.policy.enabled {
		return nil, nil, errors.New("reconnection disabled")
	}
	for attempt := 0; attempt < s.policy.retries; attempt++ {
		t := time.NewTimer(s.policy.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
		s.proxy.opts.Metrics.IncWSReconnect(s.app)
		if c, resp, err = s.dial(ctx); err == nil {
			return c, resp, nil
		}
		s.proxy.log.Debug("websocket reconnect failed", "application", s.app, "attempt", attempt+1, "error", err)
	}
	if err == nil {
		err = errors.New("no reconnection attempts allowed")
	}
	return nil, nil, err
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pump(ctx)
		cancel()
		// unblock relayUpstream
		up := s.upstream()
		_ = up.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = up.Close()
	}()
	if s.policy.ping > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pinger(ctx)
		}()
	}

	s.relayUpstream(ctx)
	cancel()
	if up := s.upstream(); up != nil {
		_ = up.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = up.Close()
	}
	_ = s.client.Close()
	wg.Wait()
}

// pump relays client messages to the current upstream. Messages arriving
// while the upstream is being replaced are dropped.
func (s *session) pump(ctx context.Context) {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		if s.hook != nil {
			data, err = s.hook.OnMessage(mt, data)
			if err != nil {
				s.proxy.log.Info("websocket message rejected by hook", "application", s.app, "error", err)
				s.closeClient(websocket.ClosePolicyViolation, truncateReason(err.Error()))
				return
			}
			if data == nil {
				continue
			}
		}
		if err := s.upstream().WriteMessage(mt, data); err != nil && ctx.Err() == nil {
			s.proxy.log.Debug("dropped client message", "application", s.app, "error", err)
		}
	}
}

func (s *session) pinger(ctx context.Context) {
	t := time.NewTicker(s.policy.ping)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.upstream().WriteControl(websocket.PingMessage, nil, time.Now().Add(s.policy.ping))
		}
	}
}

// relayUpstream copies upstream messages to the client and replaces the
// upstream connection when the policy allows it.
func (s *session) relayUpstream(ctx context.Context) {
	for ctx.Err() == nil {
		up := s.upstream()
		mt, data, err := up.ReadMessage()
		if err == nil {
			if err := s.client.WriteMessage(mt, data); err != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		_ = up.Close()

		var ce *websocket.CloseError
		closed := errors.As(err, &ce)
		if !s.policy.enabled || (closed && !s.policy.onClose) {
			if closed {
				s.closeClient(ce.Code, ce.Text)
			} else {
				s.closeClient(CloseUpstreamUnavailable, upstreamUnavailable)
			}
			return
		}

		s.proxy.log.Info("websocket upstream lost, reconnecting", "application", s.app, "error", err)
		next, _, err := s.connect(ctx, false)
		if err != nil {
			if ctx.Err() == nil {
				s.proxy.log.Warn("websocket upstream unavailable", "application", s.app, "upstream", s.target, "error", err)
				s.closeClient(CloseUpstreamUnavailable, upstreamUnavailable)
			}
			return
		}
		s.setUpstream(next)
	}
}

func (s *session) closeClient(code int, text string) {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		// reserved codes must not be sent on the wire
		code = websocket.CloseNormalClosure
	}
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// close reasons are limited to 123 bytes
func truncateReason(s string) string {
	if len(s) > 123 {
		s = s[:123]
	}
	return strings.ToValidUTF8(s, "")
}
