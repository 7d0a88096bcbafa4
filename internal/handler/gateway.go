package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fabian4/gateway-composer/internal/composer"
	"github.com/fabian4/gateway-composer/internal/config"
	"github.com/fabian4/gateway-composer/internal/graphql"
	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/ratelimit"
	"github.com/fabian4/gateway-composer/internal/router"
)

const (
	documentationPath = "/documentation/json"
	graphqlPath       = "/graphql"
	graphiqlPath      = "/graphiql"
)

// state is one published composition. Requests load it once and keep using
// that snapshot.
type state struct {
	result   *composer.Result
	graphiql http.Handler // nil when disabled
	index    []byte
}

type Gateway struct {
	state     atomic.Pointer[state]
	AccessLog io.Writer
	Metrics   *metrics.Registry
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

var _ http.Handler = (*Gateway)(nil)

func NewGateway(accessLog io.Writer, m *metrics.Registry, log *slog.Logger) *Gateway {
	if accessLog == nil {
		accessLog = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{AccessLog: accessLog, Metrics: m, Limiter: ratelimit.NewLimiter(), Logger: log}
}

// Apply publishes a new composition. In-flight requests finish on the
// snapshot they started with.
func (g *Gateway) Apply(res *composer.Result) error {
	st := &state{result: res}
	if res.GraphQL != nil && res.Config.GraphQL.GraphiQL {
		st.graphiql = graphql.GraphiQL(graphqlPath)
	}
	index, err := renderIndex(res)
	if err != nil {
		return err
	}
	st.index = index

	ids := make([]string, 0, len(res.Applications))
	for _, a := range res.Applications {
		ids = append(ids, a.ID)
	}
	g.Limiter.Retain(ids)
	g.state.Store(st)
	return nil
}

// Ready reports whether a composition has been applied.
func (g *Gateway) Ready() bool { return g.state.Load() != nil }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.state.Load()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway is composing")
		return
	}
	cfg := st.result.Config

	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var appID, upstream string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		if cfg.AccessLog.Enabled && (cfg.AccessLog.Sampling >= 1.0 || rand.Float64() < cfg.AccessLog.Sampling) {
			g.writeAccessLog(cfg.AccessLog, AccessLog{
				Time:         start,
				Method:       r.Method,
				Path:         r.URL.Path,
				Protocol:     r.Proto,
				Status:       status,
				Duration:     duration.Milliseconds(),
				RemoteIP:     r.RemoteAddr,
				UserAgent:    r.UserAgent(),
				Referer:      r.Referer(),
				Application:  appID,
				Upstream:     upstream,
				BytesWritten: lw.bytes,
			})
		}
		if appID != "" {
			g.Metrics.IncRequest(appID, r.Method, strconv.Itoa(status))
			g.Metrics.ObserveLatency(appID, duration)
		}
	}()

	switch {
	case r.URL.Path == documentationPath && isRead(r.Method):
		lw.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = lw.Write(st.result.OpenAPIJSON)
		return
	case r.URL.Path == graphqlPath && st.result.GraphQL != nil:
		st.result.GraphQL.ServeHTTP(lw, r)
		return
	case r.URL.Path == graphiqlPath && isRead(r.Method):
		if st.graphiql == nil {
			writeError(lw, http.StatusNotFound, "Route GET:/graphiql not found")
			return
		}
		st.graphiql.ServeHTTP(lw, r)
		return
	case cfg.Metrics.Enabled && r.URL.Path == cfg.Metrics.Path && isRead(r.Method):
		g.Metrics.Handler().ServeHTTP(lw, r)
		return
	}

	m, err := st.result.Routes.Route(r.Method, r.Host, r.URL.Path)
	if errors.Is(err, router.ErrNotFound) {
		if r.URL.Path == "/" && isRead(r.Method) {
			lw.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = lw.Write(st.index)
			return
		}
		writeError(lw, http.StatusNotFound, "Route "+r.Method+":"+r.URL.Path+" not found")
		return
	}
	appID = m.App.ID
	upstream = m.App.Target()

	if rl := rateLimit(m); rl != nil && !g.Limiter.Allow(appID, rl.RequestsPerSecond, rl.Burst) {
		g.Metrics.IncRateLimited(appID)
		lw.Header().Set("Retry-After", "1")
		writeError(lw, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	st.result.Proxy.ServeHTTP(lw, r, m)
}

func (g *Gateway) writeAccessLog(cfg config.AccessLog, entry AccessLog) {
	var out any = entry
	if len(cfg.Fields) > 0 {
		out = entry.filter(cfg.Fields)
	}
	if err := json.NewEncoder(g.AccessLog).Encode(out); err != nil {
		g.Logger.Error("access log", "error", err)
	}
}

func rateLimit(m *router.Match) *model.RateLimit {
	if m.App.Proxy == nil {
		return nil
	}
	return m.App.Proxy.RateLimit
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"error":      http.StatusText(status),
		"message":    msg,
	})
}

type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Application  string    `json:"application,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

func (e AccessLog) filter(fields []string) map[string]any {
	all := map[string]any{
		"time":          e.Time,
		"method":        e.Method,
		"path":          e.Path,
		"protocol":      e.Protocol,
		"status":        e.Status,
		"duration_ms":   e.Duration,
		"remote_ip":     e.RemoteIP,
		"user_agent":    e.UserAgent,
		"referer":       e.Referer,
		"application":   e.Application,
		"upstream":      e.Upstream,
		"bytes_written": e.BytesWritten,
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			m[f] = v
		}
	}
	return m
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the WebSocket upgrader reach the
// underlying connection.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
