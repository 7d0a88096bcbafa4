package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/model"
)

var testUpgrader = websocket.Upgrader{}

// echoServer echoes every message it receives.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func activeWS(t *testing.T, m *metrics.Registry) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, f := range families {
		if f.GetName() != "gateway_websocket_active_connections" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetGauge().GetValue()
		}
	}
	return total
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWebSocket_RelayAndGauge(t *testing.T) {
	up := echoServer(t)
	defer up.Close()

	m := metrics.NewRegistry()
	gw := httptest.NewServer(gateway(t, []model.Application{
		{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{Prefix: "/chat"}},
	}, Options{Metrics: m}))
	defer gw.Close()

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/ws"), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	waitFor(t, func() bool { return activeWS(t, m) == 2 }, "gauge never reached 2")

	for i, c := range conns {
		msg := fmt.Sprintf("hello %d", i)
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != msg {
			t.Errorf("echo = %q, want %q", data, msg)
		}
	}

	if err := conns[0].WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	mt, data, err := conns[0].ReadMessage()
	if err != nil || mt != websocket.BinaryMessage || len(data) != 3 {
		t.Errorf("binary echo: type=%d data=%v err=%v", mt, data, err)
	}

	_ = conns[0].WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conns[0].Close()
	// abnormal close: drop the TCP connection without a close frame
	_ = conns[1].UnderlyingConn().Close()

	waitFor(t, func() bool { return activeWS(t, m) == 0 }, "gauge did not return to 0")
}

func TestWebSocket_ReconnectsUpstream(t *testing.T) {
	var n atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		i := n.Add(1)
		_ = c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("hello %d", i)))
		if i == 1 {
			time.Sleep(20 * time.Millisecond)
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer up.Close()

	m := metrics.NewRegistry()
	gw := httptest.NewServer(gateway(t, []model.Application{{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{
		Prefix: "/chat",
		WS: &model.WSOptions{Reconnect: &model.ReconnectOptions{
			MaxReconnectionRetries: 3,
			ReconnectInterval:      5 * time.Millisecond,
			ReconnectDecay:         1.5,
			ConnectionTimeout:      time.Second,
			ReconnectOnClose:       true,
		}},
	}}}, Options{Metrics: m}))
	defer gw.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

	for _, want := range []string{"hello 1", "hello 2"} {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != want {
			t.Errorf("got %q, want %q", data, want)
		}
	}
	if activeWS(t, m) != 1 {
		t.Errorf("client connection must survive the upstream reconnect")
	}
}

func TestWebSocket_ExhaustionCloses1011(t *testing.T) {
	var n atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte("hello"))
		time.Sleep(20 * time.Millisecond)
		// abnormal: no close frame
		_ = c.UnderlyingConn().Close()
	}))
	defer up.Close()

	gw := httptest.NewServer(gateway(t, []model.Application{{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{
		Prefix: "/chat",
		WS: &model.WSOptions{Reconnect: &model.ReconnectOptions{
			MaxReconnectionRetries: 2,
			ReconnectInterval:      5 * time.Millisecond,
			ReconnectDecay:         2,
		}},
	}}}, Options{}))
	defer gw.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

	if _, data, err := c.ReadMessage(); err != nil || string(data) != "hello" {
		t.Fatalf("first message: %q %v", data, err)
	}
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected close 1011, got %v", err)
	}
	if ce := err.(*websocket.CloseError); ce.Text != "upstream unavailable" {
		t.Errorf("close reason = %q", ce.Text)
	}
	if got := n.Load(); got != 3 {
		t.Errorf("upstream dialed %d times, want 1 + 2 retries", got)
	}
}

func TestWebSocket_PingKeepsResponsiveUpstream(t *testing.T) {
	var n atomic.Int32
	echo := echoServer(t)
	defer echo.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		echo.Config.Handler.ServeHTTP(w, r)
	}))
	defer up.Close()

	gw := httptest.NewServer(gateway(t, []model.Application{{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{
		Prefix: "/chat",
		WS: &model.WSOptions{Reconnect: &model.ReconnectOptions{
			PingInterval:           20 * time.Millisecond,
			MaxReconnectionRetries: 1,
			ReconnectInterval:      5 * time.Millisecond,
		}},
	}}}, Options{}))
	defer gw.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

	// several read deadlines pass; pongs keep extending them
	time.Sleep(200 * time.Millisecond)
	if err := c.WriteMessage(websocket.TextMessage, []byte("still there")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, data, err := c.ReadMessage(); err != nil || string(data) != "still there" {
		t.Fatalf("echo: %q %v", data, err)
	}
	if got := n.Load(); got != 1 {
		t.Errorf("upstream dialed %d times, want 1", got)
	}
}

func TestWebSocket_SilentUpstreamIsReplaced(t *testing.T) {
	var n atomic.Int32
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := n.Add(1)
		if i > 2 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("hello %d", i)))
		// never reads, so pings are never answered
		<-release
	}))
	defer up.Close()
	defer close(release)

	gw := httptest.NewServer(gateway(t, []model.Application{{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{
		Prefix: "/chat",
		WS: &model.WSOptions{Reconnect: &model.ReconnectOptions{
			PingInterval:           20 * time.Millisecond,
			MaxReconnectionRetries: 1,
			ReconnectInterval:      5 * time.Millisecond,
			ConnectionTimeout:      time.Second,
		}},
	}}}, Options{}))
	defer gw.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

	// the first upstream misses its pongs and is replaced by the second
	for _, want := range []string{"hello 1", "hello 2"} {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != want {
			t.Errorf("got %q, want %q", data, want)
		}
	}
	// the second goes silent too and the only retry is refused
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected close 1011, got %v", err)
	}
	if got := n.Load(); got != 3 {
		t.Errorf("upstream dialed %d times, want 3", got)
	}
}

func TestWebSocket_NoReconnectForwardsClose(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "bye"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer up.Close()

	gw := httptest.NewServer(gateway(t, []model.Application{
		{ID: "chat", Origin: up.URL, Proxy: &model.ProxyOptions{Prefix: "/chat"}},
	}, Options{}))
	defer gw.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, 4001) {
		t.Fatalf("expected upstream close code to be forwarded, got %v", err)
	}
}

func TestWebSocket_UpstreamDownIs502(t *testing.T) {
	gw := httptest.NewServer(gateway(t, []model.Application{
		{ID: "chat", Origin: "http://127.0.0.1:1", Proxy: &model.ProxyOptions{Prefix: "/chat"}},
	}, Options{}))
	defer gw.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gw, "/chat/"), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", resp)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := newPolicy(&model.ReconnectOptions{ReconnectInterval: 100 * time.Millisecond, ReconnectDecay: 2})
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := p.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if d := newPolicy(nil); d.enabled || d.timeout != defaultConnectionTimeout {
		t.Errorf("nil options: %+v", d)
	}
}
