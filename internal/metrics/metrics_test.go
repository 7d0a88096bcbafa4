package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncRequest(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("api1", "GET", "200")
	r.IncRequest("api1", "GET", "200")
	r.IncRequest("api1", "POST", "502")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("api1", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("api1", "POST", "502")))
}

func TestRegistry_ActiveWS(t *testing.T) {
	r := NewRegistry()
	r.IncActiveWS("chat")
	r.IncActiveWS("chat")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.wsActive.WithLabelValues("chat")))
	r.DecActiveWS("chat")
	r.DecActiveWS("chat")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.wsActive.WithLabelValues("chat")))
}

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	r.IncRestartSignal()
	r.IncFetchError("openapi", "api1")
	r.IncRateLimited("api1")
	r.IncWSReconnect("chat")
	r.IncComposition(true)
	r.IncComposition(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.restarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchErrors.WithLabelValues("openapi", "api1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rateLimited.WithLabelValues("api1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.wsReconnects.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.compositions.WithLabelValues("error")))
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("api1", 150*time.Millisecond)
	r.IncRequest("api1", "GET", "200")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(b)
	assert.Contains(t, body, `gateway_requests_total{application="api1",method="GET",status="200"} 1`)
	assert.Contains(t, body, `gateway_upstream_latency_seconds_count{application="api1"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.IncRequest("a", "GET", "200")
	r.IncActiveWS("a")
	r.DecActiveWS("a")
	r.IncRestartSignal()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
