package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gateway-composer/internal/composer"
	"github.com/fabian4/gateway-composer/internal/config"
	"github.com/fabian4/gateway-composer/internal/forward"
	"github.com/fabian4/gateway-composer/internal/handler"
	"github.com/fabian4/gateway-composer/internal/runtime"
)

func docWith(path string) string {
	return fmt.Sprintf(`{"openapi":"3.0.3","info":{"title":"t","version":"1"},"paths":{%q:{"get":{"responses":{"200":{"description":"ok"}}}}}}`, path)
}

// switchable serves whichever OpenAPI document is current.
func switchable(t *testing.T, initial string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var doc atomic.Value
	doc.Store(initial)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, doc.Load().(string))
	}))
	t.Cleanup(s.Close)
	return s, &doc
}

func documentation(t *testing.T, gw *handler.Gateway) string {
	t.Helper()
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documentation/json", nil))
	return rr.Body.String()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func parse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestSupervisor_RecomposesOnChange(t *testing.T) {
	up, doc := switchable(t, docWith("/users"))
	cfg := parse(t, fmt.Sprintf(`
refresh_timeout: 20
applications:
  - id: api
    origin: %s
    openapi: { url: /documentation/json }
    proxy: { prefix: /api }
`, up.URL))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := handler.NewGateway(nil, nil, log)
	rt := runtime.NewLocal()
	sup := newSupervisor(cfg, gw, rt, composer.Deps{Transports: forward.NewDefaultRegistry(), Logger: log}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.run(ctx) }()

	eventually(t, gw.Ready, "first composition was never applied")
	assert.Contains(t, documentation(t, gw), `"/api/users"`)

	// the watcher notices the new document and the supervisor recomposes
	doc.Store(docWith("/accounts"))
	eventually(t, func() bool {
		return strings.Contains(documentation(t, gw), `"/api/accounts"`)
	}, "the changed document was never composed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_Reload(t *testing.T) {
	up, _ := switchable(t, docWith("/users"))
	cfg := parse(t, fmt.Sprintf(`
applications:
  - id: one
    origin: %s
    proxy: { prefix: /one }
`, up.URL))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := handler.NewGateway(nil, nil, log)
	sup := newSupervisor(cfg, gw, runtime.NewLocal(), composer.Deps{Logger: log}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.run(ctx) }()
	eventually(t, gw.Ready, "first composition was never applied")

	status := func(path string) int {
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}
	require.Equal(t, http.StatusNotFound, status("/two/x"))

	sup.reload(parse(t, fmt.Sprintf(`
applications:
  - id: two
    origin: %s
    proxy: { prefix: /two }
`, up.URL)))
	eventually(t, func() bool { return status("/two/x") == http.StatusOK }, "reloaded config was never composed")
}

func TestSupervisor_FirstCompositionErrorIsFatal(t *testing.T) {
	cfg := parse(t, `
applications:
  - id: a
    origin: http://a
    proxy: { prefix: /a, custom: { path: no-such-hook } }
`)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := handler.NewGateway(nil, nil, log)
	sup := newSupervisor(cfg, gw, runtime.NewLocal(), composer.Deps{Logger: log}, log)

	err := sup.run(context.Background())
	assert.Error(t, err)
	assert.False(t, gw.Ready())
}

func TestComposeCommand(t *testing.T) {
	up, _ := switchable(t, docWith("/users"))
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
log: { level: error }
applications:
  - id: api
    origin: %s
    openapi: { url: /documentation/json }
    proxy: { prefix: /api }
`, up.URL)), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"compose", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"/api/users"`)
}

func TestComposeCommand_MissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"compose", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, root.Execute())
}
