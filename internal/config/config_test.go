package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_Minimal(t *testing.T) {
	yml := `
server:
  listen: ":8080"
refresh_timeout: 1500
applications:
  - id: api1
    origin: "http://127.0.0.1:9001/"
    openapi:
      url: /documentation/json
    proxy:
      prefix: /api1/
      hostname: "App.Example.COM"
`
	cfg, err := Load(writeTmp(t, yml))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 1500*time.Millisecond, cfg.RefreshTimeout)
	assert.Equal(t, DefaultPassthroughContentTypes, cfg.PassthroughContentTypes)
	assert.True(t, cfg.GraphQL.GraphiQL, "graphiql defaults to enabled")
	assert.Equal(t, "Gateway", cfg.OpenAPI.Title)

	require.Len(t, cfg.Applications, 1)
	app := cfg.Applications[0]
	assert.Equal(t, "api1", app.ID)
	assert.Equal(t, "http://127.0.0.1:9001", app.Origin, "trailing slash trimmed")
	require.NotNil(t, app.OpenAPI)
	assert.Equal(t, "/documentation/json", app.OpenAPI.URL)
	require.NotNil(t, app.Proxy)
	assert.Equal(t, "/api1", app.Proxy.Prefix)
	// host should be normalized to lower-case by loader
	assert.Equal(t, "app.example.com", app.Proxy.Hostname)
}

func TestLoad_GraphQLForms(t *testing.T) {
	yml := `
applications:
  - id: a
    origin: http://a:80
    graphql: true
  - id: b
    origin: http://b:80
    graphql:
      name: books
      entities:
        Book:
          pkey: id
          resolver: { name: getBooksByIds, args_adapter: ids }
          fkeys:
            - { type: Author, field: authorId, as: author, pkey: id, subgraph: authors }
  - id: c
    origin: http://c:80
    graphql: false
`
	cfg, err := Load(writeTmp(t, yml))
	require.NoError(t, err)
	require.Len(t, cfg.Applications, 3)

	require.NotNil(t, cfg.Applications[0].GraphQL)
	assert.Equal(t, "/graphql", cfg.Applications[0].GraphQL.EndpointPath())

	g := cfg.Applications[1].GraphQL
	require.NotNil(t, g)
	assert.Equal(t, "books", g.SubgraphName("b"))
	book := g.Entities["Book"]
	assert.Equal(t, "id", book.PKey)
	require.NotNil(t, book.Resolver)
	assert.Equal(t, "getBooksByIds", book.Resolver.Name)
	require.Len(t, book.FKeys, 1)
	assert.Equal(t, "authors", book.FKeys[0].Subgraph)

	assert.Nil(t, cfg.Applications[2].GraphQL)
}

func TestLoad_ProxyOptions(t *testing.T) {
	yml := `
passthrough_content_types: [ "application/x-protobuf", "multipart/form-data" ]
timeouts:
  read: 1s
  upstream: 500ms
applications:
  - id: ws
    origin: http://ws:80
    proxy:
      prefix: /ws
      methods: [ get, post ]
      routes: [ "/ws/*" ]
      transport: h2c
      ws:
        upstream: ws://ws:80/socket
        reconnect:
          max_reconnection_retries: 3
          reconnect_interval: 100ms
          reconnect_on_close: true
      custom:
        path: content-type-guard
      rate_limit: { requests_per_second: 10 }
`
	cfg, err := Load(writeTmp(t, yml))
	require.NoError(t, err)

	assert.Equal(t, []string{"multipart/form-data", "application/octet-stream", "application/x-protobuf"}, cfg.PassthroughContentTypes)
	assert.Equal(t, time.Second, cfg.Timeouts.Read)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.Upstream)

	px := cfg.Applications[0].Proxy
	require.NotNil(t, px)
	assert.Equal(t, []string{"GET", "POST"}, px.Methods)
	assert.Equal(t, "h2c", px.Transport)
	require.NotNil(t, px.WS)
	require.NotNil(t, px.WS.Reconnect)
	assert.Equal(t, 3, px.WS.Reconnect.MaxReconnectionRetries)
	assert.Equal(t, 1.5, px.WS.Reconnect.ReconnectDecay, "decay defaults")
	assert.True(t, px.WS.Reconnect.ReconnectOnClose)
	require.NotNil(t, px.Custom)
	assert.Equal(t, "content-type-guard", px.Custom.Path)
	require.NotNil(t, px.RateLimit)
	assert.Equal(t, 1, px.RateLimit.Burst)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"duplicate id": `
applications:
  - { id: a, origin: "http://a" }
  - { id: a, origin: "http://b" }
`,
		"bad prefix": `
applications:
  - { id: a, proxy: { prefix: "api" } }
`,
		"url and file": `
applications:
  - { id: a, openapi: { url: /doc, file: ./doc.json } }
`,
		"unknown transport": `
applications:
  - { id: a, proxy: { transport: spdy } }
`,
		"bad ws scheme": `
applications:
  - { id: a, proxy: { ws: { upstream: "http://a/ws" } } }
`,
		"bad refresh": `
refresh_timeout: soon
`,
		"half tls": `
server: { tls: { cert_file: /tmp/c.pem } }
`,
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTmp(t, yml))
			assert.Error(t, err)
		})
	}
}

func TestWatch_CallsOnChange(t *testing.T) {
	fp := writeTmp(t, "applications: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, fp, 20*time.Millisecond, func() { calls.Add(1) }) }()

	// the watcher registers asynchronously; keep writing until it notices
	require.Eventually(t, func() bool {
		_ = os.WriteFile(fp, []byte("refresh_timeout: 10\n"), 0o644)
		return calls.Load() > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Applications, 5)
	assert.Equal(t, time.Second, cfg.RefreshTimeout)
	assert.Equal(t, "ids", cfg.GraphQL.DefaultArgsAdapter)

	chat := cfg.Applications[3]
	require.NotNil(t, chat.Proxy.WS)
	require.NotNil(t, chat.Proxy.WS.Reconnect)
	assert.Equal(t, 5, chat.Proxy.WS.Reconnect.MaxReconnectionRetries)
	assert.Equal(t, 100*time.Millisecond, chat.Proxy.WS.Reconnect.ReconnectInterval)
	assert.Equal(t, "chat.example.com", chat.Proxy.Hostname)

	uploads := cfg.Applications[2]
	require.NotNil(t, uploads.Proxy.Custom)
	assert.Equal(t, "content-type-guard", uploads.Proxy.Custom.Path)
	require.NotNil(t, uploads.Proxy.RateLimit)
	assert.Equal(t, 100, uploads.Proxy.RateLimit.Burst)

	posts := cfg.Applications[1]
	require.NotNil(t, posts.GraphQL)
	assert.Len(t, posts.GraphQL.Entities["Post"].FKeys, 1)
}
