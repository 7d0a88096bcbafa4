package model

import (
	"net/url"
	"strings"
	"time"
)

// Application describes one backend composed behind the gateway.
type Application struct {
	ID      string
	Origin  string          // base URL; defaulted to the mesh name by the registry
	OpenAPI *OpenAPISource  // optional
	GraphQL *GraphQLOptions // optional
	Proxy   *ProxyOptions   // optional
}

// OpenAPISource points at the backend's OpenAPI document. At most one of
// URL, File or Document is set.
type OpenAPISource struct {
	URL      string         // absolute, or relative to Origin
	File     string         // local file (yaml or json)
	Document map[string]any // already decoded, passed through
	Prefix   string         // prepended to every composed path
	Config   string         // per-path overrides file
}

type GraphQLOptions struct {
	Name     string // subgraph name; defaults to the application id
	Path     string // defaults to "/graphql"
	Entities map[string]EntityConfig
}

type EntityConfig struct {
	PKey     string
	Resolver *EntityResolver
	FKeys    []ForeignKey
}

type EntityResolver struct {
	Name           string
	ArgsAdapter    string // named adapter; empty => global default
	PartialResults string // optional name of a partial-results field
}

// ForeignKey links a local field to an entity owned by another subgraph.
type ForeignKey struct {
	Type     string
	Field    string
	As       string
	PKey     string
	Subgraph string
}

type ProxyOptions struct {
	Prefix        string
	RewritePrefix string
	Hostname      string // empty => any host
	Upstream      string // overrides Origin for proxied traffic
	Transport     string // "http1" | "auto" | "h2c"
	Routes        []string
	Methods       []string
	WS            *WSOptions
	Custom        *CustomOptions
	RateLimit     *RateLimit
}

type WSOptions struct {
	Upstream  string
	Reconnect *ReconnectOptions
}

type ReconnectOptions struct {
	PingInterval           time.Duration
	MaxReconnectionRetries int
	ReconnectInterval      time.Duration
	ReconnectDecay         float64
	ConnectionTimeout      time.Duration
	ReconnectOnClose       bool
}

type CustomOptions struct {
	Path    string         // name of a registered hook
	Options map[string]any // hook specific settings
}

type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Target is the base URL proxied traffic is sent to.
func (a *Application) Target() string {
	if a.Proxy != nil && a.Proxy.Upstream != "" {
		return a.Proxy.Upstream
	}
	return a.Origin
}

// TargetURL parses Target; nil when it is empty or malformed.
func (a *Application) TargetURL() *url.URL {
	t := strings.TrimSpace(a.Target())
	if t == "" {
		return nil
	}
	u, err := url.Parse(t)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

// Fetchable reports whether the application's schema can be polled over the
// network.
func (a *Application) Fetchable() bool {
	if a.OpenAPI != nil && a.OpenAPI.URL != "" {
		return true
	}
	return a.GraphQL != nil && a.Origin != ""
}

func (g *GraphQLOptions) SubgraphName(appID string) string {
	if g == nil || g.Name == "" {
		return appID
	}
	return g.Name
}

func (g *GraphQLOptions) EndpointPath() string {
	if g == nil || g.Path == "" {
		return "/graphql"
	}
	return g.Path
}
