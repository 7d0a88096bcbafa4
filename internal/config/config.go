package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/gateway-composer/internal/model"
)

type rawConfig struct {
	Server struct {
		Listen string `yaml:"listen"`
		TLS    struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	RefreshTimeout          millis   `yaml:"refresh_timeout"`
	PassthroughContentTypes []string `yaml:"passthrough_content_types"`
	AddEmptySchema          bool     `yaml:"add_empty_schema"`
	OpenAPI                 struct {
		Title    string `yaml:"title"`
		Version  string `yaml:"version"`
		Validate bool   `yaml:"validate"`
	} `yaml:"openapi"`
	GraphQL struct {
		GraphiQL           *bool  `yaml:"graphiql"`
		DefaultArgsAdapter string `yaml:"default_args_adapter"`
	} `yaml:"graphql"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	AccessLog struct {
		Enabled  bool     `yaml:"enabled"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Runtime struct {
		Self    string `yaml:"self"`
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"runtime"`
	Applications []rawApplication `yaml:"applications"`
}

type rawApplication struct {
	ID      string `yaml:"id"`
	Origin  string `yaml:"origin"`
	OpenAPI *struct {
		URL    string `yaml:"url"`
		File   string `yaml:"file"`
		Prefix string `yaml:"prefix"`
		Config string `yaml:"config"`
	} `yaml:"openapi"`
	GraphQL *graphqlOption `yaml:"graphql"`
	Proxy   *struct {
		Prefix        string   `yaml:"prefix"`
		RewritePrefix string   `yaml:"rewrite_prefix"`
		Hostname      string   `yaml:"hostname"`
		Upstream      string   `yaml:"upstream"`
		Transport     string   `yaml:"transport"`
		Routes        []string `yaml:"routes"`
		Methods       []string `yaml:"methods"`
		WS            *struct {
			Upstream  string `yaml:"upstream"`
			Reconnect *struct {
				PingInterval           string  `yaml:"ping_interval"`
				MaxReconnectionRetries int     `yaml:"max_reconnection_retries"`
				ReconnectInterval      string  `yaml:"reconnect_interval"`
				ReconnectDecay         float64 `yaml:"reconnect_decay"`
				ConnectionTimeout      string  `yaml:"connection_timeout"`
				ReconnectOnClose       bool    `yaml:"reconnect_on_close"`
			} `yaml:"reconnect"`
		} `yaml:"ws"`
		Custom *struct {
			Path    string         `yaml:"path"`
			Options map[string]any `yaml:"options"`
		} `yaml:"custom"`
		RateLimit *struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"proxy"`
}

// graphqlOption accepts either `graphql: true` or a mapping.
type graphqlOption struct {
	Enabled  bool
	Name     string
	Path     string
	Entities map[string]rawEntity
}

type rawEntity struct {
	PKey     string `yaml:"pkey"`
	Resolver *struct {
		Name           string `yaml:"name"`
		ArgsAdapter    string `yaml:"args_adapter"`
		PartialResults string `yaml:"partial_results"`
	} `yaml:"resolver"`
	FKeys []struct {
		Type     string `yaml:"type"`
		Field    string `yaml:"field"`
		As       string `yaml:"as"`
		PKey     string `yaml:"pkey"`
		Subgraph string `yaml:"subgraph"`
	} `yaml:"fkeys"`
}

func (g *graphqlOption) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		return n.Decode(&g.Enabled)
	}
	var m struct {
		Name     string               `yaml:"name"`
		Path     string               `yaml:"path"`
		Entities map[string]rawEntity `yaml:"entities"`
	}
	if err := n.Decode(&m); err != nil {
		return err
	}
	g.Enabled = true
	g.Name, g.Path, g.Entities = m.Name, m.Path, m.Entities
	return nil
}

// millis accepts an integer number of milliseconds or a Go duration string.
type millis time.Duration

func (m *millis) UnmarshalYAML(n *yaml.Node) error {
	s := strings.TrimSpace(n.Value)
	if s == "" {
		*m = 0
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = millis(time.Duration(ms) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*m = millis(d)
	return nil
}

type Config struct {
	Listen                  string
	TLS                     TLS
	Timeouts                Timeouts
	RefreshTimeout          time.Duration
	PassthroughContentTypes []string
	AddEmptySchema          bool
	OpenAPI                 OpenAPI
	GraphQL                 GraphQL
	Metrics                 Metrics
	AccessLog               AccessLog
	Log                     Log
	Runtime                 Runtime
	Applications            []model.Application
}

type TLS struct {
	CertFile string
	KeyFile  string
}

func (t TLS) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type OpenAPI struct {
	Title    string
	Version  string
	Validate bool
}

type GraphQL struct {
	GraphiQL           bool
	DefaultArgsAdapter string
}

type Metrics struct {
	Enabled bool
	Path    string
}

type AccessLog struct {
	Enabled  bool
	Sampling float64
	Fields   []string
}

type Log struct {
	Level  string
	Format string
}

type Runtime struct {
	Self    string
	NATSURL string
	Subject string
}

// DefaultPassthroughContentTypes are forwarded as opaque bytes.
var DefaultPassthroughContentTypes = []string{"multipart/form-data", "application/octet-stream"}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:         ":3042",
		RefreshTimeout: time.Duration(rc.RefreshTimeout),
		AddEmptySchema: rc.AddEmptySchema,
		TLS:            TLS{CertFile: strings.TrimSpace(rc.Server.TLS.CertFile), KeyFile: strings.TrimSpace(rc.Server.TLS.KeyFile)},
		OpenAPI: OpenAPI{
			Title:    strings.TrimSpace(rc.OpenAPI.Title),
			Version:  strings.TrimSpace(rc.OpenAPI.Version),
			Validate: rc.OpenAPI.Validate,
		},
		GraphQL: GraphQL{
			GraphiQL:           rc.GraphQL.GraphiQL == nil || *rc.GraphQL.GraphiQL,
			DefaultArgsAdapter: strings.TrimSpace(rc.GraphQL.DefaultArgsAdapter),
		},
		Metrics:   Metrics{Enabled: rc.Metrics.Enabled, Path: strings.TrimSpace(rc.Metrics.Path)},
		AccessLog: AccessLog{Enabled: rc.AccessLog.Enabled, Sampling: 1, Fields: rc.AccessLog.Fields},
		Log:       Log{Level: strings.TrimSpace(rc.Log.Level), Format: strings.TrimSpace(rc.Log.Format)},
		Runtime: Runtime{
			Self:    strings.TrimSpace(rc.Runtime.Self),
			NATSURL: strings.TrimSpace(rc.Runtime.NATSURL),
			Subject: strings.TrimSpace(rc.Runtime.Subject),
		},
	}
	if l := strings.TrimSpace(rc.Server.Listen); l != "" {
		c.Listen = l
	}
	if c.RefreshTimeout < 0 {
		return nil, fmt.Errorf("refresh_timeout: must not be negative")
	}
	if c.OpenAPI.Title == "" {
		c.OpenAPI.Title = "Gateway"
	}
	if c.OpenAPI.Version == "" {
		c.OpenAPI.Version = "1.0.0"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return nil, fmt.Errorf("metrics.path: must start with '/'")
	}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be within [0,1]")
		}
		c.AccessLog.Sampling = s
	}
	if c.Runtime.Subject == "" {
		c.Runtime.Subject = "gateway"
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return nil, fmt.Errorf("server.tls: cert_file and key_file must be set together")
	}

	if len(rc.PassthroughContentTypes) == 0 {
		c.PassthroughContentTypes = append([]string(nil), DefaultPassthroughContentTypes...)
	} else {
		seen := make(map[string]bool)
		for _, ct := range append(append([]string(nil), DefaultPassthroughContentTypes...), rc.PassthroughContentTypes...) {
			ct = strings.ToLower(strings.TrimSpace(ct))
			if ct == "" || seen[ct] {
				continue
			}
			seen[ct] = true
			c.PassthroughContentTypes = append(c.PassthroughContentTypes, ct)
		}
	}

	var err error
	if c.Timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read); err != nil {
		return nil, err
	}
	if c.Timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write); err != nil {
		return nil, err
	}
	if c.Timeouts.Upstream, err = parseDuration("timeouts.upstream", rc.Timeouts.Upstream); err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for i, ra := range rc.Applications {
		app, err := convertApplication(i, ra)
		if err != nil {
			return nil, err
		}
		if ids[app.ID] {
			return nil, fmt.Errorf("applications[%d]: duplicate id %q", i, app.ID)
		}
		ids[app.ID] = true
		c.Applications = append(c.Applications, app)
	}
	return c, nil
}

func convertApplication(i int, ra rawApplication) (model.Application, error) {
	at := func(field string) string { return fmt.Sprintf("applications[%d].%s", i, field) }

	app := model.Application{
		ID:     strings.TrimSpace(ra.ID),
		Origin: strings.TrimRight(strings.TrimSpace(ra.Origin), "/"),
	}
	if app.ID == "" {
		return app, fmt.Errorf("%s: is required", at("id"))
	}
	if strings.ContainsAny(app.ID, "/ ") {
		return app, fmt.Errorf("%s: must not contain '/' or spaces", at("id"))
	}
	if app.Origin != "" {
		if err := checkURL(app.Origin, "http", "https"); err != nil {
			return app, fmt.Errorf("%s: %v", at("origin"), err)
		}
	}

	if o := ra.OpenAPI; o != nil {
		src := &model.OpenAPISource{
			URL:    strings.TrimSpace(o.URL),
			File:   strings.TrimSpace(o.File),
			Prefix: normalizePrefix(o.Prefix),
			Config: strings.TrimSpace(o.Config),
		}
		if src.URL != "" && src.File != "" {
			return app, fmt.Errorf("%s: url and file are mutually exclusive", at("openapi"))
		}
		if src.URL == "" && src.File == "" {
			return app, fmt.Errorf("%s: one of url or file is required", at("openapi"))
		}
		if src.Prefix != "" && !strings.HasPrefix(src.Prefix, "/") {
			return app, fmt.Errorf("%s: must start with '/'", at("openapi.prefix"))
		}
		app.OpenAPI = src
	}

	if g := ra.GraphQL; g != nil && g.Enabled {
		opts := &model.GraphQLOptions{Name: strings.TrimSpace(g.Name), Path: strings.TrimSpace(g.Path)}
		if opts.Path != "" && !strings.HasPrefix(opts.Path, "/") {
			return app, fmt.Errorf("%s: must start with '/'", at("graphql.path"))
		}
		if len(g.Entities) > 0 {
			opts.Entities = make(map[string]model.EntityConfig, len(g.Entities))
		}
		for name, re := range g.Entities {
			ec := model.EntityConfig{PKey: strings.TrimSpace(re.PKey)}
			if re.Resolver != nil {
				ec.Resolver = &model.EntityResolver{
					Name:           strings.TrimSpace(re.Resolver.Name),
					ArgsAdapter:    strings.TrimSpace(re.Resolver.ArgsAdapter),
					PartialResults: strings.TrimSpace(re.Resolver.PartialResults),
				}
				if ec.Resolver.Name == "" {
					return app, fmt.Errorf("%s: resolver name is required", at("graphql.entities."+name))
				}
			}
			for _, fk := range re.FKeys {
				if strings.TrimSpace(fk.Type) == "" {
					return app, fmt.Errorf("%s: fkey type is required", at("graphql.entities."+name))
				}
				ec.FKeys = append(ec.FKeys, model.ForeignKey{
					Type:     strings.TrimSpace(fk.Type),
					Field:    strings.TrimSpace(fk.Field),
					As:       strings.TrimSpace(fk.As),
					PKey:     strings.TrimSpace(fk.PKey),
					Subgraph: strings.TrimSpace(fk.Subgraph),
				})
			}
			opts.Entities[name] = ec
		}
		app.GraphQL = opts
	}

	if p := ra.Proxy; p != nil {
		px := &model.ProxyOptions{
			Prefix:        normalizePrefix(p.Prefix),
			RewritePrefix: normalizePrefix(p.RewritePrefix),
			Hostname:      strings.ToLower(strings.TrimSpace(p.Hostname)),
			Upstream:      strings.TrimRight(strings.TrimSpace(p.Upstream), "/"),
			Transport:     strings.ToLower(strings.TrimSpace(p.Transport)),
		}
		if px.Prefix != "" && !strings.HasPrefix(px.Prefix, "/") {
			return app, fmt.Errorf("%s: must start with '/'", at("proxy.prefix"))
		}
		if px.RewritePrefix != "" && !strings.HasPrefix(px.RewritePrefix, "/") {
			return app, fmt.Errorf("%s: must start with '/'", at("proxy.rewrite_prefix"))
		}
		switch px.Transport {
		case "", "http1", "auto", "h2c":
		default:
			return app, fmt.Errorf("%s: unknown transport %q", at("proxy.transport"), px.Transport)
		}
		if px.Upstream != "" {
			if err := checkURL(px.Upstream, "http", "https"); err != nil {
				return app, fmt.Errorf("%s: %v", at("proxy.upstream"), err)
			}
		}
		for _, r := range p.Routes {
			r = strings.TrimSpace(r)
			if !strings.HasPrefix(r, "/") {
				return app, fmt.Errorf("%s: route %q must start with '/'", at("proxy.routes"), r)
			}
			px.Routes = append(px.Routes, r)
		}
		for _, m := range p.Methods {
			px.Methods = append(px.Methods, strings.ToUpper(strings.TrimSpace(m)))
		}
		if ws := p.WS; ws != nil {
			wo := &model.WSOptions{Upstream: strings.TrimSpace(ws.Upstream)}
			if wo.Upstream != "" {
				if err := checkURL(wo.Upstream, "ws", "wss"); err != nil {
					return app, fmt.Errorf("%s: %v", at("proxy.ws.upstream"), err)
				}
			}
			if rr := ws.Reconnect; rr != nil {
				ro := &model.ReconnectOptions{
					MaxReconnectionRetries: rr.MaxReconnectionRetries,
					ReconnectDecay:         rr.ReconnectDecay,
					ReconnectOnClose:       rr.ReconnectOnClose,
				}
				var err error
				if ro.PingInterval, err = parseDuration(at("proxy.ws.reconnect.ping_interval"), rr.PingInterval); err != nil {
					return app, err
				}
				if ro.ReconnectInterval, err = parseDuration(at("proxy.ws.reconnect.reconnect_interval"), rr.ReconnectInterval); err != nil {
					return app, err
				}
				if ro.ConnectionTimeout, err = parseDuration(at("proxy.ws.reconnect.connection_timeout"), rr.ConnectionTimeout); err != nil {
					return app, err
				}
				if ro.MaxReconnectionRetries < 0 {
					return app, fmt.Errorf("%s: must not be negative", at("proxy.ws.reconnect.max_reconnection_retries"))
				}
				if ro.ReconnectDecay == 0 {
					ro.ReconnectDecay = 1.5
				}
				if ro.ReconnectDecay < 1 {
					return app, fmt.Errorf("%s: must be >= 1", at("proxy.ws.reconnect.reconnect_decay"))
				}
				wo.Reconnect = ro
			}
			px.WS = wo
		}
		if cu := p.Custom; cu != nil && strings.TrimSpace(cu.Path) != "" {
			px.Custom = &model.CustomOptions{Path: strings.TrimSpace(cu.Path), Options: cu.Options}
		}
		if rl := p.RateLimit; rl != nil && rl.RequestsPerSecond > 0 {
			burst := rl.Burst
			if burst <= 0 {
				burst = 1
			}
			px.RateLimit = &model.RateLimit{RequestsPerSecond: rl.RequestsPerSecond, Burst: burst}
		}
		app.Proxy = px
	}
	return app, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	return d, nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("must be %s URL with host", strings.Join(schemes, "/"))
}

// normalizePrefix trims spaces and a trailing slash ("/" stays "/").
func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
