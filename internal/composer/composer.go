// Package composer runs one composition cycle: resolve the applications,
// compose their OpenAPI and GraphQL schemas and build the route table and
// proxy that serve them.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabian4/gateway-composer/internal/config"
	"github.com/fabian4/gateway-composer/internal/forward"
	"github.com/fabian4/gateway-composer/internal/graphql"
	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/openapi"
	"github.com/fabian4/gateway-composer/internal/proxy"
	"github.com/fabian4/gateway-composer/internal/registry"
	"github.com/fabian4/gateway-composer/internal/router"
	"github.com/fabian4/gateway-composer/internal/runtime"
	"github.com/fabian4/gateway-composer/internal/schema"
	"github.com/fabian4/gateway-composer/internal/watcher"
)

type Deps struct {
	Discoverer runtime.Discoverer // consulted only when no application is configured
	Transports *forward.Registry
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

// Result is everything one composition produced. It is never mutated; a
// new cycle builds a new Result.
type Result struct {
	Config       *config.Config
	Applications []model.Application
	OpenAPI      *openapi.Composed
	OpenAPIJSON  []byte
	Supergraph   *graphql.Supergraph
	GraphQL      *graphql.Dispatcher // nil without a supergraph
	Routes       *router.Table
	Proxy        *proxy.Proxy
	Fetcher      *schema.Fetcher
}

// Build runs the cycle. Configuration errors abort it; unreachable
// applications are left out and logged.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (res *Result, err error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Transports == nil {
		deps.Transports = forward.NewDefaultRegistry()
	}
	defer func() { deps.Metrics.IncComposition(err == nil) }()

	var discover registry.Discoverer
	if deps.Discoverer != nil {
		discover = deps.Discoverer.Discover
	}
	apps, err := registry.Resolve(ctx, cfg.Applications, discover, registry.Options{Self: cfg.Runtime.Self})
	if err != nil {
		return nil, err
	}

	fetcher := schema.NewFetcher(deps.Transports.Client(forward.ProtoHTTP1, 0), cfg.Timeouts.Upstream)

	composed, err := openapi.Compose(ctx, apps, fetcher, openapi.Options{
		Title:          cfg.OpenAPI.Title,
		Version:        cfg.OpenAPI.Version,
		AddEmptySchema: cfg.AddEmptySchema,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("compose openapi: %w", err)
	}
	for _, a := range apps {
		if a.OpenAPI != nil {
			if _, ok := composed.Sources[a.ID]; !ok {
				deps.Metrics.IncFetchError("openapi", a.ID)
			}
		}
	}
	raw, err := composed.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode openapi: %w", err)
	}
	if cfg.OpenAPI.Validate {
		if verr := openapi.Validate(ctx, raw); verr != nil {
			log.Warn("composed openapi document is invalid", "error", verr)
		}
	}

	sg, err := graphql.Compose(ctx, apps, fetcher, graphql.Options{
		DefaultArgsAdapter: cfg.GraphQL.DefaultArgsAdapter,
		Logger:             log,
	})
	switch {
	case errors.Is(err, graphql.ErrUnknownAdapter):
		return nil, fmt.Errorf("compose graphql: %w", err)
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("graphql composition failed, serving without /graphql", "error", err)
		sg = nil
	}
	if sg != nil {
		for _, id := range sg.Failed {
			deps.Metrics.IncFetchError("graphql", id)
		}
	}

	px, err := proxy.New(apps, proxy.Options{
		Transports:  deps.Transports,
		Timeout:     cfg.Timeouts.Upstream,
		Passthrough: cfg.PassthroughContentTypes,
		Metrics:     deps.Metrics,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	res = &Result{
		Config:       cfg,
		Applications: apps,
		OpenAPI:      composed,
		OpenAPIJSON:  raw,
		Supergraph:   sg,
		Routes:       router.New(apps, composed.Operations),
		Proxy:        px,
		Fetcher:      fetcher,
	}
	if sg != nil {
		res.GraphQL = graphql.NewDispatcher(sg, deps.Transports.Client(forward.ProtoHTTP1, cfg.Timeouts.Upstream), log)
	}
	log.Info("composition complete",
		"applications", len(apps),
		"paths", len(composed.Operations),
		"graphql", sg != nil)
	return res, nil
}

// Watcher returns a change watcher seeded with this composition.
func (r *Result) Watcher(n runtime.Notifier, m *metrics.Registry, log *slog.Logger) *watcher.Watcher {
	return watcher.New(watcher.Options{
		Applications: r.Applications,
		Interval:     r.Config.RefreshTimeout,
		Fetcher:      r.Fetcher,
		Notifier:     n,
		OpenAPI:      r.OpenAPI.Sources,
		Supergraph:   r.Supergraph,
		GraphQL:      graphql.Options{DefaultArgsAdapter: r.Config.GraphQL.DefaultArgsAdapter, Logger: log},
		Metrics:      m,
		Logger:       log,
	})
}
