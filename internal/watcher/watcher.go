// Package watcher polls the schemas of fetchable applications and raises a
// single restart signal when one of them drifts from the composed state.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabian4/gateway-composer/internal/graphql"
	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/openapi"
	"github.com/fabian4/gateway-composer/internal/runtime"
	"github.com/fabian4/gateway-composer/internal/schema"
)

type State int32

const (
	Idle State = iota
	Polling
	RestartSignaled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case RestartSignaled:
		return "restart-signaled"
	}
	return "unknown"
}

// Fetcher fetches both schema kinds; *schema.Fetcher implements it.
type Fetcher interface {
	openapi.Fetcher
	graphql.SubgraphFetcher
}

type Options struct {
	Applications []model.Application
	Interval     time.Duration
	Fetcher      Fetcher
	Notifier     runtime.Notifier

	// Seed cache, taken from the composition being served.
	OpenAPI    map[string]map[string]any // raw document by application id
	Supergraph *graphql.Supergraph
	GraphQL    graphql.Options

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Watcher owns its cache; nothing else writes to it.
type Watcher struct {
	opts     Options
	log      *slog.Logger
	openapi  []model.Application
	graphql  bool
	cache    map[string]map[string]any
	graph    *graphql.Supergraph
	state    atomic.Int32
	signaled atomic.Bool
}

var errChanged = errors.New("schema changed")

func New(opts Options) *Watcher {
	w := &Watcher{opts: opts, log: opts.Logger, cache: map[string]map[string]any{}, graph: opts.Supergraph}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.opts.GraphQL.Logger == nil {
		w.opts.GraphQL.Logger = w.log
	}
	for _, a := range opts.Applications {
		if a.OpenAPI != nil && a.OpenAPI.URL != "" {
			w.openapi = append(w.openapi, a)
		}
		if a.GraphQL != nil && a.Origin != "" {
			w.graphql = true
		}
	}
	for id, doc := range opts.OpenAPI {
		w.cache[id] = doc
	}
	return w
}

func (w *Watcher) State() State { return State(w.state.Load()) }

// Watching reports whether any application can be polled.
func (w *Watcher) Watching() bool { return len(w.openapi) > 0 || w.graphql }

// Run polls every Interval until a change is signaled or ctx ends. The
// timer is re-armed after each tick, so ticks never overlap.
func (w *Watcher) Run(ctx context.Context) {
	if w.opts.Interval <= 0 || !w.Watching() {
		return
	}
	t := time.NewTimer(w.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		changed, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("schema poll failed", "error", err)
		}
		if changed {
			w.signal(ctx)
			return
		}
		t.Reset(w.opts.Interval)
	}
}

func (w *Watcher) signal(ctx context.Context) {
	if !w.signaled.CompareAndSwap(false, true) {
		return
	}
	w.state.Store(int32(RestartSignaled))
	w.opts.Metrics.IncRestartSignal()
	w.log.Info("application schema changed, requesting restart")
	if w.opts.Notifier == nil {
		return
	}
	if err := w.opts.Notifier.NotifyChanged(ctx); err != nil {
		w.log.Error("restart notification failed", "error", err)
	}
}

// Tick runs one poll. OpenAPI documents are fetched in parallel and the
// pass stops at the first difference; the GraphQL pass runs only when no
// OpenAPI document changed. Fetch failures count as unchanged.
func (w *Watcher) Tick(ctx context.Context) (bool, error) {
	if w.signaled.Load() {
		return false, nil
	}
	w.state.Store(int32(Polling))
	changed, err := w.tick(ctx)
	if !changed {
		w.state.Store(int32(Idle))
	}
	return changed, err
}

func (w *Watcher) tick(ctx context.Context) (bool, error) {
	fetched := make([]map[string]any, len(w.openapi))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, app := range w.openapi {
		g.Go(func() error {
			doc, err := w.opts.Fetcher.FetchOpenAPI(gctx, app)
			if err != nil {
				if gctx.Err() == nil {
					w.opts.Metrics.IncFetchError("openapi", app.ID)
					w.log.Debug("openapi poll failed", "application", app.ID, "error", err)
				}
				return nil
			}
			fetched[i] = doc
			if !schema.Equal(w.cache[app.ID], doc) {
				w.log.Info("openapi document changed", "application", app.ID)
				return errChanged
			}
			return nil
		})
	}
	if err := g.Wait(); errors.Is(err, errChanged) {
		w.store(fetched)
		return true, nil
	} else if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !w.graphql {
		return false, nil
	}
	next, err := graphql.Compose(ctx, w.opts.Applications, w.opts.Fetcher, w.opts.GraphQL)
	if err != nil {
		return false, err
	}
	if next == nil || len(next.Failed) > 0 {
		for _, id := range failed(next) {
			w.opts.Metrics.IncFetchError("graphql", id)
		}
		return false, nil
	}
	if !next.Equal(w.graph) {
		w.log.Info("graphql supergraph changed")
		w.graph = next
		return true, nil
	}
	return false, nil
}

func (w *Watcher) store(docs []map[string]any) {
	for i, doc := range docs {
		if doc != nil {
			w.cache[w.openapi[i].ID] = doc
		}
	}
}

func failed(sg *graphql.Supergraph) []string {
	if sg == nil {
		return nil
	}
	return sg.Failed
}
