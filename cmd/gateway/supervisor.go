package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fabian4/gateway-composer/internal/composer"
	"github.com/fabian4/gateway-composer/internal/config"
	"github.com/fabian4/gateway-composer/internal/handler"
	"github.com/fabian4/gateway-composer/internal/runtime"
)

const retryDelay = 5 * time.Second

// supervisor plays the host runtime's part in process: it composes, serves
// the result and composes again when the watcher signals a change or the
// config file is edited.
type supervisor struct {
	gw   *handler.Gateway
	rt   runtime.Runtime
	deps composer.Deps
	log  *slog.Logger

	mu      sync.Mutex
	cfg     *config.Config
	reloads chan struct{}
	retry   time.Duration
}

func newSupervisor(cfg *config.Config, gw *handler.Gateway, rt runtime.Runtime, deps composer.Deps, log *slog.Logger) *supervisor {
	return &supervisor{
		gw:      gw,
		rt:      rt,
		deps:    deps,
		log:     log,
		cfg:     cfg,
		reloads: make(chan struct{}, 1),
		retry:   retryDelay,
	}
}

// reload replaces the config used by the next composition and requests it.
func (s *supervisor) reload(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	select {
	case s.reloads <- struct{}{}:
	default:
	}
}

func (s *supervisor) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// run returns the first composition's error; later failures keep the
// previous composition serving and are retried.
func (s *supervisor) run(ctx context.Context) error {
	for {
		wctx, stopWatcher := context.WithCancel(ctx)
		var retry <-chan time.Time

		res, err := composer.Build(ctx, s.config(), s.deps)
		switch {
		case err != nil && ctx.Err() != nil:
			stopWatcher()
			return nil
		case err != nil && !s.gw.Ready():
			stopWatcher()
			return err
		case err != nil:
			s.log.Error("recomposition failed, serving previous composition", "error", err, "retry_in", s.retry)
			retry = time.After(s.retry)
		default:
			if err := s.gw.Apply(res); err != nil {
				stopWatcher()
				return err
			}
			if s.deps.Transports != nil {
				s.deps.Transports.CloseIdle()
			}
			go res.Watcher(s.rt, s.deps.Metrics, s.log).Run(wctx)
		}

		select {
		case <-ctx.Done():
			stopWatcher()
			return nil
		case <-s.rt.Changes():
			s.log.Info("restart requested, recomposing")
		case <-s.reloads:
		case <-retry:
		}
		stopWatcher()
	}
}
