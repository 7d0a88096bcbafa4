package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/gateway-composer/internal/composer"
	"github.com/fabian4/gateway-composer/internal/config"
	"github.com/fabian4/gateway-composer/internal/forward"
	"github.com/fabian4/gateway-composer/internal/handler"
	"github.com/fabian4/gateway-composer/internal/logx"
	"github.com/fabian4/gateway-composer/internal/metrics"
	"github.com/fabian4/gateway-composer/internal/runtime"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath  string
	watchConfig bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to YAML config")
	fs.BoolVar(&opts.watchConfig, "watch-config", true, "recompose when the config file changes")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log, err := logx.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	m := metrics.NewRegistry()
	transports := forward.NewDefaultRegistry()
	defer transports.CloseIdle()

	gw := handler.NewGateway(os.Stdout, m, log)
	sup := newSupervisor(cfg, gw, rt, composer.Deps{Discoverer: rt, Transports: transports, Metrics: m, Logger: log}, log)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw,
		ReadTimeout:       cfg.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("gateway listening", "version", version, "addr", cfg.Listen, "tls", cfg.TLS.Enabled(), "applications", len(cfg.Applications))
		var err error
		if cfg.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	})
	g.Go(func() error { return sup.run(gctx) })
	if opts.watchConfig {
		g.Go(func() error {
			return config.Watch(gctx, opts.configPath, config.DefaultDebounce, func() {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					log.Error("config reload failed, keeping previous", "path", opts.configPath, "error", err)
					return
				}
				log.Info("config changed", "path", opts.configPath)
				sup.reload(cfg)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("gateway stopped")
	return nil
}

func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	if cfg.Runtime.NATSURL == "" {
		return runtime.NewLocal(), nil
	}
	return runtime.ConnectNATS(runtime.NATSOptions{
		URL:     cfg.Runtime.NATSURL,
		Subject: cfg.Runtime.Subject,
		Self:    cfg.Runtime.Self,
		Logger:  log,
	})
}

func runCompose(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, err := logx.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	res, err := composer.Build(cmd.Context(), cfg, composer.Deps{Logger: log})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(res.OpenAPIJSON); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
