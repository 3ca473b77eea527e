package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/l0p7/offlinecache/internal/clients"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/controller"
	"github.com/l0p7/offlinecache/internal/expr"
	"github.com/l0p7/offlinecache/internal/logging"
	"github.com/l0p7/offlinecache/internal/metrics"
	"github.com/l0p7/offlinecache/internal/server"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

type runnableServer interface {
	Run(ctx context.Context) error
}

var newHTTPServer = func(cfg config.ServerConfig, logger *slog.Logger, handler http.Handler, onShutdown ...func()) (runnableServer, error) {
	return server.New(cfg, logger, handler, onShutdown...)
}

func newServeCmd(stdout io.Writer, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Install the cache generations and serve requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, stdout)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, stdout io.Writer) error {
	loader := config.NewLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewWithWriter(cfg.Server.Logging, stdout)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	store, err := buildStorage(logger.With(slog.String("agent", "storage_factory")), cfg.Storage)
	if err != nil {
		return fmt.Errorf("open cache storage: %w", err)
	}
	defer closeStorage(logger, store)

	queue, err := buildQueue(cfg.Sync)
	if err != nil {
		return fmt.Errorf("open sync queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error("sync queue shutdown failed", slog.Any("error", err))
		}
	}()

	replayer, err := buildReplayer(logger, cfg)
	if err != nil {
		return fmt.Errorf("sync replayer: %w", err)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("expression environment: %w", err)
	}
	classifier, err := controller.NewClassifier(cfg.Controller, env, logger)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	fetcher, err := controller.NewOriginFetcher(&http.Client{}, cfg.Server.Origin, cfg.Controller.FetchTimeoutDuration())
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	hub := clients.NewHub(logger)

	ctrl, err := controller.New(logger, controller.Options{
		Config:            cfg.Controller,
		Origin:            cfg.Server.Origin,
		SyncTag:           cfg.Sync.Tag,
		Storage:           store,
		Fetcher:           fetcher,
		Classifier:        classifier,
		Queue:             queue,
		Replayer:          replayer,
		Broadcaster:       hub,
		Notifier:          hub,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	defer func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Wait(waitCtx); err != nil {
			logger.Warn("background tasks still running at shutdown", slog.Any("error", err))
		}
	}()

	// A failed install leaves the controller redundant: requests pass through
	// to the origin until a config change triggers a successful upgrade.
	if err := ctrl.Dispatcher().Dispatch(ctx, controller.Event{Type: controller.EventInstall}); err != nil {
		logger.Error("install failed; serving passthrough", slog.Any("error", err))
	} else if !cfg.Controller.SkipWaiting {
		// The first install has no predecessor to wait for.
		if err := ctrl.Dispatcher().Dispatch(ctx, controller.Event{Type: controller.EventActivate}); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}

	if spec := strings.TrimSpace(cfg.Sync.Schedule); spec != "" {
		tag := cfg.Sync.Tag
		scheduler, err := syncqueue.NewScheduler(spec, func(jobCtx context.Context) {
			if err := ctrl.Dispatcher().Dispatch(jobCtx, controller.Event{Type: controller.EventSync, Tag: tag}); err != nil {
				logger.Error("scheduled sync failed", slog.Any("error", err))
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("sync schedule: %w", err)
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn("sync scheduler stop timed out", slog.Any("error", err))
			}
		}()
	}

	if cfg.Source != "" {
		watcher, err := loader.Watch(ctx, cfg, func(next config.Config) {
			if err := ctrl.Upgrade(ctx, next.Controller); err != nil {
				logger.Error("generation upgrade failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	router := server.NewRouter(server.RouterOptions{
		Controller: ctrl,
		Clients:    hub,
		Metrics:    recorder.Handler(),
		Logger:     logger,
	})
	srv, err := newHTTPServer(cfg.Server, logger, router, hub.Close)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
