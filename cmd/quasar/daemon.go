package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/quasar/internal/api"
	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Quasar daemon",
		Long:  "Run the guard with its background queue drain, cache sweeper and stats HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.Buckets)
			}

			s, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer s.close()
			s.manager.Start()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var inv *cache.Invalidator
			if s.redis != nil {
				inv = cache.NewInvalidator(s.manager, s.redis)
				go inv.Start(ctx)
				defer inv.Close()
			}

			server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Manager:     s.manager,
				Service:     s.service,
				Breakers:    s.breakers,
				Invalidator: inv,
			})
			logging.Op().Info("Quasar daemon started",
				"http", cfg.Daemon.HTTPAddr,
				"ratelimit_backend", cfg.RateLimit.Backend)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("http shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&httpAddr, "http", ":9090", "Stats HTTP server address")

	return cmd
}
