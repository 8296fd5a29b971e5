package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaybroker/relay/internal/admin"
	"github.com/relaybroker/relay/internal/api"
	"github.com/relaybroker/relay/internal/config"
	"github.com/relaybroker/relay/internal/logging"
	"github.com/relaybroker/relay/internal/queue"
	"github.com/relaybroker/relay/internal/scheduler"
	"github.com/relaybroker/relay/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		pgDSN    string
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the broker daemon",
		Long:  "Runs the broker daemon: connects to Postgres, resumes a dispatcher per existing queue, drives them from the reference scheduler, and serves the admin HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.SetFormat(cfg.Daemon.LogFormat)

			ctx := context.Background()

			s, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer s.Close()

			var notifier queue.Notifier
			if cfg.Redis.Enabled {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Pass,
					DB:       cfg.Redis.DB,
				})
				notifier = queue.NewRedisNotifier(client)
				logging.Op().Info("redis push notifier enabled", "addr", cfg.Redis.Addr)
			} else {
				notifier = queue.NewChannelNotifier()
			}
			defer notifier.Close()

			sched := scheduler.New()
			sched.Start()
			defer sched.Stop()

			svc := admin.New(s, sched, notifier, admin.DispatcherConfig{
				LeaseTimeout: cfg.Dispatcher.LeaseTimeout,
				HTTPTimeout:  cfg.Dispatcher.HTTPTimeout,
				TickInterval: cfg.Dispatcher.TickInterval,
			})
			if err := svc.ResumeAll(ctx); err != nil {
				return fmt.Errorf("resume queues: %w", err)
			}
			defer svc.Shutdown()

			mux := http.NewServeMux()
			handler := &api.Handler{Service: svc}
			handler.RegisterRoutes(mux)

			httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
			go func() {
				logging.Op().Info("admin API listening", "addr", cfg.Daemon.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server failed", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&httpAddr, "http", "", "admin HTTP API address (e.g., :8089)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}
