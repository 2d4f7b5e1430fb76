package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tablerelay/tablerelay/internal/agent"
	"github.com/tablerelay/tablerelay/internal/archive"
	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/config"
	"github.com/tablerelay/tablerelay/internal/connector"
	"github.com/tablerelay/tablerelay/internal/llm"
	"github.com/tablerelay/tablerelay/internal/scheduler"
	"github.com/tablerelay/tablerelay/internal/server"
	"github.com/tablerelay/tablerelay/internal/state"
	"github.com/tablerelay/tablerelay/internal/telemetry"
	"github.com/tablerelay/tablerelay/internal/tools"
)

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent service",
		Long:  "Load configuration, connect backends, and serve the webhook and admin API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, modelName := llm.NewClientForModel(cfg.Model)
	logger.Info("llm client ready", "model", modelName)

	// Backend connections.
	pool := connector.NewPool()
	backends := connector.NewManager(pool, logger)
	serverConfigs := make([]connector.ServerConfig, len(cfg.Backends))
	for i, b := range cfg.Backends {
		serverConfigs[i] = connector.ServerConfig{
			Name:      b.Name,
			Transport: b.Transport,
			Command:   b.Command,
			Args:      b.Args,
			URL:       b.URL,
		}
	}
	if err := backends.ConnectAll(ctx, serverConfigs); err != nil {
		return fmt.Errorf("connect backends: %w", err)
	}
	defer backends.Close()

	// Sender whitelist with hot reload.
	whitelist, err := auth.NewWhitelist(cfg.WhitelistPath, cfg.WhitelistTTL.Std(), logger)
	if err != nil {
		return err
	}
	if err := whitelist.Watch(ctx); err != nil {
		logger.Warn("whitelist watch unavailable", "error", err)
	}

	// Recurring jobs re-enter the agent as synthetic messages for the
	// target user named in the payload.
	metrics := telemetry.NewMetrics()
	store := state.NewStore(logger)

	var manager *agent.Manager
	jobs := scheduler.New(func(jobCtx context.Context, name string, payload map[string]interface{}) {
		user, _ := payload["user"].(string)
		if user == "" {
			logger.Warn("job has no target user", "job", name)
			return
		}
		message, _ := payload["message"].(string)
		if message == "" {
			message = fmt.Sprintf("Scheduled task %q is due.", name)
		}
		if id := manager.SessionForUser(user); id != "" {
			manager.SendMessage(id, message, "scheduled", payload)
			return
		}
		if _, err := manager.StartSession(user, message, payload); err != nil {
			logger.Error("job could not start session", "job", name, "error", err)
		}
	}, logger)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, backends, jobs)

	managerOpts, archiveSrvOpts, cleanup, err := archiveOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	manager = agent.NewManager(agent.Config{
		Model:                 modelName,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SweepInterval:         cfg.SweepInterval.Std(),
		IdleTimeout:           cfg.IdleTimeout.Std(),
	}, client, registry, whitelist, backends, store, metrics, logger, managerOpts...)

	for _, job := range cfg.Jobs {
		if err := jobs.RegisterRecurringJob(job.Name, job.Expression, job.Payload); err != nil {
			return err
		}
	}
	jobs.Start()

	srvOpts := []server.ServerOption{
		server.WithLogger(logger),
		server.WithAPIKey(auth.KeyFromEnv()),
		server.WithRateLimiter(auth.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)),
		server.WithScheduler(jobs),
	}
	srvOpts = append(srvOpts, archiveSrvOpts...)
	srv := server.NewServer(manager, metrics, srvOpts...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	return manager.Shutdown(shutdownCtx)
}

// archiveOptions builds the transcript archivers the config enables, plus the
// server option that serves archived transcripts back out of Postgres.
func archiveOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]agent.ManagerOption, []server.ServerOption, func(), error) {
	var archivers archive.Multi
	var srvOpts []server.ServerOption
	cleanup := func() {}

	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := archive.NewPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		archivers = append(archivers, pg)
		srvOpts = append(srvOpts, server.WithTranscripts(pg))
		cleanup = pg.Close
		logger.Info("transcript archive enabled", "target", "postgres")
	}
	if bucket := cfg.Archive.S3Bucket; bucket != "" {
		exporter, err := archive.NewS3Exporter(ctx, bucket, logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		archivers = append(archivers, exporter)
		logger.Info("transcript archive enabled", "target", "s3", "bucket", bucket)
	}

	if len(archivers) == 0 {
		return nil, nil, cleanup, nil
	}
	return []agent.ManagerOption{agent.WithArchiver(archivers)}, srvOpts, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stdout, lvl)
}
