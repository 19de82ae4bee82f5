package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/internal/argus"
	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/company"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/observability"
	"github.com/opsdeck/opsdeck/internal/ranking"
	"github.com/opsdeck/opsdeck/internal/refresh"
	"github.com/opsdeck/opsdeck/internal/schema"
	"github.com/opsdeck/opsdeck/internal/server"
	"github.com/opsdeck/opsdeck/internal/status"
	"github.com/opsdeck/opsdeck/internal/store"

	_ "github.com/microsoft/go-mssqldb"
)

var (
	logLevel        string
	bindAddr        string
	otelEnabled     bool
	otelEndpoint    string
	shutdownTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opsdeck",
	Short: "opsdeck — call-center operations dashboard backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the opsdeck server",
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.LocalDSN == "" {
		return fmt.Errorf("OPSDECK_LOCAL_DSN is required")
	}
	if cfg.CloudDSN == "" {
		return fmt.Errorf("OPSDECK_CLOUD_DSN is required")
	}

	slog.Info("starting opsdeck server",
		"bind", bindAddr,
		"refresh_interval", cfg.RefreshInterval,
		"status_ttl", cfg.StatusTTL,
		"ranking_ttl", cfg.RankingTTL,
		"organization", cfg.Organization,
		"argus_enabled", cfg.ArgusBaseURL != "",
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "opsdeck-server", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	localDB, err := sql.Open("sqlserver", cfg.LocalDSN)
	if err != nil {
		return fmt.Errorf("open local database: %w", err)
	}
	defer localDB.Close()
	cloudDB, err := sql.Open("sqlserver", cfg.CloudDSN)
	if err != nil {
		return fmt.Errorf("open cloud database: %w", err)
	}
	defer cloudDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cacheMetrics := cache.NewMetrics(registry)

	var upstream *argus.Client
	if cfg.ArgusBaseURL != "" {
		upstream = argus.New(argus.Config{
			BaseURL:  cfg.ArgusBaseURL,
			Token:    cfg.ArgusToken,
			Attempts: cfg.ArgusAttempts,
			Timeout:  cfg.ArgusTimeout,
		}, registry)
	} else {
		slog.Warn("no argus base URL configured; upstream enrichment disabled")
	}

	// The snapshot store is best-effort: without it the process simply has
	// no ranking to serve before its first successful fetch.
	var snapshots ranking.Snapshots
	snapshotDB, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Warn("snapshot store unavailable; restart fallback disabled", "error", err)
	} else {
		defer snapshotDB.Close()
		snapshots = snapshotDB
	}

	localResolver := schema.NewResolver(localDB, cfg.QueryTimeout)
	cloudResolver := schema.NewResolver(cloudDB, cfg.QueryTimeout)

	statusSvc := status.New(localDB, localResolver, upstream, status.Config{
		StatusTable:       cfg.StatusTable,
		CollaboratorTable: cfg.CollaboratorTable,
		Organization:      cfg.Organization,
		Team:              cfg.Team,
		TTL:               cfg.StatusTTL,
		QueryTimeout:      cfg.QueryTimeout,
	}, cacheMetrics)
	rankingSvc := ranking.New(cloudDB, cloudResolver, snapshots, ranking.Config{
		SalesTable:       cfg.SalesTable,
		SellerTable:      cfg.SellerTable,
		TopN:             cfg.RankingTopN,
		PhotoPlaceholder: cfg.PhotoPlaceholder,
		TTL:              cfg.RankingTTL,
		PhotoTTL:         cfg.PhotoTTL,
		QueryTimeout:     cfg.QueryTimeout,
	}, cacheMetrics)
	companySvc := company.New(localDB, localResolver, company.Config{
		Table:        cfg.CollaboratorTable,
		TTL:          cfg.CompanyTTL,
		QueryTimeout: cfg.QueryTimeout,
	}, cacheMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := refresh.New(refresh.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		BackoffCap:  cfg.BackoffCap,
	})
	sched.Register("status", cfg.RefreshInterval, statusSvc.Refresh)
	sched.Register("ranking", cfg.RefreshInterval, func(ctx context.Context) error {
		return rankingSvc.Refresh(ctx, cfg.Organization)
	})
	sched.Register("companies", cfg.CompanyTTL, companySvc.Refresh)
	go sched.Run(ctx)

	// Warm the caches so the first dashboard request does not block.
	go sched.RunOnce(ctx)

	// Background sweeps bound cache memory.
	go statusSvc.Run(ctx)
	go rankingSvc.Run(ctx)
	go companySvc.Run(ctx)

	deps := server.Deps{
		Status:      statusSvc,
		Ranking:     rankingSvc,
		Company:     companySvc,
		Schemas:     []server.SchemaCache{localResolver, cloudResolver},
		Scheduler:   sched,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		DefaultOrg:  cfg.Organization,
		AdminSecret: cfg.AdminSecret,
	}
	if upstream != nil {
		deps.Upstream = upstream
	}
	srv := server.New(deps, bindAddr)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("opsdeck server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	cancel()

	slog.Info("opsdeck server stopped")
	return nil
}
