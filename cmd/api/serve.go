package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sileade/scoliologic-wiki-sub002/internal/app"
	"github.com/sileade/scoliologic-wiki-sub002/internal/cache"
	"github.com/sileade/scoliologic-wiki-sub002/internal/config"
	"github.com/sileade/scoliologic-wiki-sub002/internal/observability"
	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
	"github.com/sileade/scoliologic-wiki-sub002/internal/search"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
	"github.com/sileade/scoliologic-wiki-sub002/internal/versions"
)

type serveOptions struct {
	Addr      string
	NoMigrate bool
}

func init() {
	var opts serveOptions
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address. Overrides API_ADDR.")
	serveCmd.Flags().BoolVar(&opts.NoMigrate, "no-migrate", false, "Skip applying pending migrations on startup.")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg := config.Load()
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.NoMigrate {
		cfg.AutoMigrate = false
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	pg := store.NewPostgresStore(db)
	// The service pings the database itself; checks holds the extra dependencies.
	checks := map[string]func(context.Context) error{}

	deps := app.Deps{
		Store:       pg,
		TokenSecret: cfg.TokenSecret,
		ReadyChecks: checks,
		Log:         log,
		Metrics:     metrics,
	}

	var permissions rbac.Store = pg
	if cfg.CacheTTL > 0 {
		backend, err := newCacheBackend(cfg, log, checks)
		if err != nil {
			return err
		}
		defer backend.Close()
		cached := cache.NewStore(pg, backend, cfg.CacheTTL, cache.WithLogger(log), cache.WithMetrics(metrics))
		permissions = cached
		deps.Permissions = cached
		deps.Cache = cached
	} else {
		log.Info("permission cache disabled")
	}

	if err := os.MkdirAll(cfg.VersionsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create versions dir: %w", err)
	}
	deps.Versions = versions.New(cfg.VersionsDir)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), rbac.NewResolver(permissions), log)
	deps.Search = searchService

	service := app.New(deps)
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log, metrics)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("wiki API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	return nil
}

// newCacheBackend picks Redis when configured and registers its readiness
// check; otherwise the in-process LRU.
func newCacheBackend(cfg config.Config, log logrus.FieldLogger, checks map[string]func(context.Context) error) (cache.Backend, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.WithField("size", cfg.LocalCacheSize).Info("using in-process permission cache")
		return cache.NewMemoryBackend(cfg.LocalCacheSize, cfg.CacheTTL), nil
	}
	backend, err := cache.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	checks["redis"] = backend.Ping
	log.Info("using redis permission cache")
	return backend, nil
}
