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

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/castiron/crucible/internal/adapters/backend"
	"github.com/castiron/crucible/internal/adapters/blob"
	"github.com/castiron/crucible/internal/adapters/docker"
	"github.com/castiron/crucible/internal/adapters/duckdb"
	appconfig "github.com/castiron/crucible/internal/config"
	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
	"github.com/castiron/crucible/internal/core/services"
	"github.com/castiron/crucible/pkg/api"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting crucibled")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	if _, err := api.LoadOpenAPIDoc(ctx); err != nil {
		return fmt.Errorf("embedded api description is broken: %w", err)
	}

	dbPath := os.Getenv("CRUCIBLE_DB_PATH")
	if dbPath == "" {
		dbPath = "crucible.db"
	}

	repo, err := duckdb.NewRepository(dbPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}

	settingsStore, err := appconfig.NewSettingsStore(logger, repo, secretKey)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	config := settingsStore.GetConfig()

	// The docker runtime hosts endpoints in local mode. Remote mode does
	// not need a daemon, so a connection failure only blocks local mode.
	runtime, runtimeErr := docker.NewRuntime(logger)
	if runtimeErr != nil && config.Platform.Mode != "remote" {
		return fmt.Errorf("local mode needs the docker daemon: %w", runtimeErr)
	}

	set, err := backend.Build(logger, config, runtime)
	if err != nil {
		return fmt.Errorf("failed to build platform backends: %w", err)
	}
	platform := backend.NewSwitch(set)

	// Hot-reload: settings changes swap the backends without a restart.
	settingsStore.OnChange(func(cfg *domain.AppConfig) {
		newSet, err := backend.Build(logger, cfg, runtime)
		if err != nil {
			logger.Error("failed to rebuild backends on settings change", "error", err)
			return
		}
		platform.Update(newSet)
		logger.Info("platform backends hot-reloaded from settings change")
	})

	if runtime != nil {
		reconcileEndpoints(ctx, logger, runtime, repo)
	}

	artifacts, err := blob.NewLocalFS(config.Platform.ArtifactRoot)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	queue := services.NewCompileQueue(logger, services.QueueConfig{
		MaxConcurrent: int64(config.Compile.MaxConcurrent),
	})
	waitCfg := services.WaitConfig{
		Interval: config.Compile.PollInterval(),
		MaxWait:  config.Compile.MaxWait(),
		FailFast: config.Compile.FailFast,
	}

	compileService := services.NewCompileService(logger, platform, repo, queue, eventBus, waitCfg)
	catalog := services.NewImageCatalog(logger, config.Platform.BaseURL)
	hostingService := services.NewHostingService(logger, platform, platform, repo, catalog, waitCfg)
	packager := services.NewPackager(logger, artifacts)

	apiServer := api.NewServer(logger, compileService, hostingService, packager, eventBus, settingsStore)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	addr := os.Getenv("CRUCIBLE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: c.Handler(apiServer.Router()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return compileService.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// reconcileEndpoints aligns endpoint records with the containers that
// actually survived a daemon restart. Containers without a record are
// adopted as CREATING so the next describe refreshes them; records
// without a container are marked failed.
func reconcileEndpoints(ctx context.Context, logger *slog.Logger, runtime *docker.Runtime, repo ports.Repository) {
	running, err := runtime.ListEndpointContainers(ctx)
	if err != nil {
		logger.Warn("endpoint reconciliation skipped", "error", err)
		return
	}
	alive := make(map[string]bool, len(running))
	for _, name := range running {
		alive[name] = true
	}

	known, err := repo.ListEndpoints(ctx)
	if err != nil {
		logger.Warn("endpoint reconciliation skipped", "error", err)
		return
	}

	for _, ep := range known {
		if alive[ep.Name] {
			delete(alive, ep.Name)
			continue
		}
		if ep.Status == domain.EndpointStatusFailed {
			continue
		}
		reason := "endpoint container missing after restart"
		ep.Status = domain.EndpointStatusFailed
		ep.FailureReason = &reason
		ep.UpdatedAt = time.Now().UTC()
		if err := repo.SaveEndpoint(ctx, ep); err != nil {
			logger.Error("failed to mark stale endpoint", "endpoint", ep.Name, "error", err)
		} else {
			logger.Warn("endpoint container gone, marked failed", "endpoint", ep.Name)
		}
	}

	for name := range alive {
		now := time.Now().UTC()
		ep := domain.Endpoint{
			Name:      name,
			Status:    domain.EndpointStatusCreating,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.SaveEndpoint(ctx, ep); err != nil {
			logger.Error("failed to adopt endpoint container", "endpoint", name, "error", err)
		} else {
			logger.Info("adopted running endpoint container", "endpoint", name)
		}
	}
}
