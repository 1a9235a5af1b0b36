package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/underwrite/internal/api"
	"github.com/opensource-finance/underwrite/internal/bus"
	"github.com/opensource-finance/underwrite/internal/cache"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/overlay"
	"github.com/opensource-finance/underwrite/internal/pipeline"
	"github.com/opensource-finance/underwrite/internal/policy"
	"github.com/opensource-finance/underwrite/internal/repository"
	"github.com/opensource-finance/underwrite/internal/scheduler"
	"github.com/opensource-finance/underwrite/internal/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and async worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	return cmd
}

func serve(parent context.Context, cfg *domain.Config) error {
	slog.Info("starting underwrite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	base := policy.Default()
	if cfg.Policy.File != "" {
		if base, err = policy.LoadFile(cfg.Policy.File); err != nil {
			return err
		}
		slog.Info("policy file applied", "file", cfg.Policy.File, "version", base.Version)
	}

	registry := policy.NewRegistry(base, repo)
	if _, err := registry.Reload(ctx); err != nil {
		// Stored profiles can be fixed and reloaded through the API.
		slog.Warn("failed to load policy profiles", "error", err)
	}

	overlays, err := overlay.NewEngine(repo, 100)
	if err != nil {
		return fmt.Errorf("initialize overlay engine: %w", err)
	}
	defer overlays.Close()
	if _, err := overlays.Reload(ctx); err != nil {
		slog.Warn("failed to load overlays", "error", err)
	}

	service := pipeline.NewService(registry, pipeline.Options{
		Overlays:     overlays,
		Cache:        cacheImpl,
		CacheTTL:     cfg.Cache.DecisionTTL,
		BatchWorkers: cfg.Policy.BatchWorkers,
	})
	slog.Info("underwriting service initialized",
		"policies", len(registry.IDs()),
		"overlays", overlays.Count(),
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		// Without an explicit list the worker follows the registry.
		policyIDs := cfg.Worker.PolicyIDs
		follow := len(policyIDs) == 0
		if follow {
			policyIDs = registry.IDs()
		}

		asyncWorker = worker.NewWorker(busImpl, service)
		if err := asyncWorker.Start(worker.Config{PolicyIDs: policyIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			if follow {
				registry.OnChange(asyncWorker.Sync)
			}
			slog.Info("async worker started",
				"policy_count", len(policyIDs),
				"follow_registry", follow,
			)
		}
	}

	var sched *scheduler.Scheduler
	if cfg.Policy.ReloadCron != "" {
		sched = scheduler.New(ctx)
		if err := sched.Register(cfg.Policy.ReloadCron, "policies", registry); err != nil {
			return err
		}
		if err := sched.Register(cfg.Policy.ReloadCron, "overlays", overlays); err != nil {
			return err
		}
		sched.Start()
	}

	srv := api.NewServer(cfg.Server, service, repo, cacheImpl, busImpl, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("underwrite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	if sched != nil {
		sched.Stop()
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("underwrite shutdown complete")
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  UNDERWRITE")
	fmt.Println("  Mortgage eligibility and LLPA pricing")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /api/evaluate              - Evaluate a scenario")
	fmt.Println("    POST   /api/evaluate/batch        - Evaluate up to 500 scenarios")
	fmt.Println("    GET    /api/presets               - List example scenarios")
	fmt.Println("    POST   /api/presets/{id}/evaluate - Evaluate an example scenario")
	fmt.Println("    GET    /api/policies              - List policies")
	fmt.Println("    POST   /api/policies              - Create a policy profile")
	fmt.Println("    POST   /api/policies/reload       - Hot-reload policy profiles")
	fmt.Println("    GET    /api/overlays              - List lender overlays")
	fmt.Println("    POST   /api/overlays              - Create a lender overlay")
	fmt.Println("    POST   /api/overlays/reload       - Hot-reload overlays")
	fmt.Println("    GET    /health                    - Health check")
	fmt.Println()
}
