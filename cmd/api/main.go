// Package main provides the entry point for the crucible API server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anvillabs/crucible/internal/advisor"
	"github.com/anvillabs/crucible/internal/analyzer"
	"github.com/anvillabs/crucible/internal/api"
	"github.com/anvillabs/crucible/internal/artifacts"
	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/cleanup"
	"github.com/anvillabs/crucible/internal/engine"
	"github.com/anvillabs/crucible/internal/events"
	"github.com/anvillabs/crucible/internal/metrics"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/podman"
	"github.com/anvillabs/crucible/internal/sandbox"
	"github.com/anvillabs/crucible/internal/secrets"
	"github.com/anvillabs/crucible/internal/shutdown"
	"github.com/anvillabs/crucible/internal/store"
	pgstore "github.com/anvillabs/crucible/internal/store/postgres"
	"github.com/anvillabs/crucible/internal/validator"
	"github.com/anvillabs/crucible/pkg/config"
	"github.com/anvillabs/crucible/pkg/logger"
)

func main() {
	log := logger.New(logger.ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT") != "text")

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := pgstore.New(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := bootstrapAdmin(cfg, st, log); err != nil {
		log.Error("failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, st.APIKeys(), log.Logger)

	// In-process broker feeds the SSE and websocket streams; NATS fan-out
	// is added when an external consumer is configured.
	broker := events.NewBroker(log.Logger)
	sink := events.Sink(broker)
	var natsPub *events.NATSPublisher
	if cfg.Events.NATSURL != "" {
		natsPub, err = events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, log.Logger)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err, "url", cfg.Events.NATSURL)
			os.Exit(1)
		}
		sink = events.Fanout{broker, natsPub}
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	podmanClient := podman.NewClient(log.Logger)

	// Pull the toolchain image in the background if local storage does
	// not already have it. Builds admitted before the pull finishes fail
	// in the sandbox and can simply be retried.
	go func() {
		pullCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := podmanClient.EnsureImage(pullCtx, cfg.Sandbox.Image); err != nil {
			log.Warn("toolchain image preflight failed", "image", cfg.Sandbox.Image, "error", err)
		}
	}()

	executor := sandbox.NewExecutor(podmanClient, sandbox.Config{
		Image:     cfg.Sandbox.Image,
		User:      cfg.Sandbox.User,
		MemoryMB:  cfg.Sandbox.MemoryMB,
		CPUCores:  cfg.Sandbox.CPUCores,
		PidsLimit: cfg.Sandbox.PidsLimit,
		Timeout:   cfg.Sandbox.Timeout,
		UsePTY:    cfg.Sandbox.UsePTY,
	}, log.Logger)

	adv, err := advisor.New(advisor.Config{
		APIKey:            cfg.Advisor.APIKey,
		BaseURL:           cfg.Advisor.BaseURL,
		Model:             cfg.Advisor.Model,
		MaxRetries:        cfg.Advisor.MaxRetries,
		InitialBackoff:    cfg.Advisor.InitialBackoff,
		MaxBackoff:        cfg.Advisor.MaxBackoff,
		BackoffMultiplier: cfg.Advisor.BackoffMultiplier,
		RequestsPerMinute: int(cfg.Advisor.RequestsPerSecond * 60),
		MaxContextBytes:   cfg.Advisor.TotalByteBudget,
		MaxFileBytes:      cfg.Advisor.FileByteBudget,
	}, log.Logger)
	if err != nil {
		log.Error("failed to create repair advisor", "error", err)
		os.Exit(1)
	}

	anl, err := analyzer.New(log.Logger)
	if err != nil {
		log.Error("failed to create project analyzer", "error", err)
		os.Exit(1)
	}

	valCfg := validator.DefaultConfig()
	valCfg.MinShrinkLines = cfg.Validator.MinShrinkLines
	valCfg.ShrinkRatio = cfg.Validator.ShrinkRatio

	scanner := artifacts.NewScanner(log.Logger)

	eng, err := engine.New(engine.Config{
		WorkspaceRoot:       cfg.Engine.WorkspaceRoot,
		MaxIterations:       cfg.Engine.MaxIterations,
		FixPause:            cfg.Engine.FixPause,
		SandboxTimeout:      cfg.Sandbox.Timeout,
		MaxConcurrentBuilds: int64(cfg.Engine.MaxConcurrent),
		ErrorPatterns:       cfg.Sandbox.ErrorPatterns,
	}, engine.Deps{
		Runner:    executor,
		Proposer:  adv,
		Analyzer:  anl,
		Validator: validator.New(valCfg, log.Logger),
		Scanner:   scanner,
		Secrets:   secrets.NewService(log.Logger),
		Context:   advisor.NewContextBuilder(cfg.Advisor.TotalByteBudget, cfg.Advisor.FileByteBudget, log.Logger),
		Events:    sink,
		Recorder:  recorder,
	}, log.Logger)
	if err != nil {
		log.Error("failed to create build engine", "error", err)
		os.Exit(1)
	}

	disk := cleanup.NewDiskMonitor(cfg.Engine.WorkspaceRoot, cfg.Engine.DiskHighWater/100, log.Logger)

	janitor, err := cleanup.New(cleanup.Config{
		Retention:     cfg.Engine.Retention,
		Interval:      cfg.Engine.SweepInterval,
		WorkspaceRoot: cfg.Engine.WorkspaceRoot,
	}, eng, podmanClient, log.Logger)
	if err != nil {
		log.Error("failed to create janitor", "error", err)
		os.Exit(1)
	}
	janitor.Start()

	server := api.NewServer(cfg, api.Deps{
		Engine:  eng,
		Store:   st,
		Auth:    authService,
		Broker:  broker,
		Scanner: scanner,
		Disk:    disk,
		Drainer: eng,
		Metrics: metrics.HTTPHandler(reg),
	}, log.Logger)

	// Teardown runs in reverse registration order: the HTTP server stops
	// admitting work, then the engine drains in-flight builds, and only
	// then do the sinks those builds write to go away.
	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("store", st))
	if natsPub != nil {
		coordinator.Register(shutdown.NewCloserComponent("nats-publisher", natsPub))
	}
	coordinator.Register(shutdown.NewStopComponent("janitor", janitor))
	coordinator.Register(shutdown.NewFuncComponent("engine", eng.Stop))
	coordinator.Register(shutdown.NewFuncComponent("api-server", server.Shutdown))

	go func() {
		if err := server.Start(context.Background()); err != nil {
			log.Error("server error", "error", err)
			coordinator.Shutdown()
		}
	}()

	go coordinator.WaitForSignal()
	coordinator.Wait()

	log.Info("server stopped")
	memguard.Purge()
	os.Exit(coordinator.ExitCode())
}

// bootstrapAdmin creates the initial admin account when bootstrap
// credentials are configured and no admin exists yet.
func bootstrapAdmin(cfg *config.Config, st store.Store, log *logger.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := st.Users().CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("counting admins: %w", err)
	}
	if n > 0 {
		return nil
	}

	u, err := st.Users().Create(ctx, cfg.AdminEmail, cfg.AdminPassword, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("creating admin %s: %w", cfg.AdminEmail, err)
	}
	log.Info("created bootstrap admin", "email", u.Email, "id", u.ID)
	return nil
}
