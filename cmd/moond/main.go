// Package main is the entry point for moond, the solarbus moon daemon. A
// moon is one agent process attached to a project through the sun's
// gateway: a worker that executes the requests addressed to it, or a
// coordinator that aggregates the project's fan-in.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/config"
	"github.com/solarbus/solarbus/internal/common/constants"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/coordinator"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/moon"
	"github.com/solarbus/solarbus/internal/store"
	"github.com/solarbus/solarbus/pkg/client"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := requireMoonIdentity(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting moond...",
		zap.String("agent", cfg.Moon.AgentName),
		zap.String("project_id", cfg.Moon.ProjectID),
		zap.String("role", cfg.Moon.Role))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Gateway clients. Traffic runs as the agent; registry writes run
	// as the owning human (see remoteFabric).
	agentClient := client.New(cfg.Moon.SunURL, "agent:"+cfg.Moon.AgentName,
		client.WithLogger(log.Zap()))
	ownerClient := client.New(cfg.Moon.SunURL, "human:"+cfg.Moon.HumanID,
		client.WithLogger(log.Zap()))

	// The moon fails closed: an unreachable sun at boot is a deployment
	// problem, not something to retry into.
	healthCtx, healthCancel := context.WithTimeout(ctx, constants.HealthProbeTimeout)
	err = agentClient.Health(healthCtx)
	healthCancel()
	if err != nil {
		log.Fatal("Sun is unreachable",
			zap.String("sun_url", cfg.Moon.SunURL), zap.Error(err))
	}

	// 5. Local state store. Commit markers and the consumer cursor live
	// here, so processing resumes exactly where it stopped after a restart.
	st, err := store.NewSQLiteStore(cfg.Moon.StatePath, store.Options{})
	if err != nil {
		log.Fatal("Failed to open state store",
			zap.String("path", cfg.Moon.StatePath), zap.Error(err))
	}
	defer st.Close()
	engine := idempotency.New(st, log)

	fabric := newRemoteFabric(ctx, agentClient, ownerClient, log)

	// 6. Start the runtime for the configured role
	id := moon.Identity{
		AgentName: cfg.Moon.AgentName,
		HumanID:   cfg.Moon.HumanID,
		ProjectID: cfg.Moon.ProjectID,
	}
	var stop func() error
	switch cfg.Moon.Role {
	case "coordinator":
		coordCfg := coordinator.DefaultConfig()
		coordCfg.TaskTimeout = cfg.Coordinator.TaskTimeout()
		coordCfg.RetryBudget = cfg.Coordinator.RetryBudget
		coordCfg.StaleFactor = cfg.Coordinator.StaleFactor
		coordCfg.HeartbeatInterval = cfg.Moon.HeartbeatInterval()
		coord := coordinator.New(fabric, fabric, engine, log, coordCfg, coordinator.Identity(id))
		if err := coord.Start(ctx); err != nil {
			log.Fatal("Failed to start coordinator", zap.Error(err))
		}
		stop = coord.Stop
	default:
		moonCfg := moon.DefaultConfig()
		moonCfg.HeartbeatInterval = cfg.Moon.HeartbeatInterval()
		moonCfg.Capabilities = cfg.Moon.Capabilities
		rt := moon.New(fabric, provideWorker(cfg, log), engine, log, moonCfg, id)
		if err := rt.Start(ctx); err != nil {
			log.Fatal("Failed to start moon runtime", zap.Error(err))
		}
		stop = rt.Stop
	}

	log.Info("moond started", zap.String("sun_url", cfg.Moon.SunURL))

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down moond...")
	cancel()
	if err := stop(); err != nil {
		log.Error("Runtime shutdown error", zap.Error(err))
	}

	log.Info("moond stopped")
}

// requireMoonIdentity rejects a start without the full (agent, human,
// project) triple; a moon cannot register or authorize without it.
func requireMoonIdentity(cfg *config.Config) error {
	if cfg.Moon.AgentName == "" {
		return fmt.Errorf("moon.agentName is required")
	}
	if cfg.Moon.HumanID == "" {
		return fmt.Errorf("moon.humanId is required")
	}
	if cfg.Moon.ProjectID == "" {
		return fmt.Errorf("moon.projectId is required")
	}
	return nil
}
