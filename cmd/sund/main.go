// Package main is the entry point for sund, the solarbus hub daemon.
// One process hosts the durable envelope store, the authorization guard,
// the pub/sub router and the HTTP + WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/authz"
	"github.com/solarbus/solarbus/internal/common/config"
	"github.com/solarbus/solarbus/internal/common/constants"
	"github.com/solarbus/solarbus/internal/common/httpmw"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/gateway"
	gatewayws "github.com/solarbus/solarbus/internal/gateway/websocket"
	"github.com/solarbus/solarbus/internal/idempotency"
	"github.com/solarbus/solarbus/internal/presence"
	"github.com/solarbus/solarbus/internal/router"
	"github.com/solarbus/solarbus/internal/sun"
	"github.com/solarbus/solarbus/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
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

	log.Info("Starting sund...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Durable store. The fabric fails closed: no store, no service.
	st, err := provideStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 5. Initialize router (in-memory by default, NATS if configured)
	var bus router.Router
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := router.NewNATSRouter(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		log.Info("Connected to NATS router")
	} else {
		log.Info("Using in-memory router")
		bus = router.NewMemoryRouter(log)
	}
	defer bus.Close()

	// 6. Initialize presence tracker (in-memory by default, Redis if configured)
	var tracker presence.Tracker
	if cfg.Redis.URL != "" {
		log.Info("Connecting to Redis...", zap.String("url", cfg.Redis.URL))
		redisTracker, err := presence.NewRedisTracker(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		tracker = redisTracker
		log.Info("Connected to Redis presence tracker")
	} else {
		log.Info("Using in-memory presence tracker")
		tracker = presence.NewMemoryTracker()
	}
	defer tracker.Close()

	// 7. Core services
	guard := authz.New(st, authz.DefaultConfig(), log)
	svc := sun.New(st, guard, bus, tracker, log)
	defer svc.Close()
	idem := idempotency.New(st, log)

	// 8. Seed configured memberships. Grants are upserts, so rerunning on
	// every start is safe.
	if err := seedMemberships(ctx, svc, cfg.Bootstrap.Memberships, log); err != nil {
		log.Fatal("Failed to seed memberships", zap.Error(err))
	}

	// 9. HTTP server (REST + WebSocket stream)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(httpmw.RequestLogger(log, "sund"))
	r.Use(httpmw.OtelTracing("sund"))
	r.Use(httpmw.Metrics())

	gateway.RegisterEnvelopeRoutes(r, svc, log)
	gateway.RegisterAgentRoutes(r, svc, log)

	gw := gatewayws.NewGateway(svc, guard, idem, log)
	go gw.Hub.Run(ctx)
	gw.SetupRoutes(r)

	// Health check for load balancers and monitoring. Degraded means the
	// store or the router is unreachable.
	r.GET("/health", func(c *gin.Context) {
		if err := svc.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "solarbus",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "solarbus",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("sund listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("stream", "/api/v1/projects/:project_id/stream"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
	)

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sund...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sund stopped")
}
