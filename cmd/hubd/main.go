// Package main is the entry point for the Hub control plane. One binary runs
// the project orchestrator, the workflow engine, the event service, the
// federation catalog, and the HTTP/WebSocket API together on shared
// infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/httpmw"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/common/tracing"
	"github.com/meshhub/meshhub/internal/db"

	"github.com/meshhub/meshhub/internal/events/bus"
	eventhandlers "github.com/meshhub/meshhub/internal/events/handlers"
	eventrepo "github.com/meshhub/meshhub/internal/events/repository"
	eventsvc "github.com/meshhub/meshhub/internal/events/service"

	"github.com/meshhub/meshhub/internal/driver"
	dockerdriver "github.com/meshhub/meshhub/internal/driver/docker"
	fakedriver "github.com/meshhub/meshhub/internal/driver/fake"

	agenthandlers "github.com/meshhub/meshhub/internal/agent/handlers"
	agentregistry "github.com/meshhub/meshhub/internal/agent/registry"

	"github.com/meshhub/meshhub/internal/ports"
	projecthandlers "github.com/meshhub/meshhub/internal/project/handlers"
	"github.com/meshhub/meshhub/internal/project/orchestrator"
	projectrepo "github.com/meshhub/meshhub/internal/project/repository"

	"github.com/meshhub/meshhub/internal/workflow/engine"
	workflowhandlers "github.com/meshhub/meshhub/internal/workflow/handlers"
	workflowrepo "github.com/meshhub/meshhub/internal/workflow/repository"
	workflowsvc "github.com/meshhub/meshhub/internal/workflow/service"

	"github.com/meshhub/meshhub/internal/federation/catalog"
	federationhandlers "github.com/meshhub/meshhub/internal/federation/handlers"
	federationrepo "github.com/meshhub/meshhub/internal/federation/repository"

	gatewayws "github.com/meshhub/meshhub/internal/gateway/websocket"
	webhookhandlers "github.com/meshhub/meshhub/internal/webhooks/handlers"
)

// Exit codes.
const (
	exitConfig           = 1 // unreadable or unparsable configuration
	exitDependency       = 2 // store, bus, or container runtime unreachable
	exitPortConflict     = 3 // persisted port assignments conflict at boot
	exitConfigValidation = 4 // configuration loaded but failed validation
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		if strings.Contains(err.Error(), "validation") {
			os.Exit(exitConfigValidation)
		}
		os.Exit(exitConfig)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Hub control plane",
		zap.String("hub_slug", cfg.Hub.Slug),
		zap.String("mesh_namespace", cfg.Hub.MeshNamespace))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err), zap.String("url", cfg.Database.URL))
		exit(log, exitDependency)
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("url", cfg.Database.URL))

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.Bus.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
		if err != nil {
			log.Error("Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.Bus.URL))
			exit(log, exitDependency)
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.Bus.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// Container driver
	driver.Register(dockerdriver.DriverName, func() (driver.Driver, error) {
		return dockerdriver.New(cfg.Docker, log)
	})
	driver.Register(fakedriver.DriverName, func() (driver.Driver, error) {
		return fakedriver.New(), nil
	})
	drv, err := driver.New(cfg.Docker.Driver)
	if err != nil {
		log.Error("Failed to initialize container driver", zap.Error(err))
		exit(log, exitConfig)
	}
	defer drv.Close()
	if err := drv.Ping(ctx); err != nil {
		log.Error("Container runtime unreachable", zap.Error(err), zap.String("driver", drv.Name()))
		exit(log, exitDependency)
	}
	log.Info("Container driver ready", zap.String("driver", drv.Name()))

	// Repositories
	evRepo, err := eventrepo.New(ctx, pool)
	if err != nil {
		log.Error("Failed to initialize event store", zap.Error(err))
		exit(log, exitDependency)
	}
	projRepo, err := projectrepo.New(ctx, pool)
	if err != nil {
		log.Error("Failed to initialize project store", zap.Error(err))
		exit(log, exitDependency)
	}
	wfRepo, err := workflowrepo.New(ctx, pool)
	if err != nil {
		log.Error("Failed to initialize workflow store", zap.Error(err))
		exit(log, exitDependency)
	}
	agents, err := agentregistry.New(ctx, pool)
	if err != nil {
		log.Error("Failed to initialize agent registry", zap.Error(err))
		exit(log, exitDependency)
	}
	agents.SetRunRefChecker(wfRepo)
	fedRepo, err := federationrepo.New(ctx, pool)
	if err != nil {
		log.Error("Failed to initialize federation store", zap.Error(err))
		exit(log, exitDependency)
	}

	// Event service: persist-then-publish plus the unpublished re-publisher.
	eventService := eventsvc.New(evRepo, eventBus, log)
	eventService.Start(ctx)
	defer eventService.Stop()

	// Project orchestrator
	portRegistry := ports.NewRegistry(log)
	orch := orchestrator.New(projRepo, portRegistry, drv, eventService, cfg, log)
	if err := orch.Reconcile(ctx); err != nil {
		log.Error("Project reconciliation failed", zap.Error(err))
		if apperr.IsConflict(err) {
			exit(log, exitPortConflict)
		}
		exit(log, exitDependency)
	}
	defer orch.Wait()

	// Workflow engine and service
	eng := engine.New(wfRepo, agents, drv, eventService, cfg.Workflow, cfg.Hub.Slug, log)
	if err := eng.Recover(ctx); err != nil {
		log.Error("Workflow run recovery failed", zap.Error(err))
		exit(log, exitDependency)
	}
	defer eng.Close()
	wfService := workflowsvc.New(wfRepo, agents, eng, eventBus, cfg.Hub.Slug, log)
	if err := wfService.StartTriggerConsumer(); err != nil {
		log.Error("Failed to start workflow trigger consumer", zap.Error(err))
		exit(log, exitDependency)
	}
	defer wfService.StopTriggerConsumer()

	// Federation catalog: heartbeat ingest plus the staleness sweeper.
	fedCatalog := catalog.New(fedRepo, eventService, cfg.Federation, cfg.Hub.Slug, log)
	if err := fedCatalog.Start(ctx); err != nil {
		log.Error("Failed to start federation catalog", zap.Error(err))
		exit(log, exitDependency)
	}
	defer fedCatalog.Stop()

	// WebSocket gateway
	wsHub := gatewayws.NewHub(eventService, cfg.Hub.Slug, log)
	if err := wsHub.Run(ctx); err != nil {
		log.Error("Failed to start WebSocket hub", zap.Error(err))
		exit(log, exitDependency)
	}
	defer wsHub.Wait()

	// HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "hubd"))
	router.Use(httpmw.OtelTracing("hubd"))

	registerHealth(router, cfg, eventBus, drv, fedCatalog, wsHub)

	api := router.Group("/api/v1")
	api.Use(httpmw.APIKeyAuth(cfg.Auth.APIKeys))
	projecthandlers.NewHTTPHandler(orch, log).RegisterRoutes(api)
	agenthandlers.NewHTTPHandler(agents, log).RegisterRoutes(api)
	workflowhandlers.NewHTTPHandler(wfService, eng, wfRepo, log).RegisterRoutes(api)
	eventhandlers.NewHTTPHandler(eventService, cfg.Hub.Slug, log).RegisterRoutes(api)
	federationhandlers.NewHTTPHandler(fedCatalog, log).RegisterRoutes(api)
	webhookhandlers.NewHTTPHandler(eventService, cfg.Hub.Slug, log).RegisterRoutes(api)
	gatewayws.NewHandler(wsHub, log).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		exit(log, exitDependency)
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	log.Info("Hub control plane stopped")
}

// registerHealth mounts the unauthenticated health endpoints.
func registerHealth(router *gin.Engine, cfg *config.Config, eventBus bus.EventBus,
	drv driver.Driver, fedCatalog *catalog.Catalog, wsHub *gatewayws.Hub) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"hub_slug":           cfg.Hub.Slug,
			"mesh_namespace":     cfg.Hub.MeshNamespace,
			"driver":             drv.Name(),
			"bus_connected":      eventBus.IsConnected(),
			"ws_clients":         wsHub.ClientCount(),
			"unknown_heartbeats": fedCatalog.UnknownHeartbeats(),
		})
	})
	router.GET("/health/bus", func(c *gin.Context) {
		status := http.StatusOK
		if !eventBus.IsConnected() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"connected": eventBus.IsConnected()})
	})
}

// exit syncs the logger before terminating with the given code.
func exit(log *logger.Logger, code int) {
	_ = log.Sync()
	os.Exit(code)
}
