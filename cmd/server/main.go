package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axonpuls/axonpuls/internal/api"
	gateway "github.com/axonpuls/axonpuls/internal/api/websocket"
	"github.com/axonpuls/axonpuls/internal/config"
	"github.com/axonpuls/axonpuls/pkg/auth"
	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/events"
	"github.com/axonpuls/axonpuls/pkg/health"
	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/resilience"
	"github.com/axonpuls/axonpuls/pkg/router"
	"github.com/axonpuls/axonpuls/pkg/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerWithLevel("server", observability.ParseLevel(cfg.Log.Level))

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer shutdownTracing()

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = models.NewNodeID()
	}

	metrics := observability.NewPrometheusMetricsClient("axonpuls", "node", map[string]string{
		"node_id": nodeID,
	})

	// Redis connectivity is the fatal-init path: without the control plane
	// the node cannot join the cluster.
	rdb, err := redis.NewClient(&cfg.Redis, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to connect to redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer rdb.Close()

	node := models.Node{
		ID:             nodeID,
		Address:        cfg.Server.AdvertiseAddress,
		Version:        cfg.Server.Version,
		MaxConnections: cfg.Server.MaxConnections,
		Status:         models.NodeStatusActive,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting node", map[string]interface{}{
		"node_id": nodeID,
		"address": cfg.Server.AdvertiseAddress,
		"version": cfg.Server.Version,
	})

	reg := registry.New(rdb, node, cfg.Registry, nil, logger, metrics)
	if err := reg.Start(ctx); err != nil {
		logger.Fatal("Failed to join the cluster", map[string]interface{}{
			"error": err.Error(),
		})
	}

	manager := connections.NewManager(rdb, reg, cfg.Connections, nil, logger, metrics)
	stream := events.NewStream(cfg.Events.BufferSize, logger, metrics)
	engine := resilience.NewEngine(cfg.Retry, nil, logger, metrics)
	breakers := resilience.NewBreakerManager(nil, nil, logger)

	rt := router.New(rdb, reg, manager, stream, engine, cfg.Router, nil, logger, metrics)
	manager.SetSignaler(rt)
	if err := rt.Start(ctx); err != nil {
		logger.Fatal("Failed to subscribe to the cluster bus", map[string]interface{}{
			"error": err.Error(),
		})
	}
	manager.Start(ctx)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, engine, breakers, logger, metrics)
	for i := range cfg.Webhook.Endpoints {
		endpoint := cfg.Webhook.Endpoints[i]
		if err := dispatcher.Register(&endpoint); err != nil {
			logger.Error("Skipping invalid webhook endpoint", map[string]interface{}{
				"endpoint_id": endpoint.ID,
				"error":       err.Error(),
			})
		}
	}
	for _, channel := range cfg.Webhook.Channels {
		dispatcher.Attach(ctx, stream, channel)
	}

	provider := auth.NewJWTProvider(auth.JWTConfig{
		Secret: cfg.Auth.JWTSecret,
		Leeway: cfg.Auth.JWTLeeway,
	})

	gwConfig := gateway.DefaultConfig()
	gwConfig.MaxConnections = cfg.Server.MaxConnections
	gw := gateway.NewServer(gwConfig, provider, manager, reg, rt, stream, nil, logger, metrics)

	checker := health.NewHealthChecker(logger, metrics)
	checker.RegisterCheck("redis", health.NewRedisHealthCheck("redis", rdb))
	checker.RegisterCheck("capacity", health.NewCapacityHealthCheck("capacity", manager, reg))
	checker.RegisterCheck("cluster", health.NewClusterHealthCheck("cluster", reg))
	checker.RegisterCheck("router", health.NewRouterHealthCheck("router", rt))
	go checker.StartBackgroundChecks(ctx)

	apiServer := api.NewServer(api.Config{
		ListenAddress:       cfg.API.ListenAddress,
		ReadTimeout:         cfg.API.ReadTimeout,
		WriteTimeout:        cfg.API.WriteTimeout,
		IdleTimeout:         cfg.API.IdleTimeout,
		DefaultDrainTimeout: cfg.Server.DrainTimeout,
	}, gw, reg, checker, promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}), logger, metrics)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	shutdown(cfg, logger, reg, gw, apiServer, cancel, rt, manager)
}

// shutdown runs the graceful removal order: mark draining, stop accepting,
// wait out the drain budget, unregister, then stop the background loops.
func shutdown(cfg *config.Config, logger observability.Logger, reg *registry.Registry, gw *gateway.Server, apiServer *api.Server, cancel context.CancelFunc, rt *router.Router, manager *connections.Manager) {
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()

	if err := reg.SetDraining(drainCtx); err != nil {
		logger.Warn("Failed to mark node draining", map[string]interface{}{
			"error": err.Error(),
		})
	}
	gw.SetDraining(true)

	// Give in-flight sessions the drain budget to disconnect on their own.
	deadline := time.Now().Add(cfg.Server.DrainTimeout)
	for manager.LocalCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
	}

	unregCtx, unregCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer unregCancel()
	if err := reg.Unregister(unregCtx); err != nil {
		logger.Warn("Failed to unregister node", map[string]interface{}{
			"error": err.Error(),
		})
	}

	gw.CloseAll("server shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		logger.Warn("HTTP shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	cancel()
	rt.Wait()
	manager.Wait()
	reg.Wait()

	logger.Info("Node stopped", nil)
}
