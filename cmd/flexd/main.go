// Command flexd runs the Flex orchestrator as an HTTP service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	flex "github.com/flexhq/flex"
	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/telemetry"
)

func main() {
	logger := core.NewProductionLogger(core.DefaultLoggingConfig(), core.DefaultDevelopmentConfig(), "flexd")

	var tel core.Telemetry = core.NoOpTelemetry{}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		provider, err := telemetry.NewOTelProvider("flexd", flex.Version, endpoint)
		if err != nil {
			logger.Warn("Telemetry disabled", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			tel = provider
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(ctx)
			}()
		}
	}

	catalog := facet.DefaultCatalog()
	if path := os.Getenv("FLEX_FACET_CATALOG"); path != "" {
		loaded, err := facet.LoadCatalogFile(path)
		if err != nil {
			logger.Error("Failed to load facet catalog", map[string]interface{}{
				"operation": "startup",
				"path":      path,
				"error":     err.Error(),
			})
			os.Exit(1)
		}
		catalog = loaded
	}

	server, err := flex.NewServer(flex.Config{
		RedisURL:     os.Getenv("REDIS_URL"),
		Namespace:    os.Getenv("FLEX_NAMESPACE"),
		Catalog:      catalog,
		PlannerModel: os.Getenv("FLEX_PLANNER_MODEL"),
		Logger:       logger,
		Telemetry:    tel,
	})
	if err != nil {
		logger.Error("Failed to start", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
	defer func() { _ = server.Close() }()

	addr := os.Getenv("FLEX_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(server.Handler(), "flexd"),
	}

	go func() {
		logger.Info("Listening", map[string]interface{}{
			"operation": "startup",
			"addr":      addr,
			"version":   flex.Version,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", map[string]interface{}{
				"operation": "shutdown",
				"error":     err.Error(),
			})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
}
