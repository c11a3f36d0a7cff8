package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	mw "github.com/lorecraft/cardsmith/cmd/cardsmith/middleware"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/routes"
	"github.com/lorecraft/cardsmith/common/bootstrap"
	"github.com/lorecraft/cardsmith/common/db"
	commonmw "github.com/lorecraft/cardsmith/common/middleware"
	"github.com/lorecraft/cardsmith/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB, logger, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "cardsmith",
		bootstrap.WithDBInitHook(db.InitSchema),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap cardsmith: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// The run loop consumer outlives individual requests; it stops when the
	// root context is cancelled at shutdown.
	go func() {
		if err := serviceContainer.RunService.StartConsumer(ctx); err != nil {
			components.Logger.Error("run consumer stopped", "error", err)
		}
	}()

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	srv := server.New("cardsmith", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(mw.ExtractUsername())
	e.Use(commonmw.GlobalRateLimitMiddleware(c.RateLimiter, 600))
	e.Use(commonmw.UserRateLimitMiddleware(c.RateLimiter, 120))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "cardsmith",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterDraftRoutes(e, serviceContainer)
	routes.RegisterRunRoutes(e, serviceContainer)
}
