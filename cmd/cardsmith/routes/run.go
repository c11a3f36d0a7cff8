package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/handlers"
)

// RegisterRunRoutes registers run lifecycle and event-stream routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c)

	e.POST("/api/v1/drafts/:id/runs", h.StartRun) // POST /api/v1/drafts/:id/runs

	runs := e.Group("/api/v1/runs")
	{
		runs.GET("/:id", h.GetRun)            // GET /api/v1/runs/:id
		runs.POST("/:id/cancel", h.CancelRun) // POST /api/v1/runs/:id/cancel
		runs.GET("/:id/events", h.ListEvents) // GET /api/v1/runs/:id/events?after_seq=k
		runs.GET("/:id/result", h.GetResult)  // GET /api/v1/runs/:id/result
	}
}
