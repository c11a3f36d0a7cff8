package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/handlers"
)

// RegisterDraftRoutes registers draft, version, and pending-action routes
func RegisterDraftRoutes(e *echo.Echo, c *container.Container) {
	dh := handlers.NewDraftHandler(c)
	ph := handlers.NewPendingHandler(c)

	drafts := e.Group("/api/v1/drafts")
	{
		drafts.POST("", dh.CreateDraft)                        // POST /api/v1/drafts
		drafts.GET("/:id", dh.GetDraft)                        // GET /api/v1/drafts/:id
		drafts.DELETE("/:id", dh.DeleteDraft)                  // DELETE /api/v1/drafts/:id
		drafts.GET("/:id/versions", dh.ListVersions)           // GET /api/v1/drafts/:id/versions
		drafts.GET("/:id/versions/:version", dh.GetVersion)    // GET /api/v1/drafts/:id/versions/3
		drafts.POST("/:id/patch", dh.ApplyPatch)               // POST /api/v1/drafts/:id/patch
		drafts.POST("/:id/reset", dh.ResetDraft)               // POST /api/v1/drafts/:id/reset
		drafts.POST("/:id/rollback", dh.RollbackDraft)         // POST /api/v1/drafts/:id/rollback

		drafts.GET("/:id/pending", ph.GetPending)                     // GET /api/v1/drafts/:id/pending
		drafts.POST("/:id/pending/approve-plan", ph.ApprovePlan)      // POST /api/v1/drafts/:id/pending/approve-plan
		drafts.POST("/:id/pending/reject-plan", ph.RejectPlan)        // POST /api/v1/drafts/:id/pending/reject-plan
		drafts.POST("/:id/pending/accept-patch", ph.AcceptPatch)      // POST /api/v1/drafts/:id/pending/accept-patch
		drafts.POST("/:id/pending/reject-patch", ph.RejectPatch)      // POST /api/v1/drafts/:id/pending/reject-patch
	}
}
