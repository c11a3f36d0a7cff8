package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	mw "github.com/lorecraft/cardsmith/cmd/cardsmith/middleware"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/service"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/bootstrap"
	"github.com/lorecraft/cardsmith/common/ratelimit"
)

// RunHandler handles run lifecycle and event-stream requests
type RunHandler struct {
	components  *bootstrap.Components
	runs        *service.RunService
	rateLimiter *ratelimit.RateLimiter
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{
		components:  c.Components,
		runs:        c.RunService,
		rateLimiter: c.RateLimiter,
	}
}

// StartRun starts an autonomous run against a draft
// POST /api/v1/drafts/:id/runs
func (h *RunHandler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	username, err := mw.RequireUsername(c)
	if err != nil {
		return err
	}

	if h.rateLimiter != nil {
		limit := h.components.Config.Runs.StartsPerMinute
		result, err := h.rateLimiter.CheckRunStartLimit(ctx, username, limit)
		if err == nil && !result.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"code":    "rate_limited",
				"message": "too many run starts, slow down",
				"detail": map[string]interface{}{
					"limit":               result.Limit,
					"retry_after_seconds": result.RetryAfterSeconds,
				},
			})
		}
	}

	var req service.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validation("invalid request body"))
	}

	run, err := h.runs.Start(ctx, draftID, &req)
	if err != nil {
		return writeError(c, err)
	}

	h.components.Logger.Info("run start accepted",
		"run_id", run.RunID,
		"draft_id", draftID,
		"username", username)
	return c.JSON(http.StatusAccepted, run)
}

// GetRun returns the run's current state
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	run, err := h.runs.Get(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun requests cooperative cancellation
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) CancelRun(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	run, err := h.runs.Cancel(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListEvents returns the resumable event stream after a sequence number
// GET /api/v1/runs/:id/events?after_seq=0&limit=500
func (h *RunHandler) ListEvents(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	afterSeq := int64(0)
	if v := c.QueryParam("after_seq"); v != "" {
		afterSeq, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return writeError(c, apperr.Validation("after_seq must be an integer"))
		}
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return writeError(c, apperr.Validation("limit must be an integer"))
		}
	}

	events, err := h.runs.Events(c.Request().Context(), runID, afterSeq, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"events": events,
	})
}

// GetResult returns the run's final summary once it has stopped
// GET /api/v1/runs/:id/result
func (h *RunHandler) GetResult(c echo.Context) error {
	runID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	result, err := h.runs.Result(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
