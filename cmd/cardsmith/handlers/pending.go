package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/service"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/bootstrap"
	"github.com/lorecraft/cardsmith/common/models"
)

// PendingHandler handles the review side of the approval gate
type PendingHandler struct {
	components *bootstrap.Components
	pending    *service.PendingService
}

// NewPendingHandler creates a new pending handler
func NewPendingHandler(c *container.Container) *PendingHandler {
	return &PendingHandler{
		components: c.Components,
		pending:    c.PendingService,
	}
}

// GetPending returns the draft's pending action, if any
// GET /api/v1/drafts/:id/pending
func (h *PendingHandler) GetPending(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	action, err := h.pending.Get(c.Request().Context(), draftID)
	if err != nil {
		return writeError(c, err)
	}
	if action == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"pending": nil})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pending": action})
}

type decisionRequest struct {
	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
}

// ApprovePlan applies the pending plan
// POST /api/v1/drafts/:id/pending/approve-plan
func (h *PendingHandler) ApprovePlan(c echo.Context) error {
	return h.decide(c, h.pending.ApprovePlan)
}

// AcceptPatch applies the pending patch
// POST /api/v1/drafts/:id/pending/accept-patch
func (h *PendingHandler) AcceptPatch(c echo.Context) error {
	return h.decide(c, h.pending.AcceptPatch)
}

// RejectPlan discards the pending plan
// POST /api/v1/drafts/:id/pending/reject-plan
func (h *PendingHandler) RejectPlan(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}
	if err := h.pending.RejectPlan(c.Request().Context(), draftID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rejected": true})
}

// RejectPatch discards the pending patch
// POST /api/v1/drafts/:id/pending/reject-patch
func (h *PendingHandler) RejectPatch(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}
	if err := h.pending.RejectPatch(c.Request().Context(), draftID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rejected": true})
}

func (h *PendingHandler) decide(
	c echo.Context,
	apply func(ctx context.Context, draftID uuid.UUID, requestID, fingerprint string) (*models.ProposeResult, error),
) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validation("invalid request body"))
	}
	if req.Fingerprint == "" {
		return writeError(c, apperr.Validation("fingerprint is required"))
	}

	result, err := apply(c.Request().Context(), draftID, req.RequestID, req.Fingerprint)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
