package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/container"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/service"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/bootstrap"
	"github.com/lorecraft/cardsmith/common/fingerprint"
	"github.com/lorecraft/cardsmith/common/patch"
)

// DraftHandler handles draft CRUD, patching, and restore requests
type DraftHandler struct {
	components *bootstrap.Components
	drafts     *service.DraftService
}

// NewDraftHandler creates a new draft handler
func NewDraftHandler(c *container.Container) *DraftHandler {
	return &DraftHandler{
		components: c.Components,
		drafts:     c.DraftService,
	}
}

// CreateDraft creates a new empty draft at version 1
// POST /api/v1/drafts
func (h *DraftHandler) CreateDraft(c echo.Context) error {
	draft, err := h.drafts.Create(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, draft)
}

// GetDraft returns the head version with its fingerprint
// GET /api/v1/drafts/:id
func (h *DraftHandler) GetDraft(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	head, err := h.drafts.Head(c.Request().Context(), draftID)
	if err != nil {
		return writeError(c, err)
	}

	fp, err := fingerprint.Compute(head.Snapshot)
	if err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeInternal, err, "fingerprint snapshot"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"draft_id":    head.DraftID,
		"version":     head.Version,
		"snapshot":    head.Snapshot,
		"meta":        head.Meta,
		"fingerprint": fp,
	})
}

// GetVersion returns one historical version, archived or not
// GET /api/v1/drafts/:id/versions/:version
func (h *DraftHandler) GetVersion(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		return writeError(c, apperr.Validation("version must be an integer"))
	}

	v, err := h.drafts.GetVersion(c.Request().Context(), draftID, version)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// ListVersions returns the version history without snapshots
// GET /api/v1/drafts/:id/versions
func (h *DraftHandler) ListVersions(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	versions, err := h.drafts.ListVersions(c.Request().Context(), draftID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"versions": versions})
}

// ApplyPatch applies a patch batch against an expected base version
// POST /api/v1/drafts/:id/patch
func (h *DraftHandler) ApplyPatch(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		BaseVersion int64         `json:"base_version"`
		RequestID   string        `json:"request_id"`
		Ops         []patch.RawOp `json:"ops"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validation("invalid request body"))
	}

	result, err := h.drafts.ApplyPatch(c.Request().Context(), draftID, req.BaseVersion, req.RequestID, req.Ops)
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusOK
	if !result.Replayed {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}

// ResetDraft truncates history back to a prior version
// POST /api/v1/drafts/:id/reset
func (h *DraftHandler) ResetDraft(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		BaseVersion  int64  `json:"base_version"`
		RequestID    string `json:"request_id"`
		ToVersion    int64  `json:"to_version"`
		Confirmation string `json:"confirmation"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validation("invalid request body"))
	}

	result, err := h.drafts.Reset(c.Request().Context(), draftID, req.BaseVersion, req.RequestID, req.ToVersion, req.Confirmation)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// RollbackDraft appends a new version copying a prior snapshot
// POST /api/v1/drafts/:id/rollback
func (h *DraftHandler) RollbackDraft(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		BaseVersion int64  `json:"base_version"`
		RequestID   string `json:"request_id"`
		ToVersion   int64  `json:"to_version"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Validation("invalid request body"))
	}

	result, err := h.drafts.Rollback(c.Request().Context(), draftID, req.BaseVersion, req.RequestID, req.ToVersion)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// DeleteDraft removes the draft and all derived state
// DELETE /api/v1/drafts/:id
func (h *DraftHandler) DeleteDraft(c echo.Context) error {
	draftID, err := pathUUID(c, "id")
	if err != nil {
		return writeError(c, err)
	}

	if err := h.drafts.Delete(c.Request().Context(), draftID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
