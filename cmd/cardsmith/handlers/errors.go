package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lorecraft/cardsmith/common/apperr"
)

// writeError maps a typed error to its HTTP response. Every error leaves
// through here so clients always see {code, message, detail}.
func writeError(c echo.Context, err error) error {
	ae := apperr.AsError(err)

	status := http.StatusInternalServerError
	switch ae.Code {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeVersionConflict, apperr.CodeBusy, apperr.CodeDraftChanged, apperr.CodePendingKindMismatch:
		status = http.StatusConflict
	case apperr.CodeUpstream:
		status = http.StatusBadGateway
	}

	body := map[string]interface{}{
		"code":    ae.Code,
		"message": ae.Message,
	}
	if len(ae.Detail) > 0 {
		body["detail"] = ae.Detail
	}
	return c.JSON(status, body)
}

// pathUUID parses a named path parameter as a UUID.
func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("%s is not a valid uuid", name)
	}
	return id, nil
}
