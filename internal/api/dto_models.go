package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/db"
)

// Stable RPC error codes.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodePermissionDenied   = "permission-denied"
	CodeInvalidArgument    = "invalid-argument"
	CodeNotFound           = "not-found"
	CodeFailedPrecondition = "failed-precondition"
	CodeInternal           = "internal"
)

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse is the body of endpoints that only acknowledge.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// errorStatus maps a service error to its HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden, CodePermissionDenied
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, core.ErrAccountNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, core.ErrFailedPrecondition):
		return http.StatusConflict, CodeFailedPrecondition
	}
	return http.StatusInternalServerError, CodeInternal
}

// respondError writes err as an ErrorResponse. Internal errors are logged and
// their details withheld.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: code}
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("route", c.FullPath()), zap.Error(err))
	} else {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    CodeInvalidArgument,
		Details: err.Error(),
	})
}
