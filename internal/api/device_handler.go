package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/models"
)

type deviceGate interface {
	Evaluate(ctx context.Context, deviceToken, email string) (models.DeviceDecision, error)
	CompleteAccountCreation(ctx context.Context, deviceToken string) error
}

// DeviceCheckRequest is the body of POST /device/check.
type DeviceCheckRequest struct {
	DeviceToken string `json:"deviceToken"`
	Email       string `json:"email"`
}

// DeviceCompleteRequest is the body of POST /device/complete.
type DeviceCompleteRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// DeviceHandler serves the signup device gate.
type DeviceHandler struct {
	gate   deviceGate
	logger *zap.Logger
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(gate deviceGate, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{gate: gate, logger: logger}
}

// Check handles POST /device/check. Blocked devices still get a 200 with
// canCreateAccount false.
func (h *DeviceHandler) Check(c *gin.Context) {
	var req DeviceCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	decision, err := h.gate.Evaluate(c.Request.Context(), req.DeviceToken, req.Email)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Complete handles POST /device/complete.
func (h *DeviceHandler) Complete(c *gin.Context) {
	var req DeviceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.gate.CompleteAccountCreation(c.Request.Context(), req.DeviceToken); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}
