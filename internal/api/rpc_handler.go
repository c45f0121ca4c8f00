package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/middleware"
)

type accountRecoveryMarker interface {
	MarkAccountRecovered(ctx context.Context, caller core.Caller, req core.MarkRecoveredRequest) (*core.MarkRecoveredResult, error)
}

// RPCHandler serves the authenticated client RPCs.
type RPCHandler struct {
	billing   billingReconciler
	lifecycle accountRecoveryMarker
	logger    *zap.Logger
}

// NewRPCHandler creates an RPCHandler.
func NewRPCHandler(billing billingReconciler, lifecycle accountRecoveryMarker, logger *zap.Logger) *RPCHandler {
	return &RPCHandler{billing: billing, lifecycle: lifecycle, logger: logger}
}

// ConfirmPayment handles POST /api/v1/rpc/confirm-payment.
func (h *RPCHandler) ConfirmPayment(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)

	var req core.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.billing.ConfirmPayment(c.Request.Context(), caller.UID, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// MarkAccountRecovered handles POST /api/v1/rpc/mark-account-recovered.
func (h *RPCHandler) MarkAccountRecovered(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)

	var req core.MarkRecoveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.lifecycle.MarkAccountRecovered(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
