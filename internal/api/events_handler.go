package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/metrics"
	"github.com/example/receiptsync/internal/models"
)

type accountLifecycle interface {
	OnUserCreate(ctx context.Context, user models.AuthUser) (*core.CreateResult, error)
	OnUserDelete(ctx context.Context, user models.AuthUser) (*core.DeleteResult, error)
}

type receiptCounter interface {
	OnReceiptCreated(ctx context.Context, event models.ReceiptCreated) (*core.ReceiptUsageResult, error)
}

// EventsHandler receives platform triggers from the event bridge. Unlike the
// provider webhooks, a failure answers 500 so the bridge redelivers.
type EventsHandler struct {
	billing   billingReconciler
	lifecycle accountLifecycle
	receipts  receiptCounter
	logger    *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(billing billingReconciler, lifecycle accountLifecycle, receipts receiptCounter, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{billing: billing, lifecycle: lifecycle, receipts: receipts, logger: logger}
}

func (h *EventsHandler) observe(eventType string, start time.Time, err error) {
	outcome := outcomeProcessed
	if err != nil {
		outcome = outcomeError
	}
	metrics.WebhookRequestsTotal.WithLabelValues(sourceEvents, eventType, outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(sourceEvents).Observe(time.Since(start).Seconds())
}

// UserCreated handles POST /events/auth/user-created.
func (h *EventsHandler) UserCreated(c *gin.Context) {
	start := time.Now()
	var user models.AuthUser
	if err := c.ShouldBindJSON(&user); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.lifecycle.OnUserCreate(c.Request.Context(), user)
	h.observe("user_created", start, err)
	if err != nil {
		respondError(c, h.logger.With(zap.String("userId", user.UID)), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UserDeleted handles POST /events/auth/user-deleted.
func (h *EventsHandler) UserDeleted(c *gin.Context) {
	start := time.Now()
	var user models.AuthUser
	if err := c.ShouldBindJSON(&user); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.lifecycle.OnUserDelete(c.Request.Context(), user)
	h.observe("user_deleted", start, err)
	if err != nil {
		respondError(c, h.logger.With(zap.String("userId", user.UID)), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReceiptCreated handles POST /events/receipts/created.
func (h *EventsHandler) ReceiptCreated(c *gin.Context) {
	start := time.Now()
	var event models.ReceiptCreated
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.receipts.OnReceiptCreated(c.Request.Context(), event)
	h.observe("receipt_created", start, err)
	if err != nil {
		respondError(c, h.logger.With(zap.String("userId", event.UserID)), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BillingEvent handles POST /events/billing, the retrying variant of the
// billing webhook.
func (h *EventsHandler) BillingEvent(c *gin.Context) {
	start := time.Now()
	var event models.BillingEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, err)
		return
	}
	result, outcome, err := billingOutcome(c.Request.Context(), h.billing, event)
	metrics.WebhookRequestsTotal.WithLabelValues(sourceEvents, eventTypeLabel(event.Type), outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(sourceEvents).Observe(time.Since(start).Seconds())
	if err != nil {
		respondError(c, h.logger.With(zap.String("eventId", event.ID)), err)
		return
	}
	c.JSON(http.StatusOK, result)
}
