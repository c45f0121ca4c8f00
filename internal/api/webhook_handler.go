package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/metrics"
	"github.com/example/receiptsync/internal/models"
)

// Webhook sources used as metric labels.
const (
	sourceBilling    = "billing"
	sourceConnection = "connection"
	sourceEvents     = "events"
	sourceQueue      = "amqp"
)

// Webhook outcomes used as metric labels.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeInvalid   = "invalid"
	outcomeIgnored   = "ignored"
	outcomeError     = "error"
)

type billingReconciler interface {
	HandleWebhook(ctx context.Context, event models.BillingEvent) (*core.WebhookResult, error)
	ConfirmPayment(ctx context.Context, callerID string, req core.ConfirmPaymentRequest) (*core.ConfirmPaymentResult, error)
}

type connectionMonitor interface {
	HandleWebhook(ctx context.Context, hook models.ConnectionWebhook) (*core.ConnectionWebhookResult, error)
}

// WebhookAck is the body returned to webhook senders.
type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// WebhookHandler receives provider webhooks. Once authenticated, a delivery
// is always acknowledged with 200; failures are logged and counted.
type WebhookHandler struct {
	billing     billingReconciler
	connections connectionMonitor
	logger      *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(billing billingReconciler, connections connectionMonitor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{billing: billing, connections: connections, logger: logger}
}

func eventTypeLabel(t models.BillingEventType) string {
	if parsed, ok := models.ParseBillingEventType(string(t)); ok {
		return string(parsed)
	}
	return "unknown"
}

// billingOutcome runs one billing event and classifies the result.
func billingOutcome(ctx context.Context, svc billingReconciler, event models.BillingEvent) (*core.WebhookResult, string, error) {
	result, err := svc.HandleWebhook(ctx, event)
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		return nil, outcomeInvalid, err
	case err != nil:
		return nil, outcomeError, err
	case result.Duplicate:
		return result, outcomeDuplicate, nil
	}
	return result, outcomeProcessed, nil
}

// HandleBillingWebhook handles POST /webhooks/billing and
// POST /webhooks/billing/:eventType.
func (h *WebhookHandler) HandleBillingWebhook(c *gin.Context) {
	start := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(sourceBilling).Observe(time.Since(start).Seconds())
	}()

	var event models.BillingEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		h.logger.Warn("Unreadable billing webhook", zap.Error(err))
		metrics.WebhookRequestsTotal.WithLabelValues(sourceBilling, "unknown", outcomeInvalid).Inc()
		c.JSON(http.StatusOK, WebhookAck{Received: true, Outcome: outcomeInvalid})
		return
	}
	if event.Type == "" {
		event.Type = models.BillingEventType(c.Param("eventType"))
	}
	label := eventTypeLabel(event.Type)

	_, outcome, err := billingOutcome(c.Request.Context(), h.billing, event)
	if err != nil {
		h.logger.Error("Billing webhook failed",
			zap.String("eventId", event.ID),
			zap.String("eventType", label),
			zap.String("userId", event.Data.AppUserID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
	metrics.WebhookRequestsTotal.WithLabelValues(sourceBilling, label, outcome).Inc()
	c.JSON(http.StatusOK, WebhookAck{Received: true, Outcome: outcome})
}

// HandleConnectionWebhook handles POST /webhooks/plaid.
func (h *WebhookHandler) HandleConnectionWebhook(c *gin.Context) {
	start := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(sourceConnection).Observe(time.Since(start).Seconds())
	}()

	var hook models.ConnectionWebhook
	if err := c.ShouldBindJSON(&hook); err != nil {
		h.logger.Warn("Unreadable item webhook", zap.Error(err))
		metrics.WebhookRequestsTotal.WithLabelValues(sourceConnection, "unknown", outcomeInvalid).Inc()
		c.JSON(http.StatusOK, WebhookAck{Received: true, Outcome: outcomeInvalid})
		return
	}

	outcome := outcomeProcessed
	result, err := h.connections.HandleWebhook(c.Request.Context(), hook)
	switch {
	case err != nil:
		outcome = outcomeError
		if errors.Is(err, core.ErrInvalidArgument) {
			outcome = outcomeInvalid
		}
		h.logger.Error("Item webhook failed",
			zap.String("itemId", hook.ItemID),
			zap.String("webhookCode", hook.WebhookCode),
			zap.Error(err),
		)
	case !result.Handled:
		outcome = outcomeIgnored
	}
	metrics.WebhookRequestsTotal.WithLabelValues(sourceConnection, hook.WebhookType, outcome).Inc()
	c.JSON(http.StatusOK, WebhookAck{Received: true, Outcome: outcome})
}
