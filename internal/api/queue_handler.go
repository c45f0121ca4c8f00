package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/metrics"
	"github.com/example/receiptsync/internal/models"
	"github.com/example/receiptsync/pkg/messagequeue"
)

// NewBillingQueueHandler adapts the reconciler to queued billing envelopes.
// Invalid envelopes are dropped; processing failures are requeued.
func NewBillingQueueHandler(billing billingReconciler, logger *zap.Logger) messagequeue.Handler {
	return func(ctx context.Context, body []byte) error {
		start := time.Now()
		defer func() {
			metrics.WebhookDuration.WithLabelValues(sourceQueue).Observe(time.Since(start).Seconds())
		}()

		var event models.BillingEvent
		if err := json.Unmarshal(body, &event); err != nil {
			metrics.WebhookRequestsTotal.WithLabelValues(sourceQueue, "unknown", outcomeInvalid).Inc()
			return fmt.Errorf("%w: %v", messagequeue.ErrMalformed, err)
		}
		_, outcome, err := billingOutcome(ctx, billing, event)
		metrics.WebhookRequestsTotal.WithLabelValues(sourceQueue, eventTypeLabel(event.Type), outcome).Inc()
		switch outcome {
		case outcomeInvalid:
			return fmt.Errorf("%w: %v", messagequeue.ErrMalformed, err)
		case outcomeError:
			logger.Warn("Queued billing event failed", zap.String("eventId", event.ID), zap.Error(err))
			return err
		}
		return nil
	}
}
