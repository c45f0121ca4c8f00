package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

const minSubscriptionIDLength = 10

// Identity transfer as seen by the reconciler.
type identityTransferer interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// ReconcilerDeps wires a Reconciler.
type ReconcilerDeps struct {
	Subscriptions db.SubscriptionRepository
	Usage         db.UsageRepository
	Receipts      db.ReceiptRepository
	Cursors       db.CursorRepository
	Audit         AuditService
	Notifications NotificationService
	Resolver      *EntitlementResolver
	// Cache is optional. Webhooks invalidate it for the affected user.
	Cache     EntitlementCache
	Transfers identityTransferer
	Catalog   models.Catalog
	Effects   *EffectDispatcher
	BatchSize int
	Logger    *zap.Logger
	Clock     Clock
}

// Reconciler keeps subscription records consistent across billing webhooks,
// payment confirmations and the monthly usage reset.
type Reconciler struct {
	subs          db.SubscriptionRepository
	tiers         TierWriter
	billing       BillingWriter
	usage         db.UsageRepository
	receipts      db.ReceiptRepository
	cursors       db.CursorRepository
	audit         AuditService
	notifications NotificationService
	resolver      *EntitlementResolver
	cache         EntitlementCache
	transfers     identityTransferer
	catalog       models.Catalog
	effects       *EffectDispatcher
	batchSize     int
	logger        *zap.Logger
	clock         Clock
}

// NewReconciler creates a Reconciler.
func NewReconciler(d ReconcilerDeps) *Reconciler {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Catalog == nil {
		d.Catalog = models.DefaultCatalog()
	}
	if d.BatchSize <= 0 || d.BatchSize > db.MaxBatchWrites {
		d.BatchSize = 100
	}
	if d.Effects == nil {
		d.Effects = NewEffectDispatcher(d.Logger)
	}
	if d.Resolver == nil {
		d.Resolver = NewEntitlementResolver(nil, d.Logger, d.Clock)
	}
	return &Reconciler{
		subs:          d.Subscriptions,
		tiers:         d.Subscriptions,
		billing:       d.Subscriptions,
		usage:         d.Usage,
		receipts:      d.Receipts,
		cursors:       d.Cursors,
		audit:         d.Audit,
		notifications: d.Notifications,
		resolver:      d.Resolver,
		cache:         d.Cache,
		transfers:     d.Transfers,
		catalog:       d.Catalog,
		effects:       d.Effects,
		batchSize:     d.BatchSize,
		logger:        d.Logger,
		clock:         d.Clock,
	}
}

// WebhookResult reports what a billing event did.
type WebhookResult struct {
	EventID   string                  `json:"eventId"`
	EventType models.BillingEventType `json:"eventType"`
	UserID    string                  `json:"userId"`
	Tier      models.Tier             `json:"tier,omitempty"`
	Status    string                  `json:"status,omitempty"`
	Duplicate bool                    `json:"duplicate"`
	Transfer  *TransferResult         `json:"transfer,omitempty"`
}

// HandleWebhook applies one billing-provider event. The audit entry is written
// first and never blocks the subscription write. A redelivered event id leaves
// the record unchanged. Returned errors are retryable unless they wrap
// ErrInvalidArgument.
func (r *Reconciler) HandleWebhook(ctx context.Context, event models.BillingEvent) (*WebhookResult, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	now := r.clock()
	userID := event.Data.AppUserID
	logger := r.logger.With(
		zap.String("eventId", event.ID),
		zap.String("eventType", string(event.Type)),
		zap.String("userId", userID),
	)

	// The audit entry goes first and is keyed by event id, so a redelivery
	// overwrites it. Its failure never blocks the subscription write.
	r.recordAudit(ctx, logger, models.AuditEvent{
		ID:     event.ID,
		Type:   "billing." + string(event.Type),
		Source: "billing_webhook",
		UserID: userID,
		Payload: map[string]interface{}{
			"appUserId":       userID,
			"originAppUserId": event.Data.OriginAppUserID,
			"entitlements":    entitlementIDs(event.Data.Subscriber),
		},
	})

	result := &WebhookResult{EventID: event.ID, UserID: userID, EventType: event.Type}

	// A transfer moves the old identity's data before the tier is applied, so
	// the tier update lands on the copied record and not on a fresh one.
	if event.Type == models.EventTransfer {
		if r.transfers == nil {
			return nil, errors.New("identity transfer is not configured")
		}
		tr, err := r.transfers.Transfer(ctx, TransferRequest{
			FromUserID: event.Data.OriginAppUserID,
			ToUserID:   userID,
			EventID:    event.ID,
			Trigger:    "billing_transfer",
		})
		if err != nil {
			logger.Error("Identity transfer failed", zap.String("fromUserId", event.Data.OriginAppUserID), zap.Error(err))
			return nil, fmt.Errorf("failed to transfer '%s' to '%s': %w", event.Data.OriginAppUserID, userID, err)
		}
		result.Transfer = tr
	}

	update := r.tierUpdate(logger, event, now)
	sub, applied, err := r.tiers.ApplyTierUpdate(ctx, userID, update, now)
	if err != nil {
		logger.Error("Failed to write subscription", zap.Error(err))
		return nil, err
	}
	result.Tier = sub.CurrentTier
	result.Status = string(sub.Status)
	result.Duplicate = !applied

	// Usage limits follow the stored record, so a redelivery after a failed
	// usage write still converges.
	if sub.Limits != nil {
		if err := r.usage.MergeLimits(ctx, userID, now, *sub.Limits); err != nil {
			logger.Error("Failed to merge usage limits", zap.Error(err))
			return nil, err
		}
	}

	// Effects run only for the first delivery of an event.
	if !applied {
		logger.Info("Billing event already applied")
		return result, nil
	}

	var effects Effects
	if r.cache != nil {
		effects.Add("invalidate-entitlements", func(ctx context.Context) error {
			return r.cache.Invalidate(ctx, userID)
		})
	}
	if event.Type == models.EventBillingIssue && r.notifications != nil {
		effects.Add("notify-billing-issue", func(ctx context.Context) error {
			return r.notifications.NotifyUser(ctx, userID, models.NotifyBillingIssue, map[string]interface{}{
				"eventId": event.ID,
			})
		})
	}
	r.effects.Dispatch(ctx, effects, zap.String("eventId", event.ID), zap.String("userId", userID))

	logger.Info("Billing event applied",
		zap.String("tier", string(sub.CurrentTier)),
		zap.String("status", string(sub.Status)),
	)
	return result, nil
}

// tierUpdate derives the entitlement-owned state an event asks for.
func (r *Reconciler) tierUpdate(logger *zap.Logger, event models.BillingEvent, now time.Time) models.TierUpdate {
	u := models.TierUpdate{
		EventID:          event.ID,
		RevenueCatUserID: event.Data.AppUserID,
	}
	switch event.Type {
	case models.EventCancellation, models.EventExpiration:
		// Ends access whatever the payload still claims.
		u.Tier = models.TierTrial
		u.Status = models.StatusCanceled
		u.Reason = string(event.Type)
	case models.EventBillingIssue:
		// Never changes the tier. A record created here starts on trial.
		u.Tier = models.TierTrial
		u.Status = models.StatusPastDue
		u.Reason = string(event.Type)
		u.StatusOnly = true
	default:
		tier, active := r.resolver.TierFromSubscriber(&event.Data.Subscriber, now)
		u.Tier = tier
		u.Status = models.StatusActive
		if !active {
			logger.Info("No active entitlement in billing event")
			u.Status = models.StatusCanceled
		}
		u.Reason = string(event.Type)
		if event.Type == models.EventTransfer {
			u.Reason = models.ReasonAccountTransfer
		}
	}
	u.Plan = r.catalog.Plan(u.Tier)
	return u
}

func (r *Reconciler) recordAudit(ctx context.Context, logger *zap.Logger, event models.AuditEvent) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, event); err != nil {
		logger.Warn("Failed to write audit entry", zap.Error(err))
	}
}

func entitlementIDs(sub models.Subscriber) []interface{} {
	ids := make([]interface{}, 0, len(sub.Entitlements))
	for id := range sub.Entitlements {
		ids = append(ids, id)
	}
	return ids
}

// ConfirmPaymentRequest is the body of the confirm-payment RPC.
type ConfirmPaymentRequest struct {
	SubscriptionID   string `json:"subscriptionId"`
	UserID           string `json:"userId"`
	TierID           string `json:"tierId,omitempty"`
	RevenueCatUserID string `json:"revenueCatUserId,omitempty"`
}

// ConfirmPaymentResult is the RPC response.
type ConfirmPaymentResult struct {
	Success          bool `json:"success"`
	ReceiptsExcluded int  `json:"receiptsExcluded"`
	TierChange       bool `json:"tierChange"`
}

func (req ConfirmPaymentRequest) validate() error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	}
	if len(strings.TrimSpace(req.SubscriptionID)) < minSubscriptionIDLength {
		return fmt.Errorf("%w: subscriptionId must be at least %d characters", ErrInvalidArgument, minSubscriptionIDLength)
	}
	if req.TierID != "" && !models.Tier(req.TierID).Valid() {
		return fmt.Errorf("%w: unknown tierId %q", ErrInvalidArgument, req.TierID)
	}
	return nil
}

// ConfirmPayment records that the caller's payment went through. It writes
// billing fields and status only; tier, limits, features and history stay
// owned by the webhook path.
func (r *Reconciler) ConfirmPayment(ctx context.Context, callerID string, req ConfirmPaymentRequest) (*ConfirmPaymentResult, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if callerID != req.UserID {
		return nil, fmt.Errorf("%w: caller may only confirm their own payment", ErrPermissionDenied)
	}
	now := r.clock()
	logger := r.logger.With(zap.String("userId", req.UserID), zap.String("subscriptionId", req.SubscriptionID))

	// The record and its tier come from the first billing webhook. Until it
	// lands there is nothing to confirm against, and the client retries.
	current, err := r.subs.Get(ctx, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: no subscription for '%s' yet", ErrFailedPrecondition, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}

	// The tier only decides whether the trial ends. Resolution is best-effort
	// and never blocks the billing write.
	tier := models.Tier(req.TierID)
	if tier == "" {
		appUserID := req.RevenueCatUserID
		if appUserID == "" {
			appUserID = req.UserID
		}
		resolved, _, err := r.resolver.Resolve(ctx, appUserID)
		if err != nil {
			logger.Warn("Tier resolution failed, assuming trial", zap.Error(err))
			resolved = models.TierTrial
		}
		tier = resolved
	}

	periodEnd := models.AddMonthsClamped(now, 1)
	err = r.billing.ApplyBillingUpdate(ctx, req.UserID, models.BillingUpdate{
		Status:             models.StatusActive,
		SubscriptionID:     req.SubscriptionID,
		CurrentPeriodStart: models.TimePtr(now),
		CurrentPeriodEnd:   models.TimePtr(periodEnd),
	}, now)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: subscription for '%s' was removed", ErrFailedPrecondition, req.UserID)
	}
	if err != nil {
		logger.Error("Failed to write billing update", zap.Error(err))
		return nil, err
	}

	var effects Effects
	if current.Trial != nil && current.Trial.IsActive && tier != models.TierTrial {
		effects.Add("end-trial", func(ctx context.Context) error {
			return r.billing.EndTrial(ctx, req.UserID, "upgraded_to_paid", now)
		})
	}
	if r.audit != nil {
		effects.Add("audit", func(ctx context.Context) error {
			return r.audit.Record(ctx, models.AuditEvent{
				Type:   "billing.payment_confirmed",
				Source: "confirm_payment",
				UserID: req.UserID,
				Payload: map[string]interface{}{
					"subscriptionId": req.SubscriptionID,
					"tier":           string(tier),
				},
			})
		})
	}
	r.effects.Dispatch(ctx, effects, zap.String("userId", req.UserID))

	result := &ConfirmPaymentResult{Success: true, TierChange: current.CurrentTier != tier}
	if r.receipts != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		n, err := r.receipts.CountExceeded(ctx, req.UserID, monthStart, models.FirstOfNextMonth(now))
		if err != nil {
			logger.Warn("Failed to count excluded receipts", zap.Error(err))
		}
		result.ReceiptsExcluded = n
	}
	return result, nil
}

// RestoreFromProvider creates a subscription for a new user when the billing
// provider already grants it a paid entitlement. It reports whether a record
// was written.
func (r *Reconciler) RestoreFromProvider(ctx context.Context, userID string) (bool, error) {
	tier, active, err := r.resolver.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	if !active || !tier.IsPaid() {
		return false, nil
	}
	now := r.clock()
	sub, applied, err := r.tiers.ApplyTierUpdate(ctx, userID, models.TierUpdate{
		EventID: "restore:" + userID,
		Tier:    tier,
		Status:  models.StatusActive,
		Plan:    r.catalog.Plan(tier),
		Reason:  models.ReasonRestored,
	}, now)
	if err != nil {
		return false, err
	}
	if sub.Limits != nil {
		if err := r.usage.MergeLimits(ctx, userID, now, *sub.Limits); err != nil {
			return applied, err
		}
	}
	return applied, nil
}
