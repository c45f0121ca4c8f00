package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// UsageLimiterDeps wires a UsageLimiter.
type UsageLimiterDeps struct {
	Subscriptions db.SubscriptionRepository
	Users         db.UserRepository
	Usage         db.UsageRepository
	Receipts      db.ReceiptRepository
	Notifications NotificationService
	Catalog       models.Catalog
	Effects       *EffectDispatcher
	Logger        *zap.Logger
	Clock         Clock
}

// UsageLimiter counts receipt uploads against the monthly quota.
type UsageLimiter struct {
	subs          db.SubscriptionRepository
	users         db.UserRepository
	usage         db.UsageRepository
	receipts      db.ReceiptRepository
	notifications NotificationService
	catalog       models.Catalog
	effects       *EffectDispatcher
	logger        *zap.Logger
	clock         Clock
}

// NewUsageLimiter creates a UsageLimiter.
func NewUsageLimiter(d UsageLimiterDeps) *UsageLimiter {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Catalog == nil {
		d.Catalog = models.DefaultCatalog()
	}
	if d.Effects == nil {
		d.Effects = NewEffectDispatcher(d.Logger)
	}
	return &UsageLimiter{
		subs:          d.Subscriptions,
		users:         d.Users,
		usage:         d.Usage,
		receipts:      d.Receipts,
		notifications: d.Notifications,
		catalog:       d.Catalog,
		effects:       d.Effects,
		logger:        d.Logger,
		clock:         d.Clock,
	}
}

// ReceiptUsageResult reports the count after one upload.
type ReceiptUsageResult struct {
	UserID           string `json:"userId"`
	Month            string `json:"month"`
	ReceiptsUploaded int    `json:"receiptsUploaded"`
	MaxReceipts      int    `json:"maxReceipts"`
	Exceeded         bool   `json:"exceeded"`
}

// limitsFor returns the limits a user's first usage record of a month gets:
// the subscription snapshot, teammate limits, or the trial plan.
func (u *UsageLimiter) limitsFor(ctx context.Context, userID string) (models.Limits, error) {
	sub, err := u.subs.Get(ctx, userID)
	switch {
	case err == nil && sub.Limits != nil:
		return *sub.Limits, nil
	case err == nil:
		return u.catalog.Plan(sub.CurrentTier).Limits, nil
	case !errors.Is(err, db.ErrNotFound):
		return models.Limits{}, err
	}
	profile, err := u.users.Get(ctx, userID)
	switch {
	case err == nil && profile.Role == models.RoleTeammate:
		return u.catalog.Plan(models.TierTeammate).Limits, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return models.Limits{}, err
	}
	return u.catalog.Plan(models.TierTrial).Limits, nil
}

// OnReceiptCreated counts one upload. A receipt over the limit is flagged
// excluded, and the owner is notified the first time the limit is crossed.
// The event bridge retries on error, so a redelivered receipt is not counted
// twice. It is flagged again when its first delivery failed before the flag
// was written.
func (u *UsageLimiter) OnReceiptCreated(ctx context.Context, event models.ReceiptCreated) (*ReceiptUsageResult, error) {
	if strings.TrimSpace(event.UserID) == "" || strings.TrimSpace(event.ReceiptID) == "" {
		return nil, fmt.Errorf("%w: receiptId and userId are required", ErrInvalidArgument)
	}
	now := u.clock()
	logger := u.logger.With(zap.String("userId", event.UserID), zap.String("receiptId", event.ReceiptID))

	limits, err := u.limitsFor(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve limits: %w", err)
	}
	count, err := u.usage.IncrementReceipts(ctx, event.UserID, event.ReceiptID, now, limits)
	if err != nil {
		return nil, err
	}
	usage := count.Usage
	if !count.New {
		logger.Info("Receipt already counted", zap.Int("position", count.Position))
	}

	// Whether this receipt is over the limit depends on its own position, not
	// on the running total, so a late redelivery is judged as it was first.
	result := &ReceiptUsageResult{
		UserID:           event.UserID,
		Month:            models.MonthKey(now),
		ReceiptsUploaded: usage.ReceiptsUploaded,
		MaxReceipts:      usage.Limits.MaxReceipts,
		Exceeded:         usage.Limits.ReceiptsExceeded(count.Position),
	}
	if !result.Exceeded {
		return result, nil
	}
	if err := u.receipts.MarkExceedsLimit(ctx, event.ReceiptID, now); err != nil {
		return nil, err
	}
	logger.Info("Receipt over monthly limit",
		zap.Int("receiptsUploaded", usage.ReceiptsUploaded),
		zap.Int("maxReceipts", usage.Limits.MaxReceipts),
	)

	if count.New && count.Position == usage.Limits.MaxReceipts+1 && u.notifications != nil {
		var effects Effects
		effects.Add("notify-usage-limit", func(ctx context.Context) error {
			return u.notifications.NotifyUser(ctx, event.UserID, models.NotifyUsageLimitReached, map[string]interface{}{
				"month":       result.Month,
				"maxReceipts": usage.Limits.MaxReceipts,
			})
		})
		u.effects.Dispatch(ctx, effects, zap.String("userId", event.UserID))
	}
	return result, nil
}
