package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/models"
)

var errNoPeriodStart = errors.New("subscription has no billing period start")

// nextAnniversary returns the first monthly anniversary of anchor strictly
// after t, clamping to month ends.
//
// Each candidate is computed from anchor, never from the previous
// anniversary. A period that started on the 31st resets on Feb 28 and then
// on Mar 31 again; stepping from Feb 28 would drift to the 28th for good.
func nextAnniversary(anchor, t time.Time) time.Time {
	// Start from the month t is in; the loop moves on when that day has passed.
	months := (t.Year()-anchor.Year())*12 + int(t.Month()) - int(anchor.Month())
	if months < 1 {
		months = 1
	}
	next := models.AddMonthsClamped(anchor, months)
	for !next.After(t) {
		months++
		next = models.AddMonthsClamped(anchor, months)
	}
	return next
}

// resetDue returns when sub's usage is next due for a reset. Resets follow
// the billing anniversary even though usage records are keyed by calendar month.
// A stored nextMonthlyReset wins; a record never reset before is due one
// clamped month after its period start.
func resetDue(sub *models.Subscription) (time.Time, error) {
	start := sub.Billing.CurrentPeriodStart
	if start == nil || start.IsZero() {
		return time.Time{}, errNoPeriodStart
	}
	if next := sub.Billing.NextMonthlyReset; next != nil && !next.IsZero() {
		return next.UTC(), nil
	}
	return models.AddMonthsClamped(start.UTC(), 1), nil
}

// RunUsageResetSweep visits one page of active subscriptions, continuing from
// the cursor left by the previous run. Each due subscription gets a fresh usage
// record for the current calendar month and its reset dates advanced.
func (r *Reconciler) RunUsageResetSweep(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	report := newSweepReport(JobUsageReset)
	defer report.finish(started)

	cursor, err := r.cursors.Get(ctx, JobUsageReset)
	if err != nil {
		return report, fmt.Errorf("failed to read sweep cursor: %w", err)
	}
	page, err := r.subs.ListActive(ctx, cursor, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list active subscriptions: %w", err)
	}

	now := r.clock()
	for _, entry := range page {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// The cursor moves past failures too. They are retried on the next
		// full pass instead of stalling every later page.
		cursor = entry.UserID
		logger := r.logger.With(zap.String("job", JobUsageReset), zap.String("userId", entry.UserID))
		if entry.DecodeErr != nil {
			logger.Warn("Skipping unreadable subscription", zap.Error(entry.DecodeErr))
			report.skipped()
			continue
		}
		reset, err := r.resetUsage(ctx, entry.UserID, entry.Subscription, now)
		switch {
		case errors.Is(err, errNoPeriodStart):
			logger.Warn("Skipping subscription without a billing period start")
			report.skipped()
		case err != nil:
			logger.Error("Usage reset failed", zap.Error(err))
			report.failed()
		case reset:
			report.processed()
		default:
			report.skipped()
		}
	}

	// A short page is the end of the collection; the next run starts over.
	if len(page) < r.batchSize {
		cursor = ""
		report.Complete = true
	}
	report.Cursor = cursor
	if err := r.cursors.Set(ctx, JobUsageReset, cursor, now); err != nil {
		return report, fmt.Errorf("failed to save sweep cursor: %w", err)
	}
	r.logger.Info("Usage reset sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Bool("complete", report.Complete),
	)
	return report, nil
}

func (r *Reconciler) resetUsage(ctx context.Context, userID string, sub *models.Subscription, now time.Time) (bool, error) {
	due, err := resetDue(sub)
	if err != nil {
		return false, err
	}
	if now.Before(due) {
		return false, nil
	}
	// The fresh record carries the subscription's own limit snapshot, falling
	// back to the catalog for records written before snapshots existed.
	limits := r.catalog.Plan(sub.CurrentTier).Limits
	if sub.Limits != nil {
		limits = *sub.Limits
	}
	if err := r.usage.Put(ctx, models.NewUsage(userID, now, limits)); err != nil {
		return false, err
	}
	// The usage write comes first. If advancing the dates fails, the next run
	// still sees the reset as due and writes it again.
	next := nextAnniversary(sub.Billing.CurrentPeriodStart.UTC(), now)
	if err := r.subs.AdvanceMonthlyReset(ctx, userID, due, next); err != nil {
		return false, err
	}
	return true, nil
}
