package db

import (
	"context"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeUsageRepository struct {
	store Store
}

// NewUsageRepository creates a UsageRepository backed by store.
func NewUsageRepository(store Store) UsageRepository {
	return &storeUsageRepository{store: store}
}

func decodeUsage(doc *Document) (*models.Usage, error) {
	var u models.Usage
	if err := models.Decode(doc.Data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode usage '%s': %w", doc.ID, err)
	}
	u.ID = doc.ID
	return &u, nil
}

func (r *storeUsageRepository) Get(ctx context.Context, userID string, month time.Time) (*models.Usage, error) {
	doc, err := r.store.Get(ctx, CollUsage, models.UsageKey(userID, month))
	if err != nil {
		return nil, err
	}
	return decodeUsage(doc)
}

// Put replaces the usage record, used by the monthly reset and teammate setup.
func (r *storeUsageRepository) Put(ctx context.Context, usage *models.Usage) error {
	if err := r.store.Set(ctx, CollUsage, usage.ID, usage.ToMap()); err != nil {
		return fmt.Errorf("failed to write usage '%s': %w", usage.ID, err)
	}
	return nil
}

func (r *storeUsageRepository) MergeLimits(ctx context.Context, userID string, now time.Time, limits models.Limits) error {
	id := models.UsageKey(userID, now)
	err := r.store.Merge(ctx, CollUsage, id, map[string]interface{}{
		"userId":    userID,
		"month":     models.MonthKey(now),
		"limits":    limits.ToMap(),
		"updatedAt": now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to merge usage limits '%s': %w", id, err)
	}
	return nil
}

func (r *storeUsageRepository) IncrementReceipts(ctx context.Context, userID, receiptID string, now time.Time, limitsIfNew models.Limits) (models.ReceiptCount, error) {
	id := models.UsageKey(userID, now)
	var result models.ReceiptCount
	err := r.store.Transact(ctx, CollUsage, id, func(current *Document) (map[string]interface{}, error) {
		usage := models.NewUsage(userID, now, limitsIfNew)
		if current != nil {
			var err error
			if usage, err = decodeUsage(current); err != nil {
				return nil, err
			}
		}
		// The id list and the counter change in the same write, so a
		// redelivered receipt is seen as counted or not counted at all.
		result = usage.CountReceipt(receiptID)
		if !result.New {
			return nil, nil
		}
		usage.UpdatedAt = models.TimePtr(now)
		if current == nil {
			return usage.ToMap(), nil
		}
		counted := make([]interface{}, 0, len(usage.CountedReceiptIDs))
		for _, rid := range usage.CountedReceiptIDs {
			counted = append(counted, rid)
		}
		return map[string]interface{}{
			"receiptsUploaded":  usage.ReceiptsUploaded,
			"countedReceiptIds": counted,
			"updatedAt":         now.UTC(),
		}, nil
	})
	if err != nil {
		return models.ReceiptCount{}, fmt.Errorf("failed to increment receipts for '%s': %w", id, err)
	}
	return result, nil
}
