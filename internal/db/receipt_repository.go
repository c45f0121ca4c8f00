package db

import (
	"context"
	"fmt"
	"time"
)

// ReceiptRepository covers the receipt fields this service owns.
type ReceiptRepository interface {
	// MarkExceedsLimit flags a receipt uploaded past its owner's monthly quota.
	MarkExceedsLimit(ctx context.Context, receiptID string, now time.Time) error
	// CountExceeded counts the owner's flagged receipts created in [from, to).
	CountExceeded(ctx context.Context, userID string, from, to time.Time) (int, error)
}

type storeReceiptRepository struct {
	store Store
}

// NewReceiptRepository creates a ReceiptRepository backed by store.
func NewReceiptRepository(store Store) ReceiptRepository {
	return &storeReceiptRepository{store: store}
}

func (r *storeReceiptRepository) MarkExceedsLimit(ctx context.Context, receiptID string, now time.Time) error {
	err := r.store.Update(ctx, CollReceipts, receiptID, map[string]interface{}{
		"exceedsLimit": true,
		"updatedAt":    now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to flag receipt '%s': %w", receiptID, err)
	}
	return nil
}

func (r *storeReceiptRepository) CountExceeded(ctx context.Context, userID string, from, to time.Time) (int, error) {
	docs, err := r.store.Query(ctx, Query{
		Collection: CollReceipts,
		Filters: []Filter{
			Where("userId", OpEqual, userID),
			Where("exceedsLimit", OpEqual, true),
			Where("createdAt", OpGreaterEqual, from.UTC()),
			Where("createdAt", OpLess, to.UTC()),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count flagged receipts for '%s': %w", userID, err)
	}
	return len(docs), nil
}
