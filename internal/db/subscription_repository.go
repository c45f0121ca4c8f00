package db

import (
	"context"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeSubscriptionRepository struct {
	store Store
}

// NewSubscriptionRepository creates a SubscriptionRepository backed by store.
func NewSubscriptionRepository(store Store) SubscriptionRepository {
	return &storeSubscriptionRepository{store: store}
}

func decodeSubscription(doc *Document) (*models.Subscription, error) {
	var sub models.Subscription
	if err := models.Decode(doc.Data, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription '%s': %w", doc.ID, err)
	}
	if sub.UserID == "" {
		sub.UserID = doc.ID
	}
	return &sub, nil
}

func (r *storeSubscriptionRepository) Get(ctx context.Context, userID string) (*models.Subscription, error) {
	doc, err := r.store.Get(ctx, CollSubscriptions, userID)
	if err != nil {
		return nil, err
	}
	return decodeSubscription(doc)
}

func (r *storeSubscriptionRepository) ApplyTierUpdate(ctx context.Context, userID string, u models.TierUpdate, now time.Time) (*models.Subscription, bool, error) {
	var (
		result  *models.Subscription
		applied bool
	)
	err := r.store.Transact(ctx, CollSubscriptions, userID, func(current *Document) (map[string]interface{}, error) {
		applied = false
		sub := &models.Subscription{}
		if current != nil {
			var err error
			if sub, err = decodeSubscription(current); err != nil {
				return nil, err
			}
		}
		result = sub
		if !sub.ApplyTier(userID, u, now) {
			return nil, nil
		}
		applied = true
		return sub.TierFields(), nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply tier update for '%s': %w", userID, err)
	}
	return result, applied, nil
}

// ApplyBillingUpdate merges billing fields into an existing record. A record
// is only ever created by a tier update, so a missing one is ErrNotFound and
// nothing is written.
func (r *storeSubscriptionRepository) ApplyBillingUpdate(ctx context.Context, userID string, u models.BillingUpdate, now time.Time) error {
	err := r.store.Transact(ctx, CollSubscriptions, userID, func(current *Document) (map[string]interface{}, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		return u.Fields(userID, now), nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply billing update for '%s': %w", userID, err)
	}
	return nil
}

func (r *storeSubscriptionRepository) EndTrial(ctx context.Context, userID, reason string, now time.Time) error {
	err := r.store.Update(ctx, CollSubscriptions, userID, map[string]interface{}{
		"trial.isActive":   false,
		"trial.endedEarly": true,
		"trial.endReason":  reason,
		"updatedAt":        now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to end trial for '%s': %w", userID, err)
	}
	return nil
}

func (r *storeSubscriptionRepository) AdvanceMonthlyReset(ctx context.Context, userID string, last, next time.Time) error {
	err := r.store.Update(ctx, CollSubscriptions, userID, map[string]interface{}{
		"billing.lastMonthlyReset": last.UTC(),
		"billing.nextMonthlyReset": next.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to advance monthly reset for '%s': %w", userID, err)
	}
	return nil
}

func (r *storeSubscriptionRepository) ListActive(ctx context.Context, startAfter string, limit int) ([]ActiveSubscription, error) {
	docs, err := r.store.Query(ctx, Query{
		Collection: CollSubscriptions,
		Filters:    []Filter{Where("status", OpEqual, string(models.StatusActive))},
		StartAfter: startAfter,
		OrderByID:  true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]ActiveSubscription, 0, len(docs))
	for _, doc := range docs {
		sub, err := decodeSubscription(doc)
		out = append(out, ActiveSubscription{UserID: doc.ID, Subscription: sub, DecodeErr: err})
	}
	return out, nil
}
