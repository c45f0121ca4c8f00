package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeConnectionRepository struct {
	store Store
}

// NewConnectionRepository creates a ConnectionRepository over plaid_items.
func NewConnectionRepository(store Store) ConnectionRepository {
	return &storeConnectionRepository{store: store}
}

func decodeConnection(doc *Document) (*models.Connection, error) {
	var c models.Connection
	if err := models.Decode(doc.Data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode connection '%s': %w", doc.ID, err)
	}
	c.ID = doc.ID
	if c.ItemID == "" {
		c.ItemID = doc.ID
	}
	return &c, nil
}

// Get looks a connection up by document id, then by its itemId field.
func (r *storeConnectionRepository) Get(ctx context.Context, itemID string) (*models.Connection, error) {
	doc, err := r.store.Get(ctx, CollPlaidItems, itemID)
	if err == nil {
		return decodeConnection(doc)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	docs, err := r.store.Query(ctx, Query{
		Collection: CollPlaidItems,
		Filters:    []Filter{Where("itemId", OpEqual, itemID)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s item %s: %w", CollPlaidItems, itemID, ErrNotFound)
	}
	return decodeConnection(docs[0])
}

func (r *storeConnectionRepository) ListForHealthCheck(ctx context.Context, startAfter string, limit int) ([]*models.Connection, error) {
	docs, err := r.store.Query(ctx, Query{
		Collection: CollPlaidItems,
		Filters: []Filter{
			Where("active", OpEqual, true),
			Where("status", OpIn, []interface{}{string(models.ConnectionConnected), string(models.ConnectionStale)}),
		},
		StartAfter: startAfter,
		OrderByID:  true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Connection, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeConnection(doc)
		if err != nil {
			// Keep the id so the cursor can move past an unreadable item.
			c = &models.Connection{ID: doc.ID, ItemID: doc.ID}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *storeConnectionRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if err := r.store.Update(ctx, CollPlaidItems, id, fields); err != nil {
		return fmt.Errorf("failed to update connection '%s': %w", id, err)
	}
	return nil
}

type storeNotificationRepository struct {
	store Store
}

// NewNotificationRepository creates a NotificationRepository backed by store.
func NewNotificationRepository(store Store) NotificationRepository {
	return &storeNotificationRepository{store: store}
}

func (r *storeNotificationRepository) CreateConnectionNotification(ctx context.Context, n *models.ConnectionNotification) (string, error) {
	id, err := r.store.Add(ctx, CollConnectionNotifications, n.ToMap())
	if err != nil {
		return "", fmt.Errorf("failed to create connection notification: %w", err)
	}
	n.ID = id
	return id, nil
}

func (r *storeNotificationRepository) undismissed(ctx context.Context, userID, itemID string, types []models.NotificationType, limit int) ([]*Document, error) {
	in := make([]interface{}, 0, len(types))
	for _, t := range types {
		in = append(in, string(t))
	}
	return r.store.Query(ctx, Query{
		Collection: CollConnectionNotifications,
		Filters: []Filter{
			Where("userId", OpEqual, userID),
			Where("itemId", OpEqual, itemID),
			Where("type", OpIn, in),
			Where("dismissed", OpEqual, false),
		},
		Limit: limit,
	})
}

func (r *storeNotificationRepository) HasUndismissed(ctx context.Context, userID, itemID string, t models.NotificationType) (bool, error) {
	docs, err := r.undismissed(ctx, userID, itemID, []models.NotificationType{t}, 1)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// DismissForItem dismisses every open notification of the given types for one item.
func (r *storeNotificationRepository) DismissForItem(ctx context.Context, userID, itemID string, types []models.NotificationType, now time.Time) (int, error) {
	docs, err := r.undismissed(ctx, userID, itemID, types, 0)
	if err != nil {
		return 0, err
	}
	dismissed := 0
	for start := 0; start < len(docs); start += MaxBatchWrites {
		end := start + MaxBatchWrites
		if end > len(docs) {
			end = len(docs)
		}
		batch := r.store.Batch()
		for _, d := range docs[start:end] {
			batch.Update(CollConnectionNotifications, d.ID, map[string]interface{}{
				"dismissed":   true,
				"dismissedAt": now.UTC(),
			})
		}
		if err := batch.Commit(ctx); err != nil {
			return dismissed, fmt.Errorf("failed to dismiss notifications for item '%s': %w", itemID, err)
		}
		dismissed += end - start
	}
	return dismissed, nil
}

func (r *storeNotificationRepository) CreateUserNotification(ctx context.Context, n *models.UserNotification) (string, error) {
	id, err := r.store.Add(ctx, CollUserNotifications, n.ToMap())
	if err != nil {
		return "", fmt.Errorf("failed to create user notification: %w", err)
	}
	n.ID = id
	return id, nil
}
