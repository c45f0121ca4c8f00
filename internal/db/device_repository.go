package db

import (
	"context"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeDeviceRepository struct {
	store Store
}

// NewDeviceRepository creates a DeviceRepository over device_tracking.
func NewDeviceRepository(store Store) DeviceRepository {
	return &storeDeviceRepository{store: store}
}

func (r *storeDeviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	doc, err := r.store.Get(ctx, CollDeviceTracking, id)
	if err != nil {
		return nil, err
	}
	var d models.Device
	if err := models.Decode(doc.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode device '%s': %w", id, err)
	}
	d.ID = doc.ID
	return &d, nil
}

// MarkAccountCreated records that the device has produced an account.
// createdAt is only written the first time.
func (r *storeDeviceRepository) MarkAccountCreated(ctx context.Context, id string, token models.FallbackToken, now time.Time) error {
	err := r.store.Transact(ctx, CollDeviceTracking, id, func(current *Document) (map[string]interface{}, error) {
		fields := map[string]interface{}{
			"platform":          token.Platform,
			"deviceId":          token.DeviceID,
			"hasCreatedAccount": true,
			"lastUpdated":       now.UTC(),
		}
		if current == nil {
			fields["createdAt"] = now.UTC()
		}
		return fields, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark device '%s': %w", id, err)
	}
	return nil
}

func (r *storeDeviceRepository) MarkExceptionAllowed(ctx context.Context, id string, now time.Time) error {
	err := r.store.Merge(ctx, CollDeviceTracking, id, map[string]interface{}{
		"previousAccountDeleted": true,
		"allowedNewAccountAt":    now.UTC(),
		"lastUpdated":            now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to annotate device '%s': %w", id, err)
	}
	return nil
}
