package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeAuditRepository struct {
	store Store
}

// NewAuditRepository creates an AuditRepository over the events collection.
func NewAuditRepository(store Store) AuditRepository {
	return &storeAuditRepository{store: store}
}

// Create appends an audit event. Events with an id are written under it, so a
// redelivered billing event overwrites its own entry instead of duplicating it.
func (r *storeAuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		id, err := r.store.Add(ctx, CollEvents, event.ToMap())
		if err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}
		event.ID = id
		return nil
	}
	if err := r.store.Set(ctx, CollEvents, event.ID, event.ToMap()); err != nil {
		return fmt.Errorf("failed to create audit event '%s': %w", event.ID, err)
	}
	return nil
}

type storeCursorRepository struct {
	store Store
}

// NewCursorRepository creates a CursorRepository over sweepCursors.
func NewCursorRepository(store Store) CursorRepository {
	return &storeCursorRepository{store: store}
}

// Get returns the saved cursor for job, or "" when the job starts from the top.
func (r *storeCursorRepository) Get(ctx context.Context, job string) (string, error) {
	doc, err := r.store.Get(ctx, CollSweepCursors, job)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	cursor, _ := doc.Data["cursor"].(string)
	return cursor, nil
}

func (r *storeCursorRepository) Set(ctx context.Context, job, cursor string, now time.Time) error {
	err := r.store.Set(ctx, CollSweepCursors, job, map[string]interface{}{
		"cursor":    cursor,
		"updatedAt": now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor for '%s': %w", job, err)
	}
	return nil
}
