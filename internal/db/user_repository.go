package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

// storeUserRepository implements the UserRepository interface on a Store.
type storeUserRepository struct {
	store Store
}

// NewUserRepository creates a UserRepository backed by store.
func NewUserRepository(store Store) UserRepository {
	return &storeUserRepository{store: store}
}

// Get retrieves a profile by user id.
func (r *storeUserRepository) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty for Get operation")
	}
	doc, err := r.store.Get(ctx, CollUsers, userID)
	if err != nil {
		return nil, err
	}
	var profile models.UserProfile
	if err := models.Decode(doc.Data, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode user data for ID '%s': %w", userID, err)
	}
	profile.UserID = doc.ID
	return &profile, nil
}

// Create writes a new profile. The user id is the document id.
func (r *storeUserRepository) Create(ctx context.Context, profile *models.UserProfile) error {
	if profile.UserID == "" {
		return errors.New("user ID cannot be empty for Create operation")
	}
	if err := r.store.Set(ctx, CollUsers, profile.UserID, profile.ToMap()); err != nil {
		return fmt.Errorf("failed to create user with ID '%s': %w", profile.UserID, err)
	}
	return nil
}

// LinkTeammate marks the profile as a member of accountHolderID's team.
func (r *storeUserRepository) LinkTeammate(ctx context.Context, userID, accountHolderID string, now time.Time) error {
	err := r.store.Update(ctx, CollUsers, userID, map[string]interface{}{
		"role":            models.RoleTeammate,
		"accountHolderId": accountHolderID,
		"updatedAt":       now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to link teammate '%s': %w", userID, err)
	}
	return nil
}
