package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// ErrUserNotFound is returned when a user profile is not found.
var ErrUserNotFound = errors.New("user not found")

// userService implements the UserService interface.
type userService struct {
	userRepo db.UserRepository
	clock    Clock
}

// NewUserService creates a new UserService instance.
func NewUserService(userRepo db.UserRepository, clock Clock) UserService {
	if clock == nil {
		clock = SystemClock
	}
	return &userService{userRepo: userRepo, clock: clock}
}

// GetOrCreate retrieves a profile by user id, creating a default one when it
// does not exist. Redelivered creation triggers therefore leave an existing
// profile untouched.
func (s *userService) GetOrCreate(ctx context.Context, user models.AuthUser) (*models.UserProfile, bool, error) {
	profile, err := s.userRepo.Get(ctx, user.UID)
	if err == nil {
		return profile, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to get user by ID '%s' from repository: %w", user.UID, err)
	}

	profile = models.NewUserProfile(user.UID, user.Email, user.DisplayName, user.PhotoURL, s.clock())
	if err := s.userRepo.Create(ctx, profile); err != nil {
		return nil, false, fmt.Errorf("failed to create user (id: %s) after not found: %w", user.UID, err)
	}
	return profile, true, nil
}

// GetByID retrieves a profile by user id.
func (s *userService) GetByID(ctx context.Context, userID string) (*models.UserProfile, error) {
	profile, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: user with ID '%s'", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get user by ID '%s' from repository: %w", userID, err)
	}
	return profile, nil
}
