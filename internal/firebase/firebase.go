package firebase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/auth"
)

// userLookup is the part of *auth.Client the directory needs.
type userLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*auth.UserRecord, error)
}

// Directory answers identity questions against Firebase Authentication.
type Directory struct {
	client   userLookup
	notFound func(error) bool
}

// NewDirectory wraps an initialized Auth client.
func NewDirectory(client *auth.Client) (*Directory, error) {
	if client == nil {
		return nil, errors.New("firebase auth client is not initialized")
	}
	return &Directory{client: client, notFound: auth.IsUserNotFound}, nil
}

// EmailRegistered reports whether an auth account already uses email.
func (d *Directory) EmailRegistered(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return false, nil
	}
	if _, err := d.client.GetUserByEmail(ctx, email); err != nil {
		if d.notFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up %q: %w", email, err)
	}
	return true, nil
}
