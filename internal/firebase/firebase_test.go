package firebase

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUserNotFound = errors.New("no user record")

type fakeUsers map[string]error

func (f fakeUsers) GetUserByEmail(_ context.Context, email string) (*auth.UserRecord, error) {
	if err, ok := f[email]; ok {
		return nil, err
	}
	return &auth.UserRecord{UserInfo: &auth.UserInfo{UID: "u1", Email: email}}, nil
}

func newTestDirectory(users fakeUsers) *Directory {
	return &Directory{client: users, notFound: func(err error) bool { return errors.Is(err, errUserNotFound) }}
}

func TestEmailRegistered(t *testing.T) {
	dir := newTestDirectory(fakeUsers{
		"new@example.com":   errUserNotFound,
		"flaky@example.com": errors.New("deadline exceeded"),
	})
	ctx := context.Background()

	exists, err := dir.EmailRegistered(ctx, " taken@example.com ")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = dir.EmailRegistered(ctx, "new@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = dir.EmailRegistered(ctx, "  ")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = dir.EmailRegistered(ctx, "flaky@example.com")
	assert.ErrorContains(t, err, "deadline exceeded")
}

func TestNewDirectoryRequiresClient(t *testing.T) {
	_, err := NewDirectory(nil)
	assert.Error(t, err)
}
