package core

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

type mockAttestor struct {
	mock.Mock
}

func (m *mockAttestor) QueryBits(ctx context.Context, token string) (bool, bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (m *mockAttestor) UpdateBits(ctx context.Context, token string, bit0, bit1 bool) error {
	args := m.Called(ctx, token, bit0, bit1)
	return args.Error(0)
}

type stubDirectory struct {
	registered bool
	err        error
}

func (d stubDirectory) EmailRegistered(context.Context, string) (bool, error) {
	return d.registered, d.err
}

func fallbackToken(deviceID string) string {
	return base64.StdEncoding.EncodeToString([]byte(`{"platform":"android","deviceId":"` + deviceID + `"}`))
}

func newGate(t *testing.T, store *db.MemoryStore, attestor DeviceAttestor, dir AuthDirectory) *DeviceGate {
	return NewDeviceGate(DeviceGateDeps{
		Enabled:         true,
		Devices:         db.NewDeviceRepository(store),
		DeletedAccounts: db.NewDeletedAccountRepository(store),
		Attestor:        attestor,
		Directory:       dir,
		Logger:          zaptest.NewLogger(t),
		Clock:           func() time.Time { return jan10 },
	})
}

func TestDisabledGateTouchesNothing(t *testing.T) {
	store := db.NewMemoryStore()
	attestor := &mockAttestor{}
	gate := NewDeviceGate(DeviceGateDeps{
		Devices:         db.NewDeviceRepository(store),
		DeletedAccounts: db.NewDeletedAccountRepository(store),
		Attestor:        attestor,
		Logger:          zaptest.NewLogger(t),
	})

	decision, err := gate.Evaluate(context.Background(), "", "")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonGateDisabled, decision.Reason)
	assert.Zero(t, store.Calls())
	attestor.AssertNotCalled(t, "QueryBits", mock.Anything, mock.Anything)
}

func TestFallbackDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	gate := newGate(t, store, nil, nil)
	token := fallbackToken("dev-1")

	decision, err := gate.Evaluate(ctx, token, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, ReasonNewDevice, decision.Reason)

	require.NoError(t, gate.CompleteAccountCreation(ctx, token))
	device, err := db.NewDeviceRepository(store).Get(ctx, models.FallbackDeviceKey(token))
	require.NoError(t, err)
	assert.True(t, device.HasCreatedAccount)
	assert.Equal(t, "dev-1", device.DeviceID)

	decision, err = gate.Evaluate(ctx, token, "second@example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonDeviceUsed, decision.Reason)
	assert.NotEmpty(t, decision.Message)
}

func TestFallbackDeviceAllowedAfterDeletingUnpaidAccount(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	gate := newGate(t, store, nil, nil)
	token := fallbackToken("dev-1")
	require.NoError(t, gate.CompleteAccountCreation(ctx, token))

	deleted := db.NewDeletedAccountRepository(store)
	require.NoError(t, deleted.Create(ctx, &models.DeletedAccount{
		UserID:                "u1",
		Email:                 "ada@example.com",
		Status:                models.DeletedSoft,
		Recoverable:           true,
		DeletedAt:             jan10,
		PermanentDeletionDate: jan10.AddDate(0, 0, 30),
		OriginalData: models.OriginalData{
			Subscription: map[string]interface{}{"currentTier": "trial", "status": "active"},
		},
	}))

	decision, err := gate.Evaluate(ctx, token, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonPreviousAccountDeleted, decision.Reason)

	device, err := db.NewDeviceRepository(store).Get(ctx, models.FallbackDeviceKey(token))
	require.NoError(t, err)
	assert.True(t, device.PreviousAccountDeleted)

	require.NoError(t, deleted.Create(ctx, &models.DeletedAccount{
		UserID:                "u2",
		Email:                 "paid@example.com",
		Status:                models.DeletedSoft,
		DeletedAt:             jan10,
		PermanentDeletionDate: jan10.AddDate(0, 0, 30),
		OriginalData: models.OriginalData{
			Subscription: map[string]interface{}{"currentTier": "growth", "status": "active"},
		},
	}))
	decision, err = gate.Evaluate(ctx, token, "paid@example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allow, "deleting a paid account does not release the device")
}

func TestExistingEmailIsBlocked(t *testing.T) {
	gate := newGate(t, db.NewMemoryStore(), nil, stubDirectory{registered: true})
	decision, err := gate.Evaluate(context.Background(), fallbackToken("dev-1"), "ada@example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonAccountExists, decision.Reason)
}

func TestDirectoryFailureFailsOpen(t *testing.T) {
	gate := newGate(t, db.NewMemoryStore(), nil, stubDirectory{err: errors.New("auth down")})
	decision, err := gate.Evaluate(context.Background(), fallbackToken("dev-1"), "ada@example.com")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, ReasonNewDevice, decision.Reason)
}

func TestAttestedDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("used device is blocked", func(t *testing.T) {
		attestor := &mockAttestor{}
		attestor.On("QueryBits", mock.Anything, "native-token").Return(true, false, nil)
		gate := newGate(t, db.NewMemoryStore(), attestor, nil)

		decision, err := gate.Evaluate(ctx, "native-token", "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, ReasonDeviceUsed, decision.Reason)
		attestor.AssertExpectations(t)
	})

	t.Run("unused device is allowed and marked on completion", func(t *testing.T) {
		attestor := &mockAttestor{}
		attestor.On("QueryBits", mock.Anything, "native-token").Return(false, false, nil)
		attestor.On("UpdateBits", mock.Anything, "native-token", true, false).Return(nil)
		gate := newGate(t, db.NewMemoryStore(), attestor, nil)

		decision, err := gate.Evaluate(ctx, "native-token", "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, ReasonNewDevice, decision.Reason)
		require.NoError(t, gate.CompleteAccountCreation(ctx, "native-token"))
		attestor.AssertExpectations(t)
	})

	t.Run("attestation failure fails open", func(t *testing.T) {
		attestor := &mockAttestor{}
		attestor.On("QueryBits", mock.Anything, "native-token").Return(false, false, errors.New("timeout"))
		gate := newGate(t, db.NewMemoryStore(), attestor, nil)

		decision, err := gate.Evaluate(ctx, "native-token", "ada@example.com")
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Equal(t, ReasonDeviceCheckUnavailable, decision.Reason)
	})

	t.Run("no attestor configured", func(t *testing.T) {
		gate := newGate(t, db.NewMemoryStore(), nil, nil)
		decision, err := gate.Evaluate(ctx, "native-token", "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, ReasonDeviceCheckUnavailable, decision.Reason)
	})
}

func TestEnabledGateValidatesInput(t *testing.T) {
	gate := newGate(t, db.NewMemoryStore(), nil, nil)
	_, err := gate.Evaluate(context.Background(), fallbackToken("dev-1"), " ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, gate.CompleteAccountCreation(context.Background(), ""), ErrInvalidArgument)
}
