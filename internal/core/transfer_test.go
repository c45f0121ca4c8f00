package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

func seedTransferSource(f *fixture) {
	f.t.Helper()
	_, err := f.reconciler.HandleWebhook(f.ctx, billingEvent("evt_1", models.EventPurchase, "old", "growth"))
	require.NoError(f.t, err)
	f.set(db.CollReceipts, "r1", map[string]interface{}{"userId": "old", "status": "active"})
	f.set(db.CollBusinesses, "b1", map[string]interface{}{"userId": "old", "name": "Acme"})
}

func transferRequest() TransferRequest {
	return TransferRequest{FromUserID: "old", ToUserID: "new", EventID: "evt_2", Trigger: "billing_transfer"}
}

func TestTransferMovesEveryCollection(t *testing.T) {
	f := newFixture(t, jan10)
	seedTransferSource(f)

	res, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 2, res.Collections[db.CollSubscriptions])
	assert.Equal(t, 1, res.Collections[db.CollBusinesses])

	sub := f.subscription("new")
	assert.Equal(t, models.TierGrowth, sub.CurrentTier)
	require.Len(t, sub.History, 2)
	assert.Equal(t, models.ReasonAccountTransfer, sub.History[1].Reason)
	assert.Equal(t, "new", f.get(db.CollSubscriptions, "old")["transferredTo"])

	assert.True(t, f.exists(db.CollUsage, "new_2025-01"))
	assert.Equal(t, "new", f.get(db.CollBusinesses, "b1")["userId"])
	assert.Equal(t, string(models.StatusTransferred), f.get(db.CollReceipts, "r1")["status"])
	copies, err := db.UserDocuments(f.ctx, f.store, db.UserCollection{Name: db.CollReceipts, Key: db.KeyField, OwnerFields: []string{"userId"}}, "new")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, "r1", copies[0].Data["originalId"])
}

func TestTransferRedeliveryWritesNothing(t *testing.T) {
	f := newFixture(t, jan10)
	seedTransferSource(f)

	_, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.NoError(t, err)
	receipts := f.store.Len(db.CollReceipts)

	res, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.NoError(t, err)
	assert.Zero(t, res.Writes)
	assert.Equal(t, receipts, f.store.Len(db.CollReceipts))
}

func TestTransferCommitFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, jan10)
	seedTransferSource(f)
	f.store.CommitErr = errors.New("unavailable")

	_, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.Error(t, err)

	assert.False(t, f.exists(db.CollSubscriptions, "new"))
	assert.False(t, f.exists(db.CollUsage, "new_2025-01"))
	assert.Equal(t, "active", f.get(db.CollSubscriptions, "old")["status"])
	assert.Equal(t, "old", f.get(db.CollBusinesses, "b1")["userId"])
	assert.Equal(t, 1, f.store.Len(db.CollReceipts))
}

func TestTransferStageFailure(t *testing.T) {
	t.Run("strict aborts", func(t *testing.T) {
		f := newFixture(t, jan10, withStrictTransfers())
		seedTransferSource(f)
		f.store.QueryErr[db.CollReceipts] = errors.New("index missing")

		res, err := f.transfers.Transfer(f.ctx, transferRequest())
		assert.ErrorIs(t, err, ErrTransferAborted)
		require.NotNil(t, res)
		assert.Len(t, res.Warnings, 1)
		assert.False(t, f.exists(db.CollSubscriptions, "new"))
	})

	t.Run("lenient commits the rest", func(t *testing.T) {
		f := newFixture(t, jan10)
		seedTransferSource(f)
		f.store.QueryErr[db.CollReceipts] = errors.New("index missing")

		res, err := f.transfers.Transfer(f.ctx, transferRequest())
		require.NoError(t, err)
		assert.Len(t, res.Warnings, 1)
		assert.True(t, f.exists(db.CollSubscriptions, "new"))
	})
}

func seedReceipts(f *fixture, userID string, n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		f.set(db.CollReceipts, fmt.Sprintf("r%03d", i), map[string]interface{}{"userId": userID, "status": "active"})
	}
}

func TestTransferSpansSeveralBatches(t *testing.T) {
	f := newFixture(t, jan10)
	seedReceipts(f, "old", 600)

	res, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.NoError(t, err)
	assert.Equal(t, 1200, res.Writes)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1200, f.store.Len(db.CollReceipts))
	assert.Equal(t, string(models.StatusTransferred), f.get(db.CollReceipts, "r599")["status"])
}

func TestTransferResumesAfterPartialCommit(t *testing.T) {
	f := newFixture(t, jan10)
	seedReceipts(f, "old", 600)
	f.store.FailCommitsAfter(1, errors.New("deadline exceeded"))

	res, err := f.transfers.Transfer(f.ctx, transferRequest())
	require.Error(t, err)
	assert.Equal(t, db.MaxBatchWrites, res.Writes)
	assert.Equal(t, 600+db.MaxBatchWrites/2, f.store.Len(db.CollReceipts))

	f.store.CommitErr = nil
	res, err = f.transfers.Transfer(f.ctx, transferRequest())
	require.NoError(t, err)
	assert.Equal(t, 2*(600-db.MaxBatchWrites/2), res.Writes)

	// Every source receipt was copied exactly once.
	assert.Equal(t, 1200, f.store.Len(db.CollReceipts))
	copies, err := db.UserDocuments(f.ctx, f.store, db.UserCollection{Name: db.CollReceipts, Key: db.KeyField, OwnerFields: []string{"userId"}}, "new")
	require.NoError(t, err)
	assert.Len(t, copies, 600)
}

func TestTransferRejectsSameUser(t *testing.T) {
	f := newFixture(t, jan10)
	_, err := f.transfers.Transfer(f.ctx, TransferRequest{FromUserID: "u1", ToUserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.transfers.Transfer(f.ctx, TransferRequest{ToUserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
