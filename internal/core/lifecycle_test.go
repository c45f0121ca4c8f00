package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

type countingRestorer struct {
	calls int
}

func (r *countingRestorer) RestoreFromProvider(context.Context, string) (bool, error) {
	r.calls++
	return false, nil
}

func TestSoftDeleteThenRecoverRestoresData(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "Ada@Example.com", DisplayName: "Ada Lovelace"}

	created, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, created.ProfileCreated)
	_, err = f.reconciler.HandleWebhook(f.ctx, billingEvent("evt_1", models.EventPurchase, "u1", "growth"))
	require.NoError(t, err)
	f.set(db.CollReceipts, "r1", map[string]interface{}{"userId": "u1", "status": "active"})

	deleted, err := f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)
	assert.Equal(t, jan10.Add(DefaultRetention), deleted.PermanentDeletionDate)
	assert.Equal(t, 1, deleted.Collections[db.CollReceipts])
	assert.Equal(t, "soft_deleted", f.get(db.CollReceipts, "r1")["status"])
	assert.Equal(t, "active", f.get(db.CollReceipts, "r1")["statusBeforeDeletion"])
	assert.Equal(t, "soft_deleted", f.get(db.CollSubscriptions, "u1")["status"])

	f.now = jan10.Add(10 * 24 * time.Hour)
	res, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "u2", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, "u1", res.RecoveredFrom)

	assert.False(t, f.exists(db.CollUsers, "u1"))
	assert.False(t, f.exists(db.CollSubscriptions, "u1"))
	assert.Equal(t, "Ada Lovelace", f.get(db.CollUsers, "u2")["displayName"])
	sub := f.subscription("u2")
	assert.Equal(t, models.TierGrowth, sub.CurrentTier)
	assert.Equal(t, models.StatusActive, sub.Status)

	receipt := f.get(db.CollReceipts, "r1")
	assert.Equal(t, "u2", receipt["userId"])
	assert.Equal(t, "active", receipt["status"])
	assert.True(t, f.exists(db.CollUsage, "u2_2025-01"))
	assert.False(t, f.exists(db.CollUsage, "u1_2025-01"))

	acct, err := f.deleted.Get(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DeletedRecovered, acct.Status)
	assert.Equal(t, "u2", acct.RecoveredBy)
}

func TestRecoverLargeAccount(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "ada@example.com"}
	_, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)
	seedReceipts(f, "u1", 600)

	deleted, err := f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 600, deleted.Collections[db.CollReceipts])

	res, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "u2", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Recovered)

	restored, err := db.UserDocuments(f.ctx, f.store, db.UserCollection{Name: db.CollReceipts, Key: db.KeyField, OwnerFields: []string{"userId"}}, "u2")
	require.NoError(t, err)
	assert.Len(t, restored, 600)
	for _, id := range []string{"r000", "r499", "r500", "r599"} {
		assert.Equal(t, "active", f.get(db.CollReceipts, id)["status"], id)
	}
}

func TestRecoveryWindowEnds(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "ada@example.com"}
	_, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)
	_, err = f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)

	f.now = jan10.Add(31 * 24 * time.Hour)
	res, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "u2", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.False(t, res.Recovered)
	assert.True(t, res.ProfileCreated)
	assert.True(t, f.exists(db.CollUsers, "u1"), "an expired account is left for the purge sweep")
}

func TestOnUserDeleteRerunKeepsOriginalDates(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "ada@example.com"}
	_, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)

	first, err := f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)
	f.now = jan10.Add(time.Hour)
	second, err := f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)
	assert.Equal(t, first.PermanentDeletionDate, second.PermanentDeletionDate)
	assert.Empty(t, second.Collections)

	acct, err := f.deleted.Get(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", acct.OriginalData.User["status"])
}

func TestTeammateGetsNoSubscription(t *testing.T) {
	restorer := &countingRestorer{}
	f := newFixture(t, jan10, withRestorer(restorer))
	f.set(db.CollTeamInvitations, "inv1", map[string]interface{}{
		"accountHolderId": "owner",
		"inviteeEmail":    "mate@example.com",
		"status":          models.InvitationPending,
	})

	res, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "t1", Email: "Mate@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Teammate)
	assert.Equal(t, "owner", res.AccountHolderID)
	assert.Zero(t, restorer.calls)
	assert.Zero(t, f.store.Len(db.CollSubscriptions))

	usage, err := f.usage.Get(f.ctx, "t1", jan10)
	require.NoError(t, err)
	assert.Equal(t, models.Unlimited, usage.Limits.MaxReceipts)
	assert.Equal(t, models.RoleTeammate, f.get(db.CollUsers, "t1")["role"])
	assert.Equal(t, "t1", f.get(db.CollTeamInvitations, "inv1")["linkedUserId"])
}

func TestAccountHolderCreationTriesProviderRestore(t *testing.T) {
	restorer := &countingRestorer{}
	f := newFixture(t, jan10, withRestorer(restorer))

	res, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "u1", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, restorer.calls)
	assert.False(t, res.Restored)
	assert.Zero(t, f.store.Len(db.CollSubscriptions))
	assert.Zero(t, f.store.Len(db.CollUsage))

	res, err = f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{UID: "u1", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.False(t, res.ProfileCreated, "a redelivered trigger keeps the existing profile")
}

func TestOnUserCreateRequiresUID(t *testing.T) {
	f := newFixture(t, jan10)
	_, err := f.lifecycle.OnUserCreate(f.ctx, models.AuthUser{Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.lifecycle.OnUserDelete(f.ctx, models.AuthUser{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPurgeSweepDeletesExpiredAccounts(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "ada@example.com"}
	_, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)
	f.set(db.CollReceipts, "r1", map[string]interface{}{"userId": "u1"})
	f.set(db.CollReceipts, "r2", map[string]interface{}{"userId": "someone-else"})
	_, err = f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)

	report, err := f.lifecycle.RunPurgeSweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed, "nothing is due inside the window")

	f.now = jan10.Add(DefaultRetention)
	report, err = f.lifecycle.RunPurgeSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.True(t, report.Complete)

	assert.False(t, f.exists(db.CollUsers, "u1"))
	assert.False(t, f.exists(db.CollReceipts, "r1"))
	assert.True(t, f.exists(db.CollReceipts, "r2"))
	acct, err := f.deleted.Get(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DeletedPurged, acct.Status)
	assert.Empty(t, acct.OriginalData.User)
}

func TestMarkAccountRecovered(t *testing.T) {
	f := newFixture(t, jan10)
	user := models.AuthUser{UID: "u1", Email: "ada@example.com"}
	_, err := f.lifecycle.OnUserCreate(f.ctx, user)
	require.NoError(t, err)
	_, err = f.lifecycle.OnUserDelete(f.ctx, user)
	require.NoError(t, err)
	req := MarkRecoveredRequest{Email: "ada@example.com", NewUserID: "u9"}

	_, err = f.lifecycle.MarkAccountRecovered(f.ctx, Caller{}, req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.lifecycle.MarkAccountRecovered(f.ctx, Caller{UID: "x"}, req)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	admin := Caller{UID: "admin", Admin: true}
	_, err = f.lifecycle.MarkAccountRecovered(f.ctx, admin, MarkRecoveredRequest{Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.lifecycle.MarkAccountRecovered(f.ctx, admin, MarkRecoveredRequest{Email: "nobody@example.com", NewUserID: "u9"})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	res, err := f.lifecycle.MarkAccountRecovered(f.ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.DeletedUserID)
	assert.Equal(t, "u9", res.RecoveredUserID)

	_, err = f.lifecycle.MarkAccountRecovered(f.ctx, admin, req)
	assert.ErrorIs(t, err, ErrAccountNotFound, "a recovered account is no longer soft-deleted")
}
