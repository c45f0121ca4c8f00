package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

func activeSubscription(start time.Time, tier models.Tier) map[string]interface{} {
	return map[string]interface{}{
		"currentTier": string(tier),
		"status":      string(models.StatusActive),
		"billing":     map[string]interface{}{"currentPeriodStart": start},
	}
}

func TestNextAnniversary(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		at     time.Time
		want   time.Time
	}{
		{
			name:   "same day next month",
			anchor: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			at:     time.Date(2025, 2, 10, 0, 0, 1, 0, time.UTC),
			want:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "before first anniversary",
			anchor: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			at:     time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "month end clamps",
			anchor: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			at:     time.Date(2025, 2, 28, 0, 0, 1, 0, time.UTC),
			want:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "skipped months catch up",
			anchor: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			at:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextAnniversary(tt.anchor, tt.at))
		})
	}
}

func TestUsageResetFollowsBillingAnniversary(t *testing.T) {
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, time.Date(2025, 2, 9, 23, 59, 59, 0, time.UTC))
	f.set(db.CollSubscriptions, "u1", activeSubscription(start, models.TierGrowth))

	report, err := f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, f.exists(db.CollUsage, "u1_2025-02"))

	f.now = time.Date(2025, 2, 10, 0, 0, 1, 0, time.UTC)
	report, err = f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.True(t, report.Complete)

	usage, err := f.usage.Get(f.ctx, "u1", f.now)
	require.NoError(t, err)
	assert.Zero(t, usage.ReceiptsUploaded)
	assert.Equal(t, 150, usage.Limits.MaxReceipts)

	sub := f.subscription("u1")
	require.NotNil(t, sub.Billing.LastMonthlyReset)
	require.NotNil(t, sub.Billing.NextMonthlyReset)
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), *sub.Billing.LastMonthlyReset)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), *sub.Billing.NextMonthlyReset)

	report, err = f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed, "a second run in the same period does nothing")
}

func TestUsageResetSkipsUnusableRecords(t *testing.T) {
	f := newFixture(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	f.set(db.CollSubscriptions, "a", map[string]interface{}{"currentTier": "growth", "status": "active"})
	f.set(db.CollSubscriptions, "b", map[string]interface{}{"status": "active", "history": "not-a-list"})

	report, err := f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Failed)
}

func TestUsageResetPagesWithCursor(t *testing.T) {
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, time.Date(2025, 2, 11, 0, 0, 0, 0, time.UTC), withBatchSize(2))
	for _, id := range []string{"a", "b", "c"} {
		f.set(db.CollSubscriptions, id, activeSubscription(start, models.TierStarter))
	}

	report, err := f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.False(t, report.Complete)
	assert.Equal(t, "b", report.Cursor)

	report, err = f.reconciler.RunUsageResetSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.True(t, report.Complete)
	assert.Empty(t, report.Cursor)
	assert.True(t, f.exists(db.CollUsage, "c_2025-02"))
}
