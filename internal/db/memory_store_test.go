package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "users", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMergeAndUpdatePaths(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Merge(ctx, "subscriptions", "u1", map[string]interface{}{
		"status":  "active",
		"billing": map[string]interface{}{"subscriptionId": "sub_1"},
	}))
	require.NoError(t, store.Merge(ctx, "subscriptions", "u1", map[string]interface{}{
		"billing": map[string]interface{}{"priceId": "price_1"},
	}))
	require.NoError(t, store.Update(ctx, "subscriptions", "u1", map[string]interface{}{
		"trial.isActive": false,
		"count":          3,
	}))

	doc, err := store.Get(ctx, "subscriptions", "u1")
	require.NoError(t, err)
	billing := doc.Data["billing"].(map[string]interface{})
	assert.Equal(t, "sub_1", billing["subscriptionId"])
	assert.Equal(t, "price_1", billing["priceId"])
	assert.Equal(t, false, doc.Data["trial"].(map[string]interface{})["isActive"])
	assert.Equal(t, int64(3), doc.Data["count"])

	err = store.Update(ctx, "subscriptions", "missing", map[string]interface{}{"status": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreQueryFiltersAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Set(ctx, "receipts", id, map[string]interface{}{
			"userId":    "u1",
			"createdAt": base.Add(time.Duration(i) * time.Hour),
			"flag":      i%2 == 0,
		}))
	}

	docs, err := store.Query(ctx, Query{Collection: "receipts", Filters: []Filter{
		Where("userId", OpEqual, "u1"),
		Where("createdAt", OpGreaterEqual, base.Add(time.Hour)),
	}})
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	page, err := store.Query(ctx, Query{Collection: "receipts", StartAfter: "b", OrderByID: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	flagged, err := store.Query(ctx, Query{Collection: "receipts", Filters: []Filter{Where("flag", OpEqual, true)}})
	require.NoError(t, err)
	assert.Len(t, flagged, 2)

	in, err := store.Query(ctx, Query{Collection: "receipts", Filters: []Filter{Where("flag", OpIn, []interface{}{false})}})
	require.NoError(t, err)
	assert.Len(t, in, 2)
}

func TestMemoryBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "users", "u1", map[string]interface{}{"status": "active"}))

	b := store.Batch()
	b.Update("users", "u1", map[string]interface{}{"status": "soft_deleted"})
	b.Update("users", "ghost", map[string]interface{}{"status": "soft_deleted"})
	err := b.Commit(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	doc, err := store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", doc.Data["status"], "failed batch must not apply any write")

	store.CommitErr = errors.New("unavailable")
	b = store.Batch()
	b.Set("users", "u2", map[string]interface{}{"status": "active"})
	assert.Error(t, b.Commit(ctx))
	assert.Equal(t, 1, store.Len("users"))
}

func TestMemoryBatchUpdateAfterSetInSameBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	b := store.Batch()
	b.Set("usage", "u2_2025-01", map[string]interface{}{"receiptsUploaded": 1})
	b.Update("usage", "u2_2025-01", map[string]interface{}{"receiptsUploaded": 2})
	require.NoError(t, b.Commit(ctx))

	doc, err := store.Get(ctx, "usage", "u2_2025-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Data["receiptsUploaded"])
}

func TestMemoryBatchRejectsOversizedBatch(t *testing.T) {
	store := NewMemoryStore()
	b := store.Batch()
	for i := 0; i <= MaxBatchWrites; i++ {
		b.Set("events", store.NewID("events"), map[string]interface{}{"n": i})
	}
	assert.Error(t, b.Commit(context.Background()))
	assert.Zero(t, store.Len("events"))
}

func TestMemoryStoreFailCommitsAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.FailCommitsAfter(1, errors.New("unavailable"))

	b := store.Batch()
	b.Set("receipts", "r1", map[string]interface{}{"userId": "u1"})
	require.NoError(t, b.Commit(ctx))

	require.NoError(t, store.Batch().Commit(ctx), "an empty batch never fails")

	b = store.Batch()
	b.Set("receipts", "r2", map[string]interface{}{"userId": "u1"})
	require.Error(t, b.Commit(ctx))
	assert.Equal(t, 1, store.Len("receipts"))
}

func TestMemoryStoreTransact(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inc := func(current *Document) (map[string]interface{}, error) {
		n := int64(0)
		if current != nil {
			n = current.Data["n"].(int64)
		}
		return map[string]interface{}{"n": n + 1}, nil
	}
	require.NoError(t, store.Transact(ctx, "counters", "c", inc))
	require.NoError(t, store.Transact(ctx, "counters", "c", inc))

	doc, err := store.Get(ctx, "counters", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Data["n"])

	boom := errors.New("boom")
	err = store.Transact(ctx, "counters", "c", func(*Document) (map[string]interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestMemoryStoreCountsCalls(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.Get(ctx, "users", "u1")
	_ = store.Set(ctx, "users", "u1", map[string]interface{}{})
	assert.Equal(t, int64(2), store.Calls())
}
