package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/models"
)

func subscriberServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/subscribers/u1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subscriber":{"entitlements":{"growth":{"expires_date":"2099-01-01T00:00:00Z"},"pro":{"expires_date":"2020-01-01T00:00:00Z"}}}}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRevenueCatResolve(t *testing.T) {
	var hits atomic.Int32
	srv := subscriberServer(t, &hits)
	client := NewRevenueCatClient(srv.URL+"/", "sk_test", srv.Client())
	resolver := NewEntitlementResolver(client, zaptest.NewLogger(t), func() time.Time { return jan10 })

	tier, active, err := resolver.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, models.TierGrowth, tier, "expired entitlements are ignored")

	_, _, err = resolver.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = NewRevenueCatClient(srv.URL, "", nil).Subscriber(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestResolverWithoutLookup(t *testing.T) {
	tier, active, err := NewEntitlementResolver(nil, zaptest.NewLogger(t), nil).Resolve(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, active)
	assert.Equal(t, models.TierTrial, tier)
}

type memoryCache struct {
	data   map[string]string
	getErr error
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.data[key] = value.(string)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func TestCachedLookup(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := subscriberServer(t, &hits)
	c := &memoryCache{data: map[string]string{}}
	lookup := NewCachedLookup(NewRevenueCatClient(srv.URL, "sk_test", srv.Client()), c, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		sub, err := lookup.Subscriber(ctx, "u1")
		require.NoError(t, err)
		assert.Contains(t, sub.Entitlements, "growth")
	}
	assert.Equal(t, int32(1), hits.Load())

	require.NoError(t, lookup.Invalidate(ctx, "u1"))
	_, err := lookup.Subscriber(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	c.getErr = errors.New("redis down")
	_, err = lookup.Subscriber(ctx, "u1")
	require.NoError(t, err, "cache failures fall through to the provider")
	assert.Equal(t, int32(3), hits.Load())
}
