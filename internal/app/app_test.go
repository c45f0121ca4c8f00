package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/api"
	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/middleware"
)

func memoryConfig() *config.Config {
	return &config.Config{
		GinMode:                 "debug",
		LogLevel:                "debug",
		Datastore:               config.DatastoreMemory,
		RevenueCatWebhookSecret: "rc-secret",
		EventsSharedSecret:      "events-secret",
		SchedulerSecret:         "sched-secret",
		SoftDeleteRetentionDays: 30,
		SweepBatchSize:          100,
	}
}

func do(t *testing.T, r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&config.Config{LogLevel: "warn", GinMode: "release"})
	assert.NoError(t, err)

	_, err = NewLogger(&config.Config{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestMemoryAppServesEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	cfg := memoryConfig()

	application, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, application.Close()) })
	assert.Nil(t, application.Verifier)
	assert.ElementsMatch(t, []string{core.JobConnectionHealth, core.JobPurge, core.JobUsageReset}, application.Services.Jobs.Names())

	router := gin.New()
	api.SetupRoutes(router, cfg, logger, middleware.NewAuthMiddleware(application.Verifier, logger), application.Services)
	events := map[string]string{"X-Events-Secret": "events-secret"}

	w := do(t, router, "/events/auth/user-created", `{"uid":"u1","email":"a@example.com"}`, events)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, "/events/receipts/created", `{"receiptId":"r1","userId":"u1"}`, events)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage core.ReceiptUsageResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.ReceiptsUploaded)
	assert.False(t, usage.Exceeded)

	purchase := `{"id":"evt_1","type":"INITIAL_PURCHASE","data":{"app_user_id":"u1","subscriber":{"entitlements":{"growth":{"expires_date":null}}}}}`
	w = do(t, router, "/webhooks/billing", purchase, map[string]string{"Authorization": "Bearer rc-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	var ack api.WebhookAck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "processed", ack.Outcome)

	doc, err := application.Store.Get(context.Background(), db.CollSubscriptions, "u1")
	require.NoError(t, err)
	assert.Equal(t, "growth", doc.Data["currentTier"])

	w = do(t, router, "/webhooks/billing", purchase, map[string]string{"Authorization": "Bearer rc-secret"})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "duplicate", ack.Outcome)

	w = do(t, router, "/device/check", `{"deviceToken":"tok","email":"b@example.com"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"canCreateAccount":true`)

	w = do(t, router, "/api/v1/rpc/confirm-payment", `{"userId":"u1","subscriptionId":"sub_1"}`, map[string]string{"Authorization": "Bearer anything"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, "/jobs/usage-reset", `{}`, map[string]string{"X-Scheduler-Secret": "sched-secret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report core.SweepReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, core.JobUsageReset, report.Job)
	assert.True(t, report.Complete)
}
