package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/middleware"
)

func newTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	logger := zaptest.NewLogger(t)
	r := gin.New()
	SetupRoutes(r, cfg, logger, middleware.NewAuthMiddleware(nil, logger), Services{Jobs: core.Jobs{}})
	return r
}

func send(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutesRejectMissingSecrets(t *testing.T) {
	r := newTestRouter(t, &config.Config{
		RevenueCatWebhookSecret: "rc-secret",
		EventsSharedSecret:      "events-secret",
		SchedulerSecret:         "sched-secret",
	})

	tests := []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{name: "billing without header", path: "/webhooks/billing"},
		{name: "billing with raw secret", path: "/webhooks/billing", headers: map[string]string{"Authorization": "rc-secret"}},
		{name: "billing wrong bearer", path: "/webhooks/billing/renewal", headers: map[string]string{"Authorization": "Bearer nope"}},
		{name: "plaid not configured", path: "/webhooks/plaid", headers: map[string]string{"X-Webhook-Secret": ""}},
		{name: "events wrong secret", path: "/events/billing", headers: map[string]string{"X-Events-Secret": "nope"}},
		{name: "jobs without secret", path: "/jobs/purge"},
		{name: "rpc without verifier", path: "/api/v1/rpc/confirm-payment", headers: map[string]string{"Authorization": "Bearer token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(r, http.MethodPost, tt.path, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), CodeUnauthenticated)
		})
	}
}

func TestJobsRouteDisabledWithoutSchedulerSecret(t *testing.T) {
	r := newTestRouter(t, &config.Config{RevenueCatWebhookSecret: "rc", EventsSharedSecret: "ev"})

	w := send(r, http.MethodPost, "/jobs/purge", map[string]string{"X-Scheduler-Secret": ""})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, &config.Config{})

	w := send(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"UP"}`, w.Body.String())

	w = send(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
