package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/middleware"
)

// Services are the domain services behind the routes.
type Services struct {
	Reconciler  *core.Reconciler
	Connections *core.ConnectionMonitor
	Lifecycle   *core.Lifecycle
	DeviceGate  *core.DeviceGate
	Usage       *core.UsageLimiter
	Jobs        core.Jobs
}

// SetupRoutes registers every endpoint. Global middleware (logging, recovery,
// CORS) is applied by the caller.
func SetupRoutes(router *gin.Engine, cfg *config.Config, logger *zap.Logger, authMW *middleware.AuthMiddleware, svc Services) {
	webhooks := NewWebhookHandler(svc.Reconciler, svc.Connections, logger)
	rpc := NewRPCHandler(svc.Reconciler, svc.Lifecycle, logger)
	devices := NewDeviceHandler(svc.DeviceGate, logger)
	events := NewEventsHandler(svc.Reconciler, svc.Lifecycle, svc.Usage, logger)

	billingHooks := router.Group("/webhooks/billing", middleware.SharedSecret("Authorization", cfg.RevenueCatWebhookSecret, logger))
	{
		billingHooks.POST("", webhooks.HandleBillingWebhook)
		billingHooks.POST("/:eventType", webhooks.HandleBillingWebhook)
	}
	router.POST("/webhooks/plaid",
		middleware.SharedSecret("X-Webhook-Secret", cfg.PlaidWebhookSecret, logger),
		webhooks.HandleConnectionWebhook,
	)

	rpcGroup := router.Group("/api/v1/rpc", authMW.VerifyToken())
	{
		rpcGroup.POST("/confirm-payment", rpc.ConfirmPayment)
		rpcGroup.POST("/mark-account-recovered", rpc.MarkAccountRecovered)
	}

	deviceGroup := router.Group("/device")
	{
		deviceGroup.POST("/check", devices.Check)
		deviceGroup.POST("/complete", devices.Complete)
	}

	eventsGroup := router.Group("/events", middleware.SharedSecret("X-Events-Secret", cfg.EventsSharedSecret, logger))
	{
		eventsGroup.POST("/auth/user-created", events.UserCreated)
		eventsGroup.POST("/auth/user-deleted", events.UserDeleted)
		eventsGroup.POST("/receipts/created", events.ReceiptCreated)
		eventsGroup.POST("/billing", events.BillingEvent)
	}

	if cfg.SchedulerSecret != "" && svc.Jobs != nil {
		jobs := NewJobsHandler(svc.Jobs, logger)
		router.POST("/jobs/:name", middleware.SharedSecret("X-Scheduler-Secret", cfg.SchedulerSecret, logger), jobs.Run)
	} else {
		logger.Warn("Job trigger endpoint disabled: SCHEDULER_SECRET is not configured")
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("Routes configured")
}
