package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/api"
	"github.com/example/receiptsync/internal/app"
	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/middleware"
	"github.com/example/receiptsync/pkg/messagequeue"
)

func main() {
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load application configuration: %v", err)
	}

	zapLogger, err := app.NewLogger(appConfig)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, appConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer func() {
		if err := application.Close(); err != nil {
			zapLogger.Warn("Error releasing resources", zap.Error(err))
		}
	}()

	if appConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(zapLogger))
	router.Use(middleware.RecoveryMiddleware(zapLogger))
	if appConfig.ClientURL != "" {
		router.Use(middleware.CORSMiddleware(appConfig.ClientURL))
	}

	authMW := middleware.NewAuthMiddleware(application.Verifier, zapLogger)
	api.SetupRoutes(router, appConfig, zapLogger, authMW, application.Services)

	var background sync.WaitGroup
	if appConfig.SchedulerEnabled {
		scheduler := core.NewScheduler(application.Services.Jobs, zapLogger.Named("scheduler"))
		background.Add(1)
		go func() {
			defer background.Done()
			scheduler.Run(ctx)
		}()
	}
	if appConfig.AMQPURL != "" {
		queue, err := messagequeue.NewRabbitMQService(messagequeue.NewRabbitMQServiceConfig{URL: appConfig.AMQPURL}, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to the billing event queue", zap.Error(err))
		}
		defer func() { _ = queue.Close() }()
		handler := api.NewBillingQueueHandler(application.Services.Reconciler, zapLogger.Named("queue"))
		background.Add(1)
		go func() {
			defer background.Done()
			if err := queue.Consume(ctx, appConfig.AMQPBillingQueue, handler); err != nil {
				zapLogger.Error("Billing event consumer stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr), zap.String("ginMode", gin.Mode()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	background.Wait()
	zapLogger.Info("Server exiting gracefully")
}
