// Package app builds the service graph shared by the server and the jobs CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/api"
	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/firebase"
	"github.com/example/receiptsync/internal/middleware"
	"github.com/example/receiptsync/internal/models"
	"github.com/example/receiptsync/pkg/cache"
)

// App holds the initialized services and the resources to release on exit.
type App struct {
	Config   *config.Config
	Store    db.Store
	Services api.Services
	Verifier middleware.TokenVerifier

	closers []func() error
}

// Close releases every resource opened by New, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: production encoding in release mode,
// development encoding otherwise.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.GinMode == "release" {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// New connects the datastore and optional backends and wires every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, logger *zap.Logger) error {
	cfg := a.Config

	var directory core.AuthDirectory
	switch cfg.Datastore {
	case config.DatastoreMemory:
		logger.Warn("Using the in-memory datastore; data is lost on exit and ID tokens cannot be verified")
		a.Store = db.NewMemoryStore()
	default:
		initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		clients, err := db.InitFirebase(initCtx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Firebase: %w", err)
		}
		a.closers = append(a.closers, clients.Close)
		a.Store = db.NewFirestoreStore(clients.Firestore)
		a.Verifier = clients.Auth
		dir, err := firebase.NewDirectory(clients.Auth)
		if err != nil {
			return err
		}
		directory = dir
	}

	catalog, err := models.LoadCatalog(cfg.TierCatalogFile)
	if err != nil {
		return err
	}

	lookup, entitlementCache, err := a.entitlementLookup(ctx, logger)
	if err != nil {
		return err
	}

	var attestor core.DeviceAttestor
	if cfg.DeviceGateEnabled && cfg.DeviceCheckKeyID != "" {
		client, err := core.NewDeviceCheckClient(core.DeviceCheckConfig{
			TeamID:           cfg.DeviceCheckTeamID,
			KeyID:            cfg.DeviceCheckKeyID,
			PrivateKeyBase64: cfg.DeviceCheckPrivateKeyBase64,
			Development:      cfg.DeviceCheckDevelopment,
		}, nil, nil)
		if err != nil {
			return err
		}
		attestor = client
	}

	store := a.Store
	subs := db.NewSubscriptionRepository(store)
	usage := db.NewUsageRepository(store)
	userRepo := db.NewUserRepository(store)
	deleted := db.NewDeletedAccountRepository(store)
	cursors := db.NewCursorRepository(store)
	receipts := db.NewReceiptRepository(store)

	audit := core.NewAuditService(db.NewAuditRepository(store), nil)
	notifications := core.NewNotificationService(db.NewNotificationRepository(store), nil)
	effects := core.NewEffectDispatcher(logger)

	transfers := core.NewTransferEngine(core.TransferDeps{
		Store:         store,
		Audit:         audit,
		Notifications: notifications,
		Effects:       effects,
		Strict:        cfg.TransferStrict,
		Logger:        logger.Named("transfer"),
	})
	reconciler := core.NewReconciler(core.ReconcilerDeps{
		Subscriptions: subs,
		Usage:         usage,
		Receipts:      receipts,
		Cursors:       cursors,
		Audit:         audit,
		Notifications: notifications,
		Resolver:      core.NewEntitlementResolver(lookup, logger.Named("entitlements"), nil),
		Cache:         entitlementCache,
		Transfers:     transfers,
		Catalog:       catalog,
		Effects:       effects,
		BatchSize:     cfg.SweepBatchSize,
		Logger:        logger.Named("reconciler"),
	})
	lifecycle := core.NewLifecycle(core.LifecycleDeps{
		Store:           store,
		Users:           core.NewUserService(userRepo, nil),
		UserRepo:        userRepo,
		DeletedAccounts: deleted,
		Invitations:     db.NewInvitationRepository(store),
		Usage:           usage,
		Recoverer:       transfers,
		Restorer:        reconciler,
		Audit:           audit,
		Catalog:         catalog,
		Effects:         effects,
		Retention:       cfg.Retention(),
		BatchSize:       cfg.SweepBatchSize,
		Logger:          logger.Named("lifecycle"),
	})
	monitor := core.NewConnectionMonitor(core.ConnectionMonitorDeps{
		Connections:   db.NewConnectionRepository(store),
		Cursors:       cursors,
		Notifications: notifications,
		Effects:       effects,
		Interval:      cfg.HealthCheckInterval,
		StaleAfter:    cfg.StaleSyncThreshold,
		BatchSize:     cfg.SweepBatchSize,
		Logger:        logger.Named("connections"),
	})

	a.Services = api.Services{
		Reconciler:  reconciler,
		Connections: monitor,
		Lifecycle:   lifecycle,
		DeviceGate: core.NewDeviceGate(core.DeviceGateDeps{
			Enabled:         cfg.DeviceGateEnabled,
			Devices:         db.NewDeviceRepository(store),
			DeletedAccounts: deleted,
			Attestor:        attestor,
			Directory:       directory,
			Logger:          logger.Named("device_gate"),
		}),
		Usage: core.NewUsageLimiter(core.UsageLimiterDeps{
			Subscriptions: subs,
			Users:         userRepo,
			Usage:         usage,
			Receipts:      receipts,
			Notifications: notifications,
			Catalog:       catalog,
			Effects:       effects,
			Logger:        logger.Named("usage"),
		}),
		Jobs: core.NewJobs(reconciler, monitor, lifecycle, cfg.HealthCheckInterval),
	}
	return nil
}

// entitlementLookup returns the provider client, wrapped in the Redis cache
// when one is configured. Without an API key the resolver has no lookup and
// callers degrade to trial.
func (a *App) entitlementLookup(ctx context.Context, logger *zap.Logger) (core.EntitlementLookup, core.EntitlementCache, error) {
	cfg := a.Config
	if cfg.RevenueCatAPIKey == "" {
		logger.Warn("REVENUECAT_API_KEY is not set; entitlement lookups are disabled")
		return nil, nil, nil
	}
	var lookup core.EntitlementLookup = core.NewRevenueCatClient(cfg.RevenueCatAPIBaseURL, cfg.RevenueCatAPIKey, &http.Client{Timeout: 10 * time.Second})
	if cfg.RedisAddr == "" {
		return lookup, nil, nil
	}
	redisCache, err := cache.NewRedisCache(ctx, cache.NewRedisCacheConfig{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "receiptsync:",
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, redisCache.Close)
	cached := core.NewCachedLookup(lookup, redisCache, cfg.EntitlementCacheTTL, logger.Named("entitlement_cache"))
	logger.Info("Entitlement cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.EntitlementCacheTTL))
	return cached, cached, nil
}
