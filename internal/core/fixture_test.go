package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// fixture wires every service over one MemoryStore and a pinned clock.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *db.MemoryStore
	now   time.Time

	subs     db.SubscriptionRepository
	usage    db.UsageRepository
	deleted  db.DeletedAccountRepository
	receipts db.ReceiptRepository

	reconciler *Reconciler
	transfers  *TransferEngine
	lifecycle  *Lifecycle
	monitor    *ConnectionMonitor
	limiter    *UsageLimiter
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	lookup    EntitlementLookup
	strict    bool
	restorer  providerRestorer
	batchSize int
}

func withLookup(l EntitlementLookup) fixtureOption {
	return func(c *fixtureConfig) { c.lookup = l }
}

func withStrictTransfers() fixtureOption {
	return func(c *fixtureConfig) { c.strict = true }
}

func withRestorer(r providerRestorer) fixtureOption {
	return func(c *fixtureConfig) { c.restorer = r }
}

func withBatchSize(n int) fixtureOption {
	return func(c *fixtureConfig) { c.batchSize = n }
}

func newFixture(t *testing.T, now time.Time, opts ...fixtureOption) *fixture {
	t.Helper()
	var cfg fixtureConfig
	for _, o := range opts {
		o(&cfg)
	}

	logger := zaptest.NewLogger(t)
	f := &fixture{t: t, ctx: context.Background(), store: db.NewMemoryStore(), now: now.UTC()}
	clock := func() time.Time { return f.now }

	f.subs = db.NewSubscriptionRepository(f.store)
	f.usage = db.NewUsageRepository(f.store)
	f.deleted = db.NewDeletedAccountRepository(f.store)
	f.receipts = db.NewReceiptRepository(f.store)
	users := db.NewUserRepository(f.store)
	cursors := db.NewCursorRepository(f.store)
	audit := NewAuditService(db.NewAuditRepository(f.store), clock)
	notifications := NewNotificationService(db.NewNotificationRepository(f.store), clock)
	effects := NewEffectDispatcher(logger)

	f.transfers = NewTransferEngine(TransferDeps{
		Store:         f.store,
		Audit:         audit,
		Notifications: notifications,
		Effects:       effects,
		Strict:        cfg.strict,
		Logger:        logger,
		Clock:         clock,
	})
	f.reconciler = NewReconciler(ReconcilerDeps{
		Subscriptions: f.subs,
		Usage:         f.usage,
		Receipts:      f.receipts,
		Cursors:       cursors,
		Audit:         audit,
		Notifications: notifications,
		Resolver:      NewEntitlementResolver(cfg.lookup, logger, clock),
		Transfers:     f.transfers,
		Effects:       effects,
		BatchSize:     cfg.batchSize,
		Logger:        logger,
		Clock:         clock,
	})
	var restorer providerRestorer = f.reconciler
	if cfg.restorer != nil {
		restorer = cfg.restorer
	}
	f.lifecycle = NewLifecycle(LifecycleDeps{
		Store:           f.store,
		Users:           NewUserService(users, clock),
		UserRepo:        users,
		DeletedAccounts: f.deleted,
		Invitations:     db.NewInvitationRepository(f.store),
		Usage:           f.usage,
		Recoverer:       f.transfers,
		Restorer:        restorer,
		Effects:         effects,
		BatchSize:       cfg.batchSize,
		Logger:          logger,
		Clock:           clock,
	})
	f.monitor = NewConnectionMonitor(ConnectionMonitorDeps{
		Connections:   db.NewConnectionRepository(f.store),
		Cursors:       cursors,
		Notifications: notifications,
		Effects:       effects,
		BatchSize:     cfg.batchSize,
		Logger:        logger,
		Clock:         clock,
	})
	f.limiter = NewUsageLimiter(UsageLimiterDeps{
		Subscriptions: f.subs,
		Users:         users,
		Usage:         f.usage,
		Receipts:      f.receipts,
		Notifications: notifications,
		Effects:       effects,
		Logger:        logger,
		Clock:         clock,
	})
	return f
}

func (f *fixture) set(collection, id string, data map[string]interface{}) {
	f.t.Helper()
	require.NoError(f.t, f.store.Set(f.ctx, collection, id, data))
}

func (f *fixture) get(collection, id string) map[string]interface{} {
	f.t.Helper()
	doc, err := f.store.Get(f.ctx, collection, id)
	require.NoError(f.t, err)
	return doc.Data
}

func (f *fixture) exists(collection, id string) bool {
	_, err := f.store.Get(f.ctx, collection, id)
	return err == nil
}

func (f *fixture) subscription(userID string) *models.Subscription {
	f.t.Helper()
	sub, err := f.subs.Get(f.ctx, userID)
	require.NoError(f.t, err)
	return sub
}

// billingEvent builds an event whose subscriber holds the given entitlement
// ids, all without expiry.
func billingEvent(id string, typ models.BillingEventType, userID string, entitlements ...string) models.BillingEvent {
	ents := map[string]models.Entitlement{}
	for _, e := range entitlements {
		ents[e] = models.Entitlement{}
	}
	return models.BillingEvent{
		ID:   id,
		Type: typ,
		Data: models.BillingEventData{
			AppUserID:  userID,
			Subscriber: models.Subscriber{Entitlements: ents},
		},
	}
}

// countType counts documents in collection whose type field equals t.
func (f *fixture) countType(collection string, t models.NotificationType) int {
	f.t.Helper()
	docs, err := f.store.Query(f.ctx, db.Query{
		Collection: collection,
		Filters:    []db.Filter{db.Where("type", db.OpEqual, string(t))},
	})
	require.NoError(f.t, err)
	return len(docs)
}
