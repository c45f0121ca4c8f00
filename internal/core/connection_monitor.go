package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// Item webhook codes.
const (
	WebhookPendingExpiration     = "PENDING_EXPIRATION"
	WebhookPendingDisconnect     = "PENDING_DISCONNECT"
	WebhookUserPermissionRevoked = "USER_PERMISSION_REVOKED"
	WebhookError                 = "ERROR"
	WebhookNewAccountsAvailable  = "NEW_ACCOUNTS_AVAILABLE"
	WebhookLoginRepaired         = "LOGIN_REPAIRED"
)

const itemLoginRequired = "ITEM_LOGIN_REQUIRED"

// ConnectionMonitorDeps wires a ConnectionMonitor.
type ConnectionMonitorDeps struct {
	Connections   db.ConnectionRepository
	Cursors       db.CursorRepository
	Notifications NotificationService
	Effects       *EffectDispatcher
	// Interval is both the sweep period and the minimum age of a re-check.
	Interval time.Duration
	// StaleAfter is how long a connection may go without a sync.
	StaleAfter time.Duration
	BatchSize  int
	Logger     *zap.Logger
	Clock      Clock
}

// ConnectionMonitor keeps bank connection records and their alerts current.
type ConnectionMonitor struct {
	connections   db.ConnectionRepository
	cursors       db.CursorRepository
	notifications NotificationService
	effects       *EffectDispatcher
	interval      time.Duration
	staleAfter    time.Duration
	batchSize     int
	logger        *zap.Logger
	clock         Clock
}

// NewConnectionMonitor creates a ConnectionMonitor.
func NewConnectionMonitor(d ConnectionMonitorDeps) *ConnectionMonitor {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Interval <= 0 {
		d.Interval = 6 * time.Hour
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = 48 * time.Hour
	}
	if d.BatchSize <= 0 || d.BatchSize > db.MaxBatchWrites {
		d.BatchSize = 100
	}
	if d.Effects == nil {
		d.Effects = NewEffectDispatcher(d.Logger)
	}
	return &ConnectionMonitor{
		connections:   d.Connections,
		cursors:       d.Cursors,
		notifications: d.Notifications,
		effects:       d.Effects,
		interval:      d.Interval,
		staleAfter:    d.StaleAfter,
		batchSize:     d.BatchSize,
		logger:        d.Logger,
		clock:         d.Clock,
	}
}

// needsRepair reports whether a connection should be flagged for re-authentication.
func (m *ConnectionMonitor) needsRepair(c *models.Connection, now time.Time) bool {
	if c.Status == models.ConnectionStatusError || c.AccessToken == "" || c.Error != nil {
		return true
	}
	lastSync := c.LastSyncAt
	if lastSync == nil {
		lastSync = c.CreatedAt
	}
	return lastSync == nil || now.Sub(*lastSync) > m.staleAfter
}

// RunHealthSweep checks one page of active connections, continuing from the
// previous run's cursor. Items checked within the interval are skipped.
func (m *ConnectionMonitor) RunHealthSweep(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	report := newSweepReport(JobConnectionHealth)
	defer report.finish(started)

	cursor, err := m.cursors.Get(ctx, JobConnectionHealth)
	if err != nil {
		return report, fmt.Errorf("failed to read sweep cursor: %w", err)
	}
	page, err := m.connections.ListForHealthCheck(ctx, cursor, m.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list connections: %w", err)
	}

	now := m.clock()
	for _, conn := range page {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		cursor = conn.ID
		logger := m.logger.With(zap.String("job", JobConnectionHealth), zap.String("itemId", conn.ItemID))
		if conn.UserID == "" {
			logger.Warn("Skipping unreadable connection")
			report.skipped()
			continue
		}
		if conn.LastHealthCheck != nil && now.Sub(*conn.LastHealthCheck) < m.interval {
			report.skipped()
			continue
		}
		if err := m.checkConnection(ctx, logger, conn, now); err != nil {
			logger.Error("Connection health check failed", zap.String("userId", conn.UserID), zap.Error(err))
			report.failed()
			continue
		}
		report.processed()
	}

	if len(page) < m.batchSize {
		cursor = ""
		report.Complete = true
	}
	report.Cursor = cursor
	if err := m.cursors.Set(ctx, JobConnectionHealth, cursor, now); err != nil {
		return report, fmt.Errorf("failed to save sweep cursor: %w", err)
	}
	m.logger.Info("Connection health sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (m *ConnectionMonitor) checkConnection(ctx context.Context, logger *zap.Logger, conn *models.Connection, now time.Time) error {
	if !m.needsRepair(conn, now) {
		return m.connections.Update(ctx, conn.ID, map[string]interface{}{
			"lastHealthCheck": now.UTC(),
		})
	}

	healthErr := &models.ConnectionError{
		ErrorType:       "ITEM_ERROR",
		ErrorCode:       models.HealthCheckErrorCode,
		DisplayMessage:  "This connection has stopped syncing and needs to be re-authenticated.",
		SuggestedAction: "reauthenticate",
	}
	err := m.connections.Update(ctx, conn.ID, map[string]interface{}{
		"status":          string(models.ConnectionStatusError),
		"needsReauth":     true,
		"error":           healthErr.ToMap(),
		"lastHealthCheck": now.UTC(),
		"updatedAt":       now.UTC(),
	})
	if err != nil {
		return err
	}
	conn.Status = models.ConnectionStatusError
	conn.NeedsReauth = true
	conn.Error = healthErr
	logger.Info("Connection flagged for re-authentication", zap.String("userId", conn.UserID))

	var effects Effects
	effects.Add("notify-reauth-required", func(ctx context.Context) error {
		_, err := m.notifications.NotifyConnection(ctx, conn, models.NotifyReauthRequired, true)
		return err
	})
	m.effects.Dispatch(ctx, effects, zap.String("itemId", conn.ItemID), zap.String("userId", conn.UserID))
	return nil
}

// ConnectionWebhookResult reports what an item webhook changed.
type ConnectionWebhookResult struct {
	ItemID    string `json:"itemId"`
	Code      string `json:"code"`
	Handled   bool   `json:"handled"`
	Status    string `json:"status,omitempty"`
	Dismissed int    `json:"dismissed,omitempty"`
}

type webhookTransition struct {
	fields       map[string]interface{}
	notification models.NotificationType
	dedupe       bool
	dismiss      []models.NotificationType
}

func (m *ConnectionMonitor) transition(hook models.ConnectionWebhook, now time.Time) (webhookTransition, bool) {
	stamp := now.UTC()
	switch strings.ToUpper(hook.WebhookCode) {
	case WebhookPendingExpiration:
		return webhookTransition{
			fields:       map[string]interface{}{"status": string(models.ConnectionPendingExpiration), "needsReauth": true, "updatedAt": stamp},
			notification: models.NotifyPendingExpiration,
			dedupe:       true,
		}, true
	case WebhookPendingDisconnect:
		return webhookTransition{
			fields:       map[string]interface{}{"status": string(models.ConnectionPendingDisconnect), "needsReauth": true, "updatedAt": stamp},
			notification: models.NotifyPendingDisconnect,
			dedupe:       true,
		}, true
	case WebhookUserPermissionRevoked:
		return webhookTransition{
			fields:       map[string]interface{}{"status": string(models.ConnectionPermissionRevoked), "active": false, "needsReauth": true, "updatedAt": stamp},
			notification: models.NotifyPermissionRevoked,
			dedupe:       true,
		}, true
	case WebhookError:
		connErr := hook.Error
		if connErr == nil {
			connErr = &models.ConnectionError{ErrorType: "ITEM_ERROR", ErrorCode: "UNKNOWN"}
		}
		t := webhookTransition{
			fields:       map[string]interface{}{"status": string(models.ConnectionStatusError), "error": connErr.ToMap(), "updatedAt": stamp},
			notification: models.NotifyConnectionError,
		}
		if connErr.ErrorCode == itemLoginRequired {
			t.fields["needsReauth"] = true
			t.notification = models.NotifyReauthRequired
			t.dedupe = true
		}
		return t, true
	case WebhookNewAccountsAvailable:
		return webhookTransition{
			fields:       map[string]interface{}{"newAccountsAvailable": true, "updatedAt": stamp},
			notification: models.NotifyNewAccountsAvailable,
			dedupe:       true,
		}, true
	case WebhookLoginRepaired:
		return webhookTransition{
			fields: map[string]interface{}{
				"status":      string(models.ConnectionConnected),
				"active":      true,
				"needsReauth": false,
				"error":       nil,
				"updatedAt":   stamp,
			},
			notification: models.NotifyConnectionRepaired,
			dismiss:      []models.NotificationType{models.NotifyReauthRequired, models.NotifyPendingExpiration},
		}, true
	}
	return webhookTransition{}, false
}

// HandleWebhook applies an item webhook to its connection record. Unknown codes
// are acknowledged and ignored.
func (m *ConnectionMonitor) HandleWebhook(ctx context.Context, hook models.ConnectionWebhook) (*ConnectionWebhookResult, error) {
	if strings.TrimSpace(hook.ItemID) == "" {
		return nil, fmt.Errorf("%w: item_id is required", ErrInvalidArgument)
	}
	result := &ConnectionWebhookResult{ItemID: hook.ItemID, Code: hook.WebhookCode}
	logger := m.logger.With(zap.String("itemId", hook.ItemID), zap.String("webhookCode", hook.WebhookCode))

	t, ok := m.transition(hook, m.clock())
	if !ok {
		logger.Info("Ignoring item webhook")
		return result, nil
	}
	conn, err := m.connections.Get(ctx, hook.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if err := m.connections.Update(ctx, conn.ID, t.fields); err != nil {
		return nil, err
	}
	result.Handled = true
	if s, ok := t.fields["status"].(string); ok {
		result.Status = s
		conn.Status = models.ConnectionStatus(s)
	}
	if hook.Error != nil {
		conn.Error = hook.Error
	}

	// Repairs clear stale alarms before announcing the fix.
	if len(t.dismiss) > 0 {
		n, err := m.notifications.DismissConnectionAlerts(ctx, conn, t.dismiss...)
		if err != nil {
			logger.Warn("Failed to dismiss stale notifications", zap.Error(err))
		}
		result.Dismissed = n
	}

	var effects Effects
	effects.Add("notify-"+string(t.notification), func(ctx context.Context) error {
		_, err := m.notifications.NotifyConnection(ctx, conn, t.notification, t.dedupe)
		return err
	})
	m.effects.Dispatch(ctx, effects, zap.String("itemId", conn.ItemID), zap.String("userId", conn.UserID))

	logger.Info("Item webhook applied", zap.String("userId", conn.UserID), zap.String("status", result.Status))
	return result, nil
}
