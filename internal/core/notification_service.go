package core

import (
	"context"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// connectionAlertTTL bounds how long an unacted connection alert stays visible.
const connectionAlertTTL = 30 * 24 * time.Hour

type notificationTemplate struct {
	title          string
	message        string
	priority       models.Priority
	actionRequired bool
}

// connectionTemplates holds the copy for every connection notification type.
// Messages take the institution name.
var connectionTemplates = map[models.NotificationType]notificationTemplate{
	models.NotifyReauthRequired: {
		title:          "Bank connection needs attention",
		message:        "Your connection to %s needs to be re-authenticated to keep syncing transactions.",
		priority:       models.PriorityHigh,
		actionRequired: true,
	},
	models.NotifyPendingExpiration: {
		title:          "Bank connection expiring soon",
		message:        "Your access to %s will expire soon. Reconnect to avoid interruptions.",
		priority:       models.PriorityHigh,
		actionRequired: true,
	},
	models.NotifyPendingDisconnect: {
		title:          "Bank connection will disconnect",
		message:        "%s is about to disconnect. Reconnect to keep syncing transactions.",
		priority:       models.PriorityHigh,
		actionRequired: true,
	},
	models.NotifyPermissionRevoked: {
		title:          "Bank access revoked",
		message:        "Access to %s was revoked. Reconnect the account to resume syncing.",
		priority:       models.PriorityHigh,
		actionRequired: true,
	},
	models.NotifyConnectionError: {
		title:          "Bank connection error",
		message:        "We ran into a problem syncing %s.",
		priority:       models.PriorityMedium,
		actionRequired: true,
	},
	models.NotifyNewAccountsAvailable: {
		title:    "New accounts available",
		message:  "New accounts were found at %s. You can add them from your bank settings.",
		priority: models.PriorityLow,
	},
	models.NotifyConnectionRepaired: {
		title:    "Bank connection restored",
		message:  "Your connection to %s is working again.",
		priority: models.PriorityLow,
	},
}

var userTemplates = map[models.NotificationType]notificationTemplate{
	models.NotifyBillingIssue: {
		title:    "Payment issue",
		message:  "We couldn't process your last payment. Please update your payment method to keep your plan.",
		priority: models.PriorityHigh,
	},
	models.NotifyUsageLimitReached: {
		title:    "Monthly receipt limit reached",
		message:  "You've reached your monthly receipt limit. New receipts are saved but excluded until your plan resets or you upgrade.",
		priority: models.PriorityMedium,
	},
	models.NotifyAccountTransferred: {
		title:    "Account transferred",
		message:  "Your subscription and data have been moved to this account.",
		priority: models.PriorityMedium,
	},
}

type notificationService struct {
	repo  db.NotificationRepository
	clock Clock
}

// NewNotificationService creates a NotificationService over repo.
func NewNotificationService(repo db.NotificationRepository, clock Clock) NotificationService {
	if clock == nil {
		clock = SystemClock
	}
	return &notificationService{repo: repo, clock: clock}
}

func (s *notificationService) NotifyConnection(ctx context.Context, conn *models.Connection, t models.NotificationType, dedupe bool) (bool, error) {
	tmpl, ok := connectionTemplates[t]
	if !ok {
		return false, fmt.Errorf("%w: unknown connection notification type %q", ErrInvalidArgument, t)
	}
	if dedupe {
		exists, err := s.repo.HasUndismissed(ctx, conn.UserID, conn.ItemID, t)
		if err != nil {
			return false, fmt.Errorf("failed to check open notifications for item '%s': %w", conn.ItemID, err)
		}
		if exists {
			return false, nil
		}
	}

	now := s.clock()
	institution := conn.InstitutionName
	if institution == "" {
		institution = "your bank"
	}
	n := &models.ConnectionNotification{
		UserID:          conn.UserID,
		ItemID:          conn.ItemID,
		InstitutionName: conn.InstitutionName,
		Type:            t,
		Title:           tmpl.title,
		Message:         fmt.Sprintf(tmpl.message, institution),
		ActionRequired:  tmpl.actionRequired,
		Priority:        tmpl.priority,
		CreatedAt:       now,
	}
	if tmpl.actionRequired {
		n.ExpiresAt = models.TimePtr(now.Add(connectionAlertTTL))
	}
	if t == models.NotifyConnectionError && conn.Error != nil && conn.Error.DisplayMessage != "" {
		n.Message = conn.Error.DisplayMessage
	}
	if _, err := s.repo.CreateConnectionNotification(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}

func (s *notificationService) DismissConnectionAlerts(ctx context.Context, conn *models.Connection, types ...models.NotificationType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	return s.repo.DismissForItem(ctx, conn.UserID, conn.ItemID, types, s.clock())
}

func (s *notificationService) NotifyUser(ctx context.Context, userID string, t models.NotificationType, data map[string]interface{}) error {
	tmpl, ok := userTemplates[t]
	if !ok {
		return fmt.Errorf("%w: unknown user notification type %q", ErrInvalidArgument, t)
	}
	n := &models.UserNotification{
		UserID:    userID,
		Type:      t,
		Title:     tmpl.title,
		Message:   tmpl.message,
		Priority:  tmpl.priority,
		Data:      data,
		CreatedAt: s.clock(),
	}
	_, err := s.repo.CreateUserNotification(ctx, n)
	return err
}
