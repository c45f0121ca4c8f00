package db

import (
	"context"
	"time"

	"github.com/example/receiptsync/internal/models"
)

// UserRepository defines storage operations on user profiles.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
	Create(ctx context.Context, profile *models.UserProfile) error
	LinkTeammate(ctx context.Context, userID, accountHolderID string, now time.Time) error
}

// ActiveSubscription is one page entry of the active-subscription scan.
// DecodeErr is set when the stored document could not be read as a Subscription.
type ActiveSubscription struct {
	UserID       string
	Subscription *models.Subscription
	DecodeErr    error
}

// SubscriptionRepository defines storage operations on subscription records.
type SubscriptionRepository interface {
	Get(ctx context.Context, userID string) (*models.Subscription, error)
	// ApplyTierUpdate folds u into the record inside a transaction and returns
	// the record as stored. It reports false when the event id was already applied.
	ApplyTierUpdate(ctx context.Context, userID string, u models.TierUpdate, now time.Time) (*models.Subscription, bool, error)
	// ApplyBillingUpdate merges billing fields, creating a billing-only record if needed.
	ApplyBillingUpdate(ctx context.Context, userID string, u models.BillingUpdate, now time.Time) error
	EndTrial(ctx context.Context, userID, reason string, now time.Time) error
	AdvanceMonthlyReset(ctx context.Context, userID string, last, next time.Time) error
	ListActive(ctx context.Context, startAfter string, limit int) ([]ActiveSubscription, error)
}

// UsageRepository defines storage operations on monthly usage records.
type UsageRepository interface {
	Get(ctx context.Context, userID string, month time.Time) (*models.Usage, error)
	Put(ctx context.Context, usage *models.Usage) error
	MergeLimits(ctx context.Context, userID string, now time.Time, limits models.Limits) error
	// IncrementReceipts counts receiptID once against the month of now, creating
	// the record with limitsIfNew when absent. A receipt already counted is not
	// counted again and keeps its original position.
	IncrementReceipts(ctx context.Context, userID, receiptID string, now time.Time, limitsIfNew models.Limits) (models.ReceiptCount, error)
}

// DeletedAccountRepository defines storage operations on deleted-account records.
type DeletedAccountRepository interface {
	Get(ctx context.Context, userID string) (*models.DeletedAccount, error)
	Create(ctx context.Context, account *models.DeletedAccount) error
	FindRecoverable(ctx context.Context, email string, now time.Time) (*models.DeletedAccount, error)
	FindSoftDeleted(ctx context.Context, email string) (*models.DeletedAccount, error)
	ListDueForPurge(ctx context.Context, now time.Time, limit int) ([]*models.DeletedAccount, error)
	MarkRecovered(ctx context.Context, userID, newUserID string, now time.Time) error
	MarkPurged(ctx context.Context, userID string, now time.Time) error
}

// InvitationRepository defines storage operations on team invitations.
type InvitationRepository interface {
	FindOpenByEmail(ctx context.Context, email string) (*models.TeamInvitation, error)
	Link(ctx context.Context, invitationID, userID string, now time.Time) error
}

// ConnectionRepository defines storage operations on bank connection records.
type ConnectionRepository interface {
	Get(ctx context.Context, itemID string) (*models.Connection, error)
	ListForHealthCheck(ctx context.Context, startAfter string, limit int) ([]*models.Connection, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
}

// NotificationRepository defines storage operations on user-facing notifications.
type NotificationRepository interface {
	CreateConnectionNotification(ctx context.Context, n *models.ConnectionNotification) (string, error)
	HasUndismissed(ctx context.Context, userID, itemID string, t models.NotificationType) (bool, error)
	DismissForItem(ctx context.Context, userID, itemID string, types []models.NotificationType, now time.Time) (int, error)
	CreateUserNotification(ctx context.Context, n *models.UserNotification) (string, error)
}

// DeviceRepository defines storage operations on the fallback device ledger.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	MarkAccountCreated(ctx context.Context, id string, token models.FallbackToken, now time.Time) error
	MarkExceptionAllowed(ctx context.Context, id string, now time.Time) error
}

// AuditRepository appends to the events log.
type AuditRepository interface {
	Create(ctx context.Context, event *models.AuditEvent) error
}

// CursorRepository persists paging cursors between sweep runs.
type CursorRepository interface {
	Get(ctx context.Context, job string) (string, error)
	Set(ctx context.Context, job, cursor string, now time.Time) error
}
