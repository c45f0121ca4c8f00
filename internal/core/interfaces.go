package core

import (
	"context"
	"time"

	"github.com/example/receiptsync/internal/models"
)

// UserService defines profile operations used by the account lifecycle.
type UserService interface {
	// GetOrCreate returns the profile for user, creating it with defaults when
	// absent. The boolean reports whether it was created.
	GetOrCreate(ctx context.Context, user models.AuthUser) (*models.UserProfile, bool, error)
	GetByID(ctx context.Context, userID string) (*models.UserProfile, error)
}

// AuditService defines the interface for audit logging operations.
type AuditService interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// NotificationService decides and stores user-facing notifications.
type NotificationService interface {
	// NotifyConnection creates a connection notification. With dedupe set it
	// does nothing when an undismissed one of the same type exists for the item.
	NotifyConnection(ctx context.Context, conn *models.Connection, t models.NotificationType, dedupe bool) (bool, error)
	DismissConnectionAlerts(ctx context.Context, conn *models.Connection, types ...models.NotificationType) (int, error)
	NotifyUser(ctx context.Context, userID string, t models.NotificationType, data map[string]interface{}) error
}

// EntitlementLookup resolves a billing-subscriber id against the provider.
type EntitlementLookup interface {
	Subscriber(ctx context.Context, appUserID string) (*models.Subscriber, error)
}

// TierWriter writes the entitlement-owned fields of a subscription. Only the
// webhook path holds one.
type TierWriter interface {
	ApplyTierUpdate(ctx context.Context, userID string, u models.TierUpdate, now time.Time) (*models.Subscription, bool, error)
}

// BillingWriter writes the payment-owned fields of a subscription. The
// confirm-payment path holds only this.
type BillingWriter interface {
	ApplyBillingUpdate(ctx context.Context, userID string, u models.BillingUpdate, now time.Time) error
	EndTrial(ctx context.Context, userID, reason string, now time.Time) error
}

// AuthDirectory answers identity questions about the auth provider.
type AuthDirectory interface {
	EmailRegistered(ctx context.Context, email string) (bool, error)
}

// EntitlementCache drops cached provider lookups once the provider reports a change.
type EntitlementCache interface {
	Invalidate(ctx context.Context, appUserID string) error
}

// DeviceAttestor is the native device attestation service (two bits per device).
type DeviceAttestor interface {
	QueryBits(ctx context.Context, token string) (bit0, bit1 bool, err error)
	UpdateBits(ctx context.Context, token string, bit0, bit1 bool) error
}
