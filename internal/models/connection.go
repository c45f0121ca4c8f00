package models

import "time"

// ConnectionStatus is the health state of a linked bank item.
type ConnectionStatus string

const (
	ConnectionConnected         ConnectionStatus = "connected"
	ConnectionStale             ConnectionStatus = "stale"
	ConnectionStatusError       ConnectionStatus = "error"
	ConnectionPendingExpiration ConnectionStatus = "pending_expiration"
	ConnectionPendingDisconnect ConnectionStatus = "pending_disconnect"
	ConnectionPermissionRevoked ConnectionStatus = "permission_revoked"
)

// HealthCheckErrorCode marks errors raised by the scheduled health sweep.
const HealthCheckErrorCode = "CONNECTION_HEALTH_CHECK"

// ConnectionError is the structured error attached to a connection.
type ConnectionError struct {
	ErrorType       string `json:"errorType" firestore:"errorType"`
	ErrorCode       string `json:"errorCode" firestore:"errorCode"`
	DisplayMessage  string `json:"displayMessage" firestore:"displayMessage"`
	SuggestedAction string `json:"suggestedAction" firestore:"suggestedAction"`
}

// ToMap encodes the error for the store.
func (e *ConnectionError) ToMap() map[string]interface{} {
	if e == nil {
		return nil
	}
	return map[string]interface{}{
		"errorType":       e.ErrorType,
		"errorCode":       e.ErrorCode,
		"displayMessage":  e.DisplayMessage,
		"suggestedAction": e.SuggestedAction,
	}
}

// Connection is a plaid_items document, keyed by item id.
type Connection struct {
	ID                   string           `json:"id" firestore:"-"`
	ItemID               string           `json:"itemId" firestore:"itemId"`
	UserID               string           `json:"userId" firestore:"userId"`
	InstitutionName      string           `json:"institutionName" firestore:"institutionName"`
	AccessToken          string           `json:"-" firestore:"accessToken"`
	Status               ConnectionStatus `json:"status" firestore:"status"`
	NeedsReauth          bool             `json:"needsReauth" firestore:"needsReauth"`
	Active               bool             `json:"active" firestore:"active"`
	NewAccountsAvailable bool             `json:"newAccountsAvailable" firestore:"newAccountsAvailable"`
	LastHealthCheck      *time.Time       `json:"lastHealthCheck,omitempty" firestore:"lastHealthCheck"`
	LastSyncAt           *time.Time       `json:"lastSyncAt,omitempty" firestore:"lastSyncAt"`
	Error                *ConnectionError `json:"error,omitempty" firestore:"error"`
	CreatedAt            *time.Time       `json:"createdAt,omitempty" firestore:"createdAt"`
	UpdatedAt            *time.Time       `json:"updatedAt,omitempty" firestore:"updatedAt"`
}

// ConnectionWebhook is a bank-aggregator item webhook.
type ConnectionWebhook struct {
	WebhookType string           `json:"webhook_type"`
	WebhookCode string           `json:"webhook_code"`
	ItemID      string           `json:"item_id"`
	Error       *ConnectionError `json:"error,omitempty"`
}

// NotificationType names what a notification is about.
type NotificationType string

const (
	NotifyReauthRequired       NotificationType = "reauth_required"
	NotifyPendingExpiration    NotificationType = "pending_expiration"
	NotifyPendingDisconnect    NotificationType = "pending_disconnect"
	NotifyPermissionRevoked    NotificationType = "permission_revoked"
	NotifyConnectionError      NotificationType = "connection_error"
	NotifyNewAccountsAvailable NotificationType = "new_accounts_available"
	NotifyConnectionRepaired   NotificationType = "connection_repaired"

	NotifyBillingIssue       NotificationType = "billing_issue"
	NotifyUsageLimitReached  NotificationType = "usage_limit_reached"
	NotifyAccountTransferred NotificationType = "account_transferred"
)

// Priority orders notifications in the client.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ConnectionNotification is a user-facing alert about a bank connection.
type ConnectionNotification struct {
	ID              string           `json:"id" firestore:"-"`
	UserID          string           `json:"userId" firestore:"userId"`
	ItemID          string           `json:"itemId" firestore:"itemId"`
	InstitutionName string           `json:"institutionName" firestore:"institutionName"`
	Type            NotificationType `json:"type" firestore:"type"`
	Title           string           `json:"title" firestore:"title"`
	Message         string           `json:"message" firestore:"message"`
	ActionRequired  bool             `json:"actionRequired" firestore:"actionRequired"`
	Priority        Priority         `json:"priority" firestore:"priority"`
	Dismissed       bool             `json:"dismissed" firestore:"dismissed"`
	DismissedAt     *time.Time       `json:"dismissedAt,omitempty" firestore:"dismissedAt"`
	CreatedAt       time.Time        `json:"createdAt" firestore:"createdAt"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty" firestore:"expiresAt"`
}

// ToMap encodes the notification for the store.
func (n *ConnectionNotification) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"userId":          n.UserID,
		"itemId":          n.ItemID,
		"institutionName": n.InstitutionName,
		"type":            string(n.Type),
		"title":           n.Title,
		"message":         n.Message,
		"actionRequired":  n.ActionRequired,
		"priority":        string(n.Priority),
		"dismissed":       n.Dismissed,
		"dismissedAt":     timeOrNil(n.DismissedAt),
		"createdAt":       n.CreatedAt.UTC(),
		"expiresAt":       timeOrNil(n.ExpiresAt),
	}
}

// UserNotification is an account-level alert (billing, usage, transfers).
type UserNotification struct {
	ID        string                 `json:"id" firestore:"-"`
	UserID    string                 `json:"userId" firestore:"userId"`
	Type      NotificationType       `json:"type" firestore:"type"`
	Title     string                 `json:"title" firestore:"title"`
	Message   string                 `json:"message" firestore:"message"`
	Priority  Priority               `json:"priority" firestore:"priority"`
	Read      bool                   `json:"read" firestore:"read"`
	Data      map[string]interface{} `json:"data,omitempty" firestore:"data"`
	CreatedAt time.Time              `json:"createdAt" firestore:"createdAt"`
}

// ToMap encodes the notification for the store.
func (n *UserNotification) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"userId":    n.UserID,
		"type":      string(n.Type),
		"title":     n.Title,
		"message":   n.Message,
		"priority":  string(n.Priority),
		"read":      n.Read,
		"createdAt": n.CreatedAt.UTC(),
	}
	if n.Data != nil {
		m["data"] = n.Data
	}
	return m
}
