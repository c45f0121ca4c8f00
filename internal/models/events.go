package models

import (
	"errors"
	"strings"
	"time"
)

// BillingEventType is the normalized billing-provider event kind.
type BillingEventType string

const (
	EventPurchase      BillingEventType = "purchase"
	EventRenewal       BillingEventType = "renewal"
	EventCancellation  BillingEventType = "cancellation"
	EventExpiration    BillingEventType = "expiration"
	EventBillingIssue  BillingEventType = "billing_issue"
	EventProductChange BillingEventType = "product_change"
	EventTransfer      BillingEventType = "transfer"
)

// ParseBillingEventType accepts both the normalized names and the provider's
// upper-case names (INITIAL_PURCHASE, RENEWAL, ...).
func ParseBillingEventType(s string) (BillingEventType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "purchase", "initial_purchase", "non_renewing_purchase", "uncancellation":
		return EventPurchase, true
	case "renewal":
		return EventRenewal, true
	case "cancellation":
		return EventCancellation, true
	case "expiration":
		return EventExpiration, true
	case "billing_issue":
		return EventBillingIssue, true
	case "product_change":
		return EventProductChange, true
	case "transfer":
		return EventTransfer, true
	}
	return "", false
}

// Entitlement is one grant in a subscriber payload. A nil expiry never lapses.
type Entitlement struct {
	ExpiresDate       *time.Time `json:"expires_date"`
	PurchaseDate      *time.Time `json:"purchase_date,omitempty"`
	ProductIdentifier string     `json:"product_identifier,omitempty"`
}

// ActiveAt reports whether the entitlement grants access at now.
func (e Entitlement) ActiveAt(now time.Time) bool {
	return e.ExpiresDate == nil || e.ExpiresDate.After(now)
}

// SubscriberSubscription is a per-product entry in a subscriber payload.
type SubscriberSubscription struct {
	ExpiresDate             *time.Time `json:"expires_date"`
	PurchaseDate            *time.Time `json:"purchase_date,omitempty"`
	OriginalPurchaseDate    *time.Time `json:"original_purchase_date,omitempty"`
	PeriodType              string     `json:"period_type,omitempty"`
	Store                   string     `json:"store,omitempty"`
	UnsubscribeDetectedAt   *time.Time `json:"unsubscribe_detected_at,omitempty"`
	BillingIssuesDetectedAt *time.Time `json:"billing_issues_detected_at,omitempty"`
}

// Subscriber is the provider's entitlement view of one app user.
type Subscriber struct {
	OriginalAppUserID string                            `json:"original_app_user_id,omitempty"`
	Entitlements      map[string]Entitlement            `json:"entitlements"`
	Subscriptions     map[string]SubscriberSubscription `json:"subscriptions,omitempty"`
}

// BillingEventData is the body of a billing event envelope.
type BillingEventData struct {
	AppUserID       string     `json:"app_user_id"`
	OriginAppUserID string     `json:"origin_app_user_id,omitempty"`
	Subscriber      Subscriber `json:"subscriber"`
}

// BillingEvent is the validated envelope delivered by the billing provider.
type BillingEvent struct {
	ID   string           `json:"id"`
	Type BillingEventType `json:"type"`
	Data BillingEventData `json:"data"`
}

var (
	ErrMissingEventID   = errors.New("billing event: missing id")
	ErrMissingAppUserID = errors.New("billing event: missing data.app_user_id")
	ErrUnknownEventType = errors.New("billing event: unknown type")
	ErrMissingOrigin    = errors.New("billing event: transfer without data.origin_app_user_id")
)

// Validate normalizes the event type and checks required fields.
func (e *BillingEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrMissingEventID
	}
	t, ok := ParseBillingEventType(string(e.Type))
	if !ok {
		return ErrUnknownEventType
	}
	e.Type = t
	if strings.TrimSpace(e.Data.AppUserID) == "" {
		return ErrMissingAppUserID
	}
	if t == EventTransfer && strings.TrimSpace(e.Data.OriginAppUserID) == "" {
		return ErrMissingOrigin
	}
	return nil
}

// AuthUser is the payload of an auth lifecycle trigger.
type AuthUser struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// ReceiptCreated is the payload of the receipt creation trigger.
type ReceiptCreated struct {
	ReceiptID string     `json:"receiptId"`
	UserID    string     `json:"userId"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}
