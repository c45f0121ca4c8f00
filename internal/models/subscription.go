package models

import "time"

// SubscriptionStatus is the billing state of a subscription record.
type SubscriptionStatus string

const (
	StatusActive      SubscriptionStatus = "active"
	StatusCanceled    SubscriptionStatus = "canceled"
	StatusPastDue     SubscriptionStatus = "past_due"
	StatusIncomplete  SubscriptionStatus = "incomplete"
	StatusSoftDeleted SubscriptionStatus = "soft_deleted"
	StatusTransferred SubscriptionStatus = "transferred"
)

// History reasons.
const (
	ReasonPurchase        = "purchase"
	ReasonRenewal         = "renewal"
	ReasonCancellation    = "cancellation"
	ReasonExpiration      = "expiration"
	ReasonProductChange   = "product_change"
	ReasonAccountTransfer = "account_transfer"
	ReasonRestored        = "restored"
)

// MaxProcessedEvents bounds the idempotency window kept on each record.
const MaxProcessedEvents = 50

// Trial describes the free trial attached to a subscription.
type Trial struct {
	StartedAt  *time.Time `json:"startedAt,omitempty" firestore:"startedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" firestore:"expiresAt"`
	IsActive   bool       `json:"isActive" firestore:"isActive"`
	EndedEarly bool       `json:"endedEarly" firestore:"endedEarly"`
	EndReason  string     `json:"endReason,omitempty" firestore:"endReason"`
}

// ToMap encodes the trial for the store.
func (t Trial) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"startedAt":  timeOrNil(t.StartedAt),
		"expiresAt":  timeOrNil(t.ExpiresAt),
		"isActive":   t.IsActive,
		"endedEarly": t.EndedEarly,
		"endReason":  t.EndReason,
	}
}

// Billing holds the payment-period fields. They are written by the payment
// confirmation path and by the usage reset sweep, never by entitlement webhooks.
type Billing struct {
	CustomerID         string     `json:"customerId,omitempty" firestore:"customerId"`
	SubscriptionID     string     `json:"subscriptionId,omitempty" firestore:"subscriptionId"`
	PriceID            string     `json:"priceId,omitempty" firestore:"priceId"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty" firestore:"currentPeriodStart"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty" firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd" firestore:"cancelAtPeriodEnd"`
	TrialEnd           *time.Time `json:"trialEnd,omitempty" firestore:"trialEnd"`
	LastMonthlyReset   *time.Time `json:"lastMonthlyReset,omitempty" firestore:"lastMonthlyReset"`
	NextMonthlyReset   *time.Time `json:"nextMonthlyReset,omitempty" firestore:"nextMonthlyReset"`
}

// HistoryEntry records one tier transition. Entries are append-only.
type HistoryEntry struct {
	Tier      Tier       `json:"tier" firestore:"tier"`
	StartDate time.Time  `json:"startDate" firestore:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty" firestore:"endDate"`
	Reason    string     `json:"reason" firestore:"reason"`
	EventID   string     `json:"eventId,omitempty" firestore:"eventId"`
}

// ToMap encodes the entry for the store.
func (h HistoryEntry) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"tier":      string(h.Tier),
		"startDate": h.StartDate.UTC(),
		"endDate":   timeOrNil(h.EndDate),
		"reason":    h.Reason,
		"eventId":   h.EventID,
	}
}

// Subscription is the per-account-holder subscription record, keyed by user id.
type Subscription struct {
	UserID            string             `json:"userId" firestore:"userId"`
	CurrentTier       Tier               `json:"currentTier" firestore:"currentTier"`
	Status            SubscriptionStatus `json:"status" firestore:"status"`
	Trial             *Trial             `json:"trial,omitempty" firestore:"trial"`
	Billing           Billing            `json:"billing" firestore:"billing"`
	Limits            *Limits            `json:"limits,omitempty" firestore:"limits"`
	Features          *Features          `json:"features,omitempty" firestore:"features"`
	History           []HistoryEntry     `json:"history" firestore:"history"`
	ProcessedEventIDs []string           `json:"processedEventIds,omitempty" firestore:"processedEventIds"`
	RevenueCatUserID  string             `json:"revenueCatUserId,omitempty" firestore:"revenueCatUserId"`

	TransferredTo   string `json:"transferredTo,omitempty" firestore:"transferredTo"`
	TransferredFrom string `json:"transferredFrom,omitempty" firestore:"transferredFrom"`

	StatusBeforeDeletion  string     `json:"statusBeforeDeletion,omitempty" firestore:"statusBeforeDeletion"`
	DeletedAt             *time.Time `json:"deletedAt,omitempty" firestore:"deletedAt"`
	PermanentDeletionDate *time.Time `json:"permanentDeletionDate,omitempty" firestore:"permanentDeletionDate"`

	CreatedAt *time.Time `json:"createdAt,omitempty" firestore:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty" firestore:"updatedAt"`
}

// HasProcessed reports whether eventID was already applied to this record.
func (s *Subscription) HasProcessed(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// IsActivePaid reports whether the record grants a paid tier right now.
func (s *Subscription) IsActivePaid() bool {
	return s.Status == StatusActive && s.CurrentTier.IsPaid()
}

// TierUpdate is the entitlement-owned part of a subscription. Only the
// billing-provider webhook path builds these.
type TierUpdate struct {
	EventID          string
	Tier             Tier
	Status           SubscriptionStatus
	Plan             TierPlan
	Reason           string
	RevenueCatUserID string
	// StatusOnly leaves tier, limits, features and history untouched on an
	// existing record. A missing record is still created from Tier and Plan.
	StatusOnly bool
}

// ApplyTier folds u into s and reports whether anything was applied.
// A redelivered event id is a no-op. Every applied event appends exactly one
// history entry, including a renewal on the same tier. A status-only update
// records the tier the account keeps.
func (s *Subscription) ApplyTier(userID string, u TierUpdate, now time.Time) bool {
	if s.HasProcessed(u.EventID) {
		return false
	}
	now = now.UTC()
	isNew := s.CurrentTier == ""
	if u.StatusOnly && !isNew {
		s.appendHistory(s.CurrentTier, u, now)
		s.Status = u.Status
		s.recordEvent(u.EventID)
		s.UpdatedAt = TimePtr(now)
		return true
	}
	s.appendHistory(u.Tier, u, now)
	s.UserID = userID
	s.CurrentTier = u.Tier
	s.Status = u.Status
	limits, features := u.Plan.Limits, u.Plan.Features
	s.Limits = &limits
	s.Features = &features
	if u.RevenueCatUserID != "" {
		s.RevenueCatUserID = u.RevenueCatUserID
	}
	s.recordEvent(u.EventID)
	if isNew {
		s.CreatedAt = TimePtr(now)
	}
	s.UpdatedAt = TimePtr(now)
	return true
}

// appendHistory skips the entry when the last one already belongs to the same
// event, as a transfer copy's does.
func (s *Subscription) appendHistory(tier Tier, u TierUpdate, now time.Time) {
	if n := len(s.History); n > 0 && u.EventID != "" && s.History[n-1].EventID == u.EventID {
		return
	}
	s.History = append(s.History, HistoryEntry{
		Tier:      tier,
		StartDate: now,
		Reason:    u.Reason,
		EventID:   u.EventID,
	})
}

func (s *Subscription) recordEvent(eventID string) {
	if eventID == "" {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
	if n := len(s.ProcessedEventIDs); n > MaxProcessedEvents {
		s.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs[n-MaxProcessedEvents:]...)
	}
}

// TierFields returns the entitlement-owned fields of s for a merge write.
func (s *Subscription) TierFields() map[string]interface{} {
	history := make([]interface{}, 0, len(s.History))
	for _, h := range s.History {
		history = append(history, h.ToMap())
	}
	processed := make([]interface{}, 0, len(s.ProcessedEventIDs))
	for _, id := range s.ProcessedEventIDs {
		processed = append(processed, id)
	}
	fields := map[string]interface{}{
		"userId":            s.UserID,
		"currentTier":       string(s.CurrentTier),
		"status":            string(s.Status),
		"history":           history,
		"processedEventIds": processed,
		"updatedAt":         timeOrNil(s.UpdatedAt),
	}
	if s.Limits != nil {
		fields["limits"] = s.Limits.ToMap()
	}
	if s.Features != nil {
		fields["features"] = s.Features.ToMap()
	}
	if s.RevenueCatUserID != "" {
		fields["revenueCatUserId"] = s.RevenueCatUserID
	}
	if s.CreatedAt != nil {
		fields["createdAt"] = s.CreatedAt.UTC()
	}
	return fields
}

// BillingUpdate is the payment-confirmation-owned part of a subscription.
// It deliberately carries no tier, limits, features or history.
type BillingUpdate struct {
	Status             SubscriptionStatus
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
}

// Fields returns the update as a nested merge document.
func (u BillingUpdate) Fields(userID string, now time.Time) map[string]interface{} {
	billing := map[string]interface{}{}
	if u.SubscriptionID != "" {
		billing["subscriptionId"] = u.SubscriptionID
	}
	if u.CustomerID != "" {
		billing["customerId"] = u.CustomerID
	}
	if u.PriceID != "" {
		billing["priceId"] = u.PriceID
	}
	if u.CurrentPeriodStart != nil {
		billing["currentPeriodStart"] = u.CurrentPeriodStart.UTC()
	}
	if u.CurrentPeriodEnd != nil {
		billing["currentPeriodEnd"] = u.CurrentPeriodEnd.UTC()
	}
	if u.CancelAtPeriodEnd != nil {
		billing["cancelAtPeriodEnd"] = *u.CancelAtPeriodEnd
	}
	fields := map[string]interface{}{
		"userId":    userID,
		"billing":   billing,
		"updatedAt": now.UTC(),
	}
	if u.Status != "" {
		fields["status"] = string(u.Status)
	}
	return fields
}
