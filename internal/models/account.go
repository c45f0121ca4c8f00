package models

import (
	"strings"
	"time"
)

// DeletedAccountStatus tracks a deleted identity through recovery or purge.
type DeletedAccountStatus string

const (
	DeletedSoft      DeletedAccountStatus = "soft_deleted"
	DeletedRecovered DeletedAccountStatus = "recovered"
	DeletedPurged    DeletedAccountStatus = "permanently_deleted"
)

// OriginalData holds the documents backed up at deletion time, kept as raw
// maps so recovery restores them field for field.
type OriginalData struct {
	User         map[string]interface{} `json:"user,omitempty" firestore:"user"`
	Subscription map[string]interface{} `json:"subscription,omitempty" firestore:"subscription"`
}

// DeletedAccount is keyed by the deleted user id.
type DeletedAccount struct {
	UserID                string               `json:"userId" firestore:"userId"`
	Email                 string               `json:"email" firestore:"email"`
	DeletedAt             time.Time            `json:"deletedAt" firestore:"deletedAt"`
	PermanentDeletionDate time.Time            `json:"permanentDeletionDate" firestore:"permanentDeletionDate"`
	Status                DeletedAccountStatus `json:"status" firestore:"status"`
	Recoverable           bool                 `json:"recoverable" firestore:"recoverable"`
	OriginalData          OriginalData         `json:"originalData" firestore:"originalData"`
	RecoveredAt           *time.Time           `json:"recoveredAt,omitempty" firestore:"recoveredAt"`
	RecoveredBy           string               `json:"recoveredBy,omitempty" firestore:"recoveredBy"`
	PurgedAt              *time.Time           `json:"purgedAt,omitempty" firestore:"purgedAt"`
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsRecoverable reports whether the record may still be recovered at now.
func (d *DeletedAccount) IsRecoverable(now time.Time) bool {
	return d.Status == DeletedSoft && d.Recoverable && now.Before(d.PermanentDeletionDate)
}

// BackedUpSubscription decodes the subscription backup, or returns nil when
// the account had none.
func (d *DeletedAccount) BackedUpSubscription() (*Subscription, error) {
	if len(d.OriginalData.Subscription) == 0 {
		return nil, nil
	}
	var sub Subscription
	if err := Decode(d.OriginalData.Subscription, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ToMap encodes the record for the store.
func (d *DeletedAccount) ToMap() map[string]interface{} {
	original := map[string]interface{}{}
	if d.OriginalData.User != nil {
		original["user"] = d.OriginalData.User
	}
	if d.OriginalData.Subscription != nil {
		original["subscription"] = d.OriginalData.Subscription
	}
	return map[string]interface{}{
		"userId":                d.UserID,
		"email":                 d.Email,
		"deletedAt":             d.DeletedAt.UTC(),
		"permanentDeletionDate": d.PermanentDeletionDate.UTC(),
		"status":                string(d.Status),
		"recoverable":           d.Recoverable,
		"originalData":          original,
		"recoveredAt":           timeOrNil(d.RecoveredAt),
		"recoveredBy":           d.RecoveredBy,
		"purgedAt":              timeOrNil(d.PurgedAt),
	}
}

// Profile roles.
const (
	RoleAccountHolder = "account_holder"
	RoleTeammate      = "teammate"
)

// NotificationSettings are the per-user delivery switches.
type NotificationSettings struct {
	Push        bool `json:"push" firestore:"push"`
	Email       bool `json:"email" firestore:"email"`
	UsageAlerts bool `json:"usageAlerts" firestore:"usageAlerts"`
	BankAlerts  bool `json:"bankAlerts" firestore:"bankAlerts"`
}

// ToMap encodes the settings for the store.
func (n NotificationSettings) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"push":        n.Push,
		"email":       n.Email,
		"usageAlerts": n.UsageAlerts,
		"bankAlerts":  n.BankAlerts,
	}
}

// UserProfile is the users/{uid} document.
type UserProfile struct {
	UserID               string               `json:"userId" firestore:"userId"`
	Email                string               `json:"email" firestore:"email"`
	DisplayName          string               `json:"displayName" firestore:"displayName"`
	FirstName            string               `json:"firstName" firestore:"firstName"`
	LastName             string               `json:"lastName" firestore:"lastName"`
	PhotoURL             string               `json:"photoURL,omitempty" firestore:"photoURL"`
	Role                 string               `json:"role" firestore:"role"`
	AccountHolderID      string               `json:"accountHolderId,omitempty" firestore:"accountHolderId"`
	Locale               string               `json:"locale" firestore:"locale"`
	Currency             string               `json:"currency" firestore:"currency"`
	TaxYear              int                  `json:"taxYear" firestore:"taxYear"`
	NotificationSettings NotificationSettings `json:"notificationSettings" firestore:"notificationSettings"`
	Status               string               `json:"status" firestore:"status"`
	CreatedAt            *time.Time           `json:"createdAt,omitempty" firestore:"createdAt"`
	UpdatedAt            *time.Time           `json:"updatedAt,omitempty" firestore:"updatedAt"`
}

// NewUserProfile builds the default profile for a freshly created identity.
func NewUserProfile(userID, email, displayName, photoURL string, now time.Time) *UserProfile {
	first, last := SplitDisplayName(displayName)
	return &UserProfile{
		UserID:          userID,
		Email:           NormalizeEmail(email),
		DisplayName:     displayName,
		FirstName:       first,
		LastName:        last,
		PhotoURL:        photoURL,
		Role:            RoleAccountHolder,
		Locale:          "en-US",
		Currency:        "USD",
		TaxYear:         now.Year(),
		NotificationSettings: NotificationSettings{
			Push:        true,
			Email:       true,
			UsageAlerts: true,
			BankAlerts:  true,
		},
		Status:    "active",
		CreatedAt: TimePtr(now),
		UpdatedAt: TimePtr(now),
	}
}

// SplitDisplayName splits "Ada Lovelace King" into "Ada" and "Lovelace King".
func SplitDisplayName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// ToMap encodes the profile for the store.
func (p *UserProfile) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"userId":               p.UserID,
		"email":                p.Email,
		"displayName":          p.DisplayName,
		"firstName":            p.FirstName,
		"lastName":             p.LastName,
		"photoURL":             p.PhotoURL,
		"role":                 p.Role,
		"locale":               p.Locale,
		"currency":             p.Currency,
		"taxYear":              p.TaxYear,
		"notificationSettings": p.NotificationSettings.ToMap(),
		"status":               p.Status,
		"createdAt":            timeOrNil(p.CreatedAt),
		"updatedAt":            timeOrNil(p.UpdatedAt),
	}
	if p.AccountHolderID != "" {
		m["accountHolderId"] = p.AccountHolderID
	}
	return m
}

// Invitation states.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
)

// TeamInvitation invites an email address onto an account holder's team.
type TeamInvitation struct {
	ID              string     `json:"id" firestore:"-"`
	AccountHolderID string     `json:"accountHolderId" firestore:"accountHolderId"`
	InviteeEmail    string     `json:"inviteeEmail" firestore:"inviteeEmail"`
	Status          string     `json:"status" firestore:"status"`
	Role            string     `json:"role" firestore:"role"`
	LinkedUserID    string     `json:"linkedUserId,omitempty" firestore:"linkedUserId"`
	CreatedAt       *time.Time `json:"createdAt,omitempty" firestore:"createdAt"`
}
