package models

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Device is a device_tracking document for tokens that cannot be attested.
// The document id is the hex SHA-256 of the raw token.
type Device struct {
	ID                     string     `json:"id" firestore:"-"`
	Platform               string     `json:"platform" firestore:"platform"`
	DeviceID               string     `json:"deviceId" firestore:"deviceId"`
	HasCreatedAccount      bool       `json:"hasCreatedAccount" firestore:"hasCreatedAccount"`
	CreatedAt              *time.Time `json:"createdAt,omitempty" firestore:"createdAt"`
	LastUpdated            *time.Time `json:"lastUpdated,omitempty" firestore:"lastUpdated"`
	PreviousAccountDeleted bool       `json:"previousAccountDeleted,omitempty" firestore:"previousAccountDeleted"`
	AllowedNewAccountAt    *time.Time `json:"allowedNewAccountAt,omitempty" firestore:"allowedNewAccountAt"`
}

// FallbackToken is the decoded form of a non-attestable device token.
type FallbackToken struct {
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId"`
}

// ParseFallbackToken reports whether token is a base64-encoded JSON object
// carrying platform and deviceId. Anything else is an attestation token.
func ParseFallbackToken(token string) (FallbackToken, bool) {
	token = strings.TrimSpace(token)
	var raw []byte
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(token); err == nil {
			raw = b
			break
		}
	}
	if raw == nil {
		return FallbackToken{}, false
	}
	var ft FallbackToken
	if err := json.Unmarshal(raw, &ft); err != nil {
		return FallbackToken{}, false
	}
	if ft.Platform == "" || ft.DeviceID == "" {
		return FallbackToken{}, false
	}
	return ft, true
}

// FallbackDeviceKey is the device_tracking document id for a fallback token.
func FallbackDeviceKey(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// DeviceDecision is the outcome of a device gate evaluation.
type DeviceDecision struct {
	Allow   bool   `json:"canCreateAccount"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// AuditEvent is an append-only events/{id} entry.
type AuditEvent struct {
	ID        string                 `json:"id" firestore:"-"`
	Type      string                 `json:"type" firestore:"type"`
	Source    string                 `json:"source" firestore:"source"`
	UserID    string                 `json:"userId" firestore:"userId"`
	Payload   map[string]interface{} `json:"payload,omitempty" firestore:"payload"`
	CreatedAt time.Time              `json:"createdAt" firestore:"createdAt"`
}

// ToMap encodes the event for the store.
func (a *AuditEvent) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"type":      a.Type,
		"source":    a.Source,
		"userId":    a.UserID,
		"createdAt": a.CreatedAt.UTC(),
	}
	if a.Payload != nil {
		m["payload"] = a.Payload
	}
	return m
}
