package models

import (
	"strings"
	"time"
)

// Usage counts one user's consumption in one calendar month.
// The document id is {userId}_{yyyy-mm}.
type Usage struct {
	ID               string     `json:"id" firestore:"-"`
	UserID           string     `json:"userId" firestore:"userId"`
	Month            string     `json:"month" firestore:"month"`
	ReceiptsUploaded int        `json:"receiptsUploaded" firestore:"receiptsUploaded"`
	APICalls         int        `json:"apiCalls" firestore:"apiCalls"`
	ReportsGenerated int        `json:"reportsGenerated" firestore:"reportsGenerated"`
	Limits           Limits     `json:"limits" firestore:"limits"`
	ResetDate        *time.Time `json:"resetDate,omitempty" firestore:"resetDate"`
	TransferredFrom  string     `json:"transferredFrom,omitempty" firestore:"transferredFrom"`
	CreatedAt        *time.Time `json:"createdAt,omitempty" firestore:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty" firestore:"updatedAt"`

	// CountedReceiptIDs holds the most recently counted receipts, oldest first.
	CountedReceiptIDs []string `json:"countedReceiptIds,omitempty" firestore:"countedReceiptIds"`
}

// UsageKey builds the usage document id for userID in the month of t.
func UsageKey(userID string, t time.Time) string {
	return userID + "_" + MonthKey(t)
}

// RekeyUsage swaps the user segment of a usage document id.
// It returns false when id does not belong to fromUserID.
func RekeyUsage(id, fromUserID, toUserID string) (string, bool) {
	prefix := fromUserID + "_"
	if !strings.HasPrefix(id, prefix) {
		return "", false
	}
	return toUserID + "_" + strings.TrimPrefix(id, prefix), true
}

// MaxCountedReceipts bounds the receipt ids a usage record remembers.
const MaxCountedReceipts = 500

// ReceiptCount is the outcome of counting one receipt upload.
type ReceiptCount struct {
	Usage *Usage
	// Position is the receipt's 1-based place among the month's uploads.
	Position int
	// New is false when the receipt had already been counted.
	New bool
}

// CountReceipt counts receiptID once. A redelivered receipt keeps the
// position it was first counted at and leaves the record unchanged.
func (u *Usage) CountReceipt(receiptID string) ReceiptCount {
	for i, id := range u.CountedReceiptIDs {
		if id == receiptID {
			return ReceiptCount{Usage: u, Position: u.ReceiptsUploaded - (len(u.CountedReceiptIDs) - 1 - i)}
		}
	}
	u.ReceiptsUploaded++
	u.CountedReceiptIDs = append(u.CountedReceiptIDs, receiptID)
	if n := len(u.CountedReceiptIDs); n > MaxCountedReceipts {
		u.CountedReceiptIDs = append([]string(nil), u.CountedReceiptIDs[n-MaxCountedReceipts:]...)
	}
	return ReceiptCount{Usage: u, Position: u.ReceiptsUploaded, New: true}
}

func (u *Usage) countedReceipts() []interface{} {
	out := make([]interface{}, 0, len(u.CountedReceiptIDs))
	for _, id := range u.CountedReceiptIDs {
		out = append(out, id)
	}
	return out
}

// NewUsage returns a zeroed usage record for the month of now.
func NewUsage(userID string, now time.Time, limits Limits) *Usage {
	reset := FirstOfNextMonth(now)
	return &Usage{
		ID:        UsageKey(userID, now),
		UserID:    userID,
		Month:     MonthKey(now),
		Limits:    limits,
		ResetDate: &reset,
		CreatedAt: TimePtr(now),
		UpdatedAt: TimePtr(now),
	}
}

// ToMap encodes the record for the store.
func (u *Usage) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"userId":            u.UserID,
		"month":             u.Month,
		"receiptsUploaded":  u.ReceiptsUploaded,
		"apiCalls":          u.APICalls,
		"reportsGenerated":  u.ReportsGenerated,
		"limits":            u.Limits.ToMap(),
		"countedReceiptIds": u.countedReceipts(),
		"resetDate":         timeOrNil(u.ResetDate),
		"createdAt":         timeOrNil(u.CreatedAt),
		"updatedAt":         timeOrNil(u.UpdatedAt),
	}
	if u.TransferredFrom != "" {
		m["transferredFrom"] = u.TransferredFrom
	}
	return m
}
