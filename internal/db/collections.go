package db

import (
	"context"
	"errors"
	"strings"
)

// Collection names.
const (
	CollUsers                   = "users"
	CollSubscriptions           = "subscriptions"
	CollUsage                   = "usage"
	CollDeletedAccounts         = "deletedAccounts"
	CollEvents                  = "events"
	CollReceipts                = "receipts"
	CollBusinesses              = "businesses"
	CollReports                 = "reports"
	CollTeamMembers             = "teamMembers"
	CollTeamInvitations         = "teamInvitations"
	CollBankConnections         = "bankConnections"
	CollPlaidItems              = "plaid_items"
	CollConnectionNotifications = "connection_notifications"
	CollUserNotifications       = "user_notifications"
	CollBusinessStats           = "businessStats"
	CollUserPreferences         = "userPreferences"
	CollNotificationSettings    = "notificationSettings"
	CollBudgets                 = "budgets"
	CollCustomCategories        = "customCategories"
	CollExports                 = "exports"
	CollDeviceTracking          = "device_tracking"
	CollSweepCursors            = "sweepCursors"
)

// KeyStyle says how a per-user collection is tied to its user.
type KeyStyle int

const (
	// KeyDocID documents use the user id as their id.
	KeyDocID KeyStyle = iota
	// KeyPrefix documents use "{userId}_..." ids.
	KeyPrefix
	// KeyField documents carry the user id in one or more owner fields.
	KeyField
)

// TransferMode says how identity transfer moves a collection.
type TransferMode int

const (
	TransferNone TransferMode = iota
	// TransferCopy writes a new document for the new user and marks the
	// original transferred.
	TransferCopy
	// TransferRepoint rewrites owner fields in place.
	TransferRepoint
)

// UserCollection describes one collection holding per-user data.
type UserCollection struct {
	Name        string
	Key         KeyStyle
	OwnerFields []string
	SoftDelete  bool
	Purge       bool
	Transfer    TransferMode
}

// UserCollections is the single registry of per-user data. Soft delete,
// purge, recovery and transfer all walk this table.
var UserCollections = []UserCollection{
	{Name: CollUsers, Key: KeyDocID, SoftDelete: true, Purge: true},
	{Name: CollSubscriptions, Key: KeyDocID, SoftDelete: true, Purge: true, Transfer: TransferCopy},
	{Name: CollUsage, Key: KeyPrefix, SoftDelete: true, Purge: true, Transfer: TransferCopy},
	{Name: CollReceipts, Key: KeyField, OwnerFields: []string{"userId"}, SoftDelete: true, Purge: true, Transfer: TransferCopy},
	{Name: CollBusinesses, Key: KeyField, OwnerFields: []string{"userId"}, SoftDelete: true, Purge: true, Transfer: TransferRepoint},
	{Name: CollReports, Key: KeyField, OwnerFields: []string{"userId"}, SoftDelete: true, Purge: true},
	{Name: CollTeamMembers, Key: KeyField, OwnerFields: []string{"accountHolderId", "userId"}, SoftDelete: true, Purge: true, Transfer: TransferRepoint},
	{Name: CollBankConnections, Key: KeyField, OwnerFields: []string{"userId"}, SoftDelete: true, Purge: true, Transfer: TransferRepoint},
	{Name: CollTeamInvitations, Key: KeyField, OwnerFields: []string{"accountHolderId"}, Purge: true},
	{Name: CollPlaidItems, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true, Transfer: TransferRepoint},
	{Name: CollConnectionNotifications, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true},
	{Name: CollUserNotifications, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true},
	{Name: CollBusinessStats, Key: KeyDocID, Purge: true, Transfer: TransferCopy},
	{Name: CollUserPreferences, Key: KeyDocID, Purge: true, Transfer: TransferCopy},
	{Name: CollNotificationSettings, Key: KeyDocID, Purge: true, Transfer: TransferCopy},
	{Name: CollBudgets, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true},
	{Name: CollCustomCategories, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true},
	{Name: CollExports, Key: KeyField, OwnerFields: []string{"userId"}, Purge: true},
}

// Collections returns the registry entries accepted by keep.
func Collections(keep func(UserCollection) bool) []UserCollection {
	var out []UserCollection
	for _, c := range UserCollections {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// UserDocuments returns every document in c that belongs to userID.
// Prefix-keyed documents must also carry the id prefix.
func UserDocuments(ctx context.Context, store Store, c UserCollection, userID string) ([]*Document, error) {
	switch c.Key {
	case KeyDocID:
		doc, err := store.Get(ctx, c.Name, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []*Document{doc}, nil
	case KeyPrefix:
		docs, err := store.Query(ctx, Query{Collection: c.Name, Filters: []Filter{Where("userId", OpEqual, userID)}})
		if err != nil {
			return nil, err
		}
		prefix := userID + "_"
		var out []*Document
		for _, d := range docs {
			if strings.HasPrefix(d.ID, prefix) {
				out = append(out, d)
			}
		}
		return out, nil
	}
	seen := map[string]bool{}
	var out []*Document
	for _, field := range c.OwnerFields {
		docs, err := store.Query(ctx, Query{Collection: c.Name, Filters: []Filter{Where(field, OpEqual, userID)}})
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if !seen[d.ID] {
				seen[d.ID] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}
