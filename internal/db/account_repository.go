package db

import (
	"context"
	"fmt"
	"time"

	"github.com/example/receiptsync/internal/models"
)

type storeDeletedAccountRepository struct {
	store Store
}

// NewDeletedAccountRepository creates a DeletedAccountRepository backed by store.
func NewDeletedAccountRepository(store Store) DeletedAccountRepository {
	return &storeDeletedAccountRepository{store: store}
}

func decodeDeletedAccount(doc *Document) (*models.DeletedAccount, error) {
	var d models.DeletedAccount
	if err := models.Decode(doc.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode deleted account '%s': %w", doc.ID, err)
	}
	if d.UserID == "" {
		d.UserID = doc.ID
	}
	return &d, nil
}

func (r *storeDeletedAccountRepository) Get(ctx context.Context, userID string) (*models.DeletedAccount, error) {
	doc, err := r.store.Get(ctx, CollDeletedAccounts, userID)
	if err != nil {
		return nil, err
	}
	return decodeDeletedAccount(doc)
}

func (r *storeDeletedAccountRepository) Create(ctx context.Context, account *models.DeletedAccount) error {
	if err := r.store.Set(ctx, CollDeletedAccounts, account.UserID, account.ToMap()); err != nil {
		return fmt.Errorf("failed to create deleted account '%s': %w", account.UserID, err)
	}
	return nil
}

func (r *storeDeletedAccountRepository) findByEmail(ctx context.Context, email string, filters ...Filter) ([]*models.DeletedAccount, error) {
	filters = append([]Filter{
		Where("email", OpEqual, models.NormalizeEmail(email)),
		Where("status", OpEqual, string(models.DeletedSoft)),
	}, filters...)
	docs, err := r.store.Query(ctx, Query{Collection: CollDeletedAccounts, Filters: filters})
	if err != nil {
		return nil, err
	}
	out := make([]*models.DeletedAccount, 0, len(docs))
	for _, doc := range docs {
		d, err := decodeDeletedAccount(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// FindRecoverable returns the most recently deleted account for email that is
// still inside its recovery window, or nil when there is none.
func (r *storeDeletedAccountRepository) FindRecoverable(ctx context.Context, email string, now time.Time) (*models.DeletedAccount, error) {
	accounts, err := r.findByEmail(ctx, email, Where("recoverable", OpEqual, true))
	if err != nil {
		return nil, err
	}
	var best *models.DeletedAccount
	for _, d := range accounts {
		if !d.IsRecoverable(now) {
			continue
		}
		if best == nil || d.DeletedAt.After(best.DeletedAt) {
			best = d
		}
	}
	return best, nil
}

// FindSoftDeleted returns the most recently deleted soft_deleted account for
// email regardless of its window, or nil when there is none.
func (r *storeDeletedAccountRepository) FindSoftDeleted(ctx context.Context, email string) (*models.DeletedAccount, error) {
	accounts, err := r.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	var best *models.DeletedAccount
	for _, d := range accounts {
		if best == nil || d.DeletedAt.After(best.DeletedAt) {
			best = d
		}
	}
	return best, nil
}

func (r *storeDeletedAccountRepository) ListDueForPurge(ctx context.Context, now time.Time, limit int) ([]*models.DeletedAccount, error) {
	docs, err := r.store.Query(ctx, Query{
		Collection: CollDeletedAccounts,
		Filters: []Filter{
			Where("status", OpEqual, string(models.DeletedSoft)),
			Where("permanentDeletionDate", OpLessEqual, now.UTC()),
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.DeletedAccount, 0, len(docs))
	for _, doc := range docs {
		d, err := decodeDeletedAccount(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *storeDeletedAccountRepository) MarkRecovered(ctx context.Context, userID, newUserID string, now time.Time) error {
	err := r.store.Update(ctx, CollDeletedAccounts, userID, map[string]interface{}{
		"status":      string(models.DeletedRecovered),
		"recoverable": false,
		"recoveredAt": now.UTC(),
		"recoveredBy": newUserID,
	})
	if err != nil {
		return fmt.Errorf("failed to mark '%s' recovered: %w", userID, err)
	}
	return nil
}

func (r *storeDeletedAccountRepository) MarkPurged(ctx context.Context, userID string, now time.Time) error {
	err := r.store.Update(ctx, CollDeletedAccounts, userID, map[string]interface{}{
		"status":       string(models.DeletedPurged),
		"recoverable":  false,
		"purgedAt":     now.UTC(),
		"originalData": map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to mark '%s' purged: %w", userID, err)
	}
	return nil
}

type storeInvitationRepository struct {
	store Store
}

// NewInvitationRepository creates an InvitationRepository backed by store.
func NewInvitationRepository(store Store) InvitationRepository {
	return &storeInvitationRepository{store: store}
}

// FindOpenByEmail returns a pending or accepted invitation for email, or nil.
func (r *storeInvitationRepository) FindOpenByEmail(ctx context.Context, email string) (*models.TeamInvitation, error) {
	docs, err := r.store.Query(ctx, Query{
		Collection: CollTeamInvitations,
		Filters: []Filter{
			Where("inviteeEmail", OpEqual, models.NormalizeEmail(email)),
			Where("status", OpIn, []interface{}{models.InvitationPending, models.InvitationAccepted}),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var inv models.TeamInvitation
	if err := models.Decode(docs[0].Data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invitation '%s': %w", docs[0].ID, err)
	}
	inv.ID = docs[0].ID
	return &inv, nil
}

func (r *storeInvitationRepository) Link(ctx context.Context, invitationID, userID string, now time.Time) error {
	err := r.store.Update(ctx, CollTeamInvitations, invitationID, map[string]interface{}{
		"linkedUserId": userID,
		"updatedAt":    now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to link invitation '%s': %w", invitationID, err)
	}
	return nil
}
