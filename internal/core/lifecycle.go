package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// DefaultRetention is the recovery window of a deleted account.
const DefaultRetention = 30 * 24 * time.Hour

type accountRecoverer interface {
	Recover(ctx context.Context, acct *models.DeletedAccount, newUserID string) (*TransferResult, error)
}

type providerRestorer interface {
	RestoreFromProvider(ctx context.Context, userID string) (bool, error)
}

// LifecycleDeps wires a Lifecycle.
type LifecycleDeps struct {
	Store           db.Store
	Users           UserService
	UserRepo        db.UserRepository
	DeletedAccounts db.DeletedAccountRepository
	Invitations     db.InvitationRepository
	Usage           db.UsageRepository
	Recoverer       accountRecoverer
	// Restorer is optional. Its failures never block account creation.
	Restorer  providerRestorer
	Audit     AuditService
	Catalog   models.Catalog
	Effects   *EffectDispatcher
	Retention time.Duration
	BatchSize int
	Logger    *zap.Logger
	Clock     Clock
}

// Lifecycle handles account creation, deletion, recovery and purge.
type Lifecycle struct {
	store       db.Store
	users       UserService
	userRepo    db.UserRepository
	deleted     db.DeletedAccountRepository
	invitations db.InvitationRepository
	usage       db.UsageRepository
	recoverer   accountRecoverer
	restorer    providerRestorer
	audit       AuditService
	catalog     models.Catalog
	effects     *EffectDispatcher
	retention   time.Duration
	batchSize   int
	logger      *zap.Logger
	clock       Clock
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(d LifecycleDeps) *Lifecycle {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Catalog == nil {
		d.Catalog = models.DefaultCatalog()
	}
	if d.Retention <= 0 {
		d.Retention = DefaultRetention
	}
	if d.BatchSize <= 0 || d.BatchSize > db.MaxBatchWrites {
		d.BatchSize = 100
	}
	if d.Effects == nil {
		d.Effects = NewEffectDispatcher(d.Logger)
	}
	return &Lifecycle{
		store:       d.Store,
		users:       d.Users,
		userRepo:    d.UserRepo,
		deleted:     d.DeletedAccounts,
		invitations: d.Invitations,
		usage:       d.Usage,
		recoverer:   d.Recoverer,
		restorer:    d.Restorer,
		audit:       d.Audit,
		catalog:     d.Catalog,
		effects:     d.Effects,
		retention:   d.Retention,
		batchSize:   d.BatchSize,
		logger:      d.Logger,
		clock:       d.Clock,
	}
}

// CreateResult reports how a new identity was set up.
type CreateResult struct {
	UserID          string `json:"userId"`
	Recovered       bool   `json:"recovered"`
	RecoveredFrom   string `json:"recoveredFrom,omitempty"`
	ProfileCreated  bool   `json:"profileCreated"`
	Teammate        bool   `json:"teammate"`
	AccountHolderID string `json:"accountHolderId,omitempty"`
	Restored        bool   `json:"restored"`
}

// OnUserCreate sets up a new auth identity. A recoverable deleted account with
// the same email is restored instead of creating a fresh profile. Teammates get
// a usage record on teammate limits and never a subscription. Account holders
// get neither until their first billing event.
func (l *Lifecycle) OnUserCreate(ctx context.Context, user models.AuthUser) (*CreateResult, error) {
	if strings.TrimSpace(user.UID) == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidArgument)
	}
	now := l.clock()
	email := models.NormalizeEmail(user.Email)
	logger := l.logger.With(zap.String("userId", user.UID))
	result := &CreateResult{UserID: user.UID}

	if email != "" {
		acct, err := l.deleted.FindRecoverable(ctx, email, now)
		if err != nil {
			return nil, fmt.Errorf("failed to look up deleted accounts: %w", err)
		}
		if acct != nil {
			// A failed recovery returns the error so the event is redelivered.
			// The account stays soft-deleted until recovery finishes, so the
			// retry finds it again and moves what the first attempt left.
			if _, err := l.recoverer.Recover(ctx, acct, user.UID); err != nil {
				return nil, err
			}
			if err := l.deleted.MarkRecovered(ctx, acct.UserID, user.UID, now); err != nil {
				return nil, err
			}
			logger.Info("Recovered deleted account", zap.String("recoveredFrom", acct.UserID))
			result.Recovered = true
			result.RecoveredFrom = acct.UserID
			return result, nil
		}
	}

	// An open invitation for this email makes the new user a teammate.
	var invitation *models.TeamInvitation
	if email != "" {
		inv, err := l.invitations.FindOpenByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to look up team invitations: %w", err)
		}
		invitation = inv
	}

	// Teammates never own a subscription, so only account holders are restored.
	if invitation == nil && l.restorer != nil {
		restored, err := l.restorer.RestoreFromProvider(ctx, user.UID)
		if err != nil {
			logger.Warn("Subscription restore lookup failed", zap.Error(err))
		}
		result.Restored = restored
	}

	// GetOrCreate leaves an existing profile alone, so a redelivered event
	// does not reset it.
	_, created, err := l.users.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}
	result.ProfileCreated = created

	if invitation != nil {
		if err := l.setupTeammate(ctx, user.UID, invitation, now); err != nil {
			return nil, err
		}
		result.Teammate = true
		result.AccountHolderID = invitation.AccountHolderID
	}

	var effects Effects
	if l.audit != nil {
		effects.Add("audit", func(ctx context.Context) error {
			return l.audit.Record(ctx, models.AuditEvent{
				Type:   "account.created",
				Source: "auth_user_created",
				UserID: user.UID,
				Payload: map[string]interface{}{
					"teammate": result.Teammate,
					"restored": result.Restored,
				},
			})
		})
	}
	l.effects.Dispatch(ctx, effects, zap.String("userId", user.UID))

	logger.Info("User created", zap.Bool("teammate", result.Teammate), zap.Bool("restored", result.Restored))
	return result, nil
}

func (l *Lifecycle) setupTeammate(ctx context.Context, userID string, inv *models.TeamInvitation, now time.Time) error {
	_, err := l.usage.Get(ctx, userID, now)
	switch {
	case errors.Is(err, db.ErrNotFound):
		usage := models.NewUsage(userID, now, l.catalog.Plan(models.TierTeammate).Limits)
		if err := l.usage.Put(ctx, usage); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read teammate usage: %w", err)
	}
	if err := l.userRepo.LinkTeammate(ctx, userID, inv.AccountHolderID, now); err != nil {
		return err
	}
	return l.invitations.Link(ctx, inv.ID, userID, now)
}

// DeleteResult reports what a deletion soft-deleted.
type DeleteResult struct {
	UserID                string         `json:"userId"`
	PermanentDeletionDate time.Time      `json:"permanentDeletionDate"`
	Collections           map[string]int `json:"collections"`
}

// OnUserDelete soft-deletes every per-user document and records the account
// for recovery until the retention window ends. Re-running it keeps the
// original backup and deletion date.
func (l *Lifecycle) OnUserDelete(ctx context.Context, user models.AuthUser) (*DeleteResult, error) {
	if strings.TrimSpace(user.UID) == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidArgument)
	}
	now := l.clock()
	logger := l.logger.With(zap.String("userId", user.UID))

	acct, err := l.deleted.Get(ctx, user.UID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		acct, err = l.newDeletedAccount(ctx, user, now)
		if err != nil {
			return nil, err
		}
		if err := l.deleted.Create(ctx, acct); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read deleted account: %w", err)
	}

	result := &DeleteResult{
		UserID:                user.UID,
		PermanentDeletionDate: acct.PermanentDeletionDate,
		Collections:           map[string]int{},
	}
	var errs []error
	for _, c := range db.Collections(func(c db.UserCollection) bool { return c.SoftDelete }) {
		n, err := l.softDeleteCollection(ctx, c, user.UID, acct.DeletedAt, acct.PermanentDeletionDate)
		if n > 0 {
			result.Collections[c.Name] = n
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("Soft delete incomplete", zap.Error(err))
		return result, err
	}
	logger.Info("User soft-deleted", zap.Any("collections", result.Collections))
	return result, nil
}

func (l *Lifecycle) newDeletedAccount(ctx context.Context, user models.AuthUser, now time.Time) (*models.DeletedAccount, error) {
	acct := &models.DeletedAccount{
		UserID:                user.UID,
		Email:                 models.NormalizeEmail(user.Email),
		DeletedAt:             now,
		PermanentDeletionDate: now.Add(l.retention),
		Status:                models.DeletedSoft,
		Recoverable:           true,
	}
	userDoc, err := l.getRaw(ctx, db.CollUsers, user.UID)
	if err != nil {
		return nil, err
	}
	subDoc, err := l.getRaw(ctx, db.CollSubscriptions, user.UID)
	if err != nil {
		return nil, err
	}
	acct.OriginalData.User = userDoc
	acct.OriginalData.Subscription = subDoc
	if acct.Email == "" && userDoc != nil {
		if e, ok := userDoc["email"].(string); ok {
			acct.Email = models.NormalizeEmail(e)
		}
	}
	return acct, nil
}

func (l *Lifecycle) getRaw(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	doc, err := l.store.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to back up %s/%s: %w", collection, id, err)
	}
	return doc.Data, nil
}

// softDeleteCollection marks one collection's documents in batches. Documents
// already soft-deleted keep their recorded prior status.
func (l *Lifecycle) softDeleteCollection(ctx context.Context, c db.UserCollection, userID string, deletedAt, purgeAt time.Time) (int, error) {
	docs, err := db.UserDocuments(ctx, l.store, c, userID)
	if err != nil {
		return 0, err
	}
	var pending []*db.Document
	for _, d := range docs {
		if st, _ := d.Data["status"].(string); st != string(models.StatusSoftDeleted) {
			pending = append(pending, d)
		}
	}
	marked := 0
	for start := 0; start < len(pending); start += db.MaxBatchWrites {
		end := min(start+db.MaxBatchWrites, len(pending))
		batch := l.store.Batch()
		for _, d := range pending[start:end] {
			prev, _ := d.Data["status"].(string)
			batch.Update(c.Name, d.ID, map[string]interface{}{
				"status":                string(models.StatusSoftDeleted),
				"statusBeforeDeletion":  prev,
				"deletedAt":             deletedAt.UTC(),
				"permanentDeletionDate": purgeAt.UTC(),
			})
		}
		if err := batch.Commit(ctx); err != nil {
			return marked, err
		}
		marked += end - start
	}
	return marked, nil
}

// RunPurgeSweep hard-deletes accounts whose recovery window has ended, up to
// one batch per run. A failing account is logged and left for the next run.
func (l *Lifecycle) RunPurgeSweep(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	report := newSweepReport(JobPurge)
	defer report.finish(started)

	now := l.clock()
	due, err := l.deleted.ListDueForPurge(ctx, now, l.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts due for purge: %w", err)
	}
	for _, acct := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := l.logger.With(zap.String("job", JobPurge), zap.String("userId", acct.UserID))
		deleted, err := l.purgeAccount(ctx, acct.UserID)
		if err != nil {
			logger.Error("Purge failed", zap.Error(err))
			report.failed()
			continue
		}
		if err := l.deleted.MarkPurged(ctx, acct.UserID, now); err != nil {
			logger.Error("Failed to mark account purged", zap.Error(err))
			report.failed()
			continue
		}
		logger.Info("Account purged", zap.Int("documents", deleted))
		report.processed()
	}
	report.Complete = len(due) < l.batchSize
	return report, nil
}

func (l *Lifecycle) purgeAccount(ctx context.Context, userID string) (int, error) {
	deleted := 0
	for _, c := range db.Collections(func(c db.UserCollection) bool { return c.Purge }) {
		docs, err := db.UserDocuments(ctx, l.store, c, userID)
		if err != nil {
			return deleted, fmt.Errorf("%s: %w", c.Name, err)
		}
		for start := 0; start < len(docs); start += db.MaxBatchWrites {
			end := min(start+db.MaxBatchWrites, len(docs))
			batch := l.store.Batch()
			for _, d := range docs[start:end] {
				batch.Delete(c.Name, d.ID)
			}
			if err := batch.Commit(ctx); err != nil {
				return deleted, fmt.Errorf("%s: %w", c.Name, err)
			}
			deleted += end - start
		}
	}
	return deleted, nil
}

// Caller is the authenticated identity behind an RPC.
type Caller struct {
	UID   string
	Email string
	Admin bool
}

// MarkRecoveredRequest is the body of the mark-account-recovered RPC.
type MarkRecoveredRequest struct {
	Email     string `json:"email"`
	NewUserID string `json:"newUserId"`
}

// MarkRecoveredResult is the RPC response.
type MarkRecoveredResult struct {
	Success         bool   `json:"success"`
	DeletedUserID   string `json:"deletedUserId"`
	RecoveredUserID string `json:"recoveredUserId"`
}

// MarkAccountRecovered flips a soft-deleted account to recovered by hand.
// It does not move any data.
func (l *Lifecycle) MarkAccountRecovered(ctx context.Context, caller Caller, req MarkRecoveredRequest) (*MarkRecoveredResult, error) {
	if caller.UID == "" {
		return nil, ErrUnauthenticated
	}
	if !caller.Admin {
		return nil, fmt.Errorf("%w: admin role required", ErrPermissionDenied)
	}
	email := models.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.NewUserID) == "" {
		return nil, fmt.Errorf("%w: email and newUserId are required", ErrInvalidArgument)
	}
	acct, err := l.deleted.FindSoftDeleted(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up deleted account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: no soft-deleted account for %s", ErrAccountNotFound, email)
	}
	now := l.clock()
	if err := l.deleted.MarkRecovered(ctx, acct.UserID, req.NewUserID, now); err != nil {
		return nil, err
	}
	l.logger.Info("Account marked recovered",
		zap.String("userId", acct.UserID),
		zap.String("recoveredBy", req.NewUserID),
		zap.String("adminId", caller.UID),
	)
	return &MarkRecoveredResult{Success: true, DeletedUserID: acct.UserID, RecoveredUserID: req.NewUserID}, nil
}
