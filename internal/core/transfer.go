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

// ErrTransferAborted is returned in strict mode when any collection failed to stage.
var ErrTransferAborted = errors.New("transfer aborted")

// TransferRequest moves every per-user document from one user id to another.
type TransferRequest struct {
	FromUserID string
	ToUserID   string
	EventID    string
	Trigger    string
	Payload    map[string]interface{}
}

// TransferResult reports what one transfer or recovery committed.
type TransferResult struct {
	FromUserID  string         `json:"fromUserId"`
	ToUserID    string         `json:"toUserId"`
	Writes      int            `json:"writes"`
	Batches     int            `json:"batches"`
	Collections map[string]int `json:"collections"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// TransferDeps wires a TransferEngine.
type TransferDeps struct {
	Store         db.Store
	Audit         AuditService
	Notifications NotificationService
	Effects       *EffectDispatcher
	// Strict aborts the whole transfer when any collection fails to stage.
	// Otherwise the staged remainder is committed and failures are logged.
	Strict bool
	Logger *zap.Logger
	Clock  Clock
}

// TransferEngine migrates per-user documents between identities. Every
// mutation of one run is staged locally before anything is written, then
// committed in as few batches as the store allows. A run that stops between
// batches is finished by running it again.
type TransferEngine struct {
	store         db.Store
	audit         AuditService
	notifications NotificationService
	effects       *EffectDispatcher
	strict        bool
	logger        *zap.Logger
	clock         Clock
}

// NewTransferEngine creates a TransferEngine.
func NewTransferEngine(d TransferDeps) *TransferEngine {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Effects == nil {
		d.Effects = NewEffectDispatcher(d.Logger)
	}
	return &TransferEngine{
		store:         d.Store,
		audit:         d.Audit,
		notifications: d.Notifications,
		effects:       d.Effects,
		strict:        d.Strict,
		logger:        d.Logger,
		clock:         d.Clock,
	}
}

type writeKind int

const (
	writeSet writeKind = iota
	writeUpdate
	writeDelete
)

type stagedWrite struct {
	kind       writeKind
	collection string
	id         string
	data       map[string]interface{}
}

func setWrite(collection, id string, data map[string]interface{}) stagedWrite {
	return stagedWrite{writeSet, collection, id, data}
}

func updateWrite(collection, id string, data map[string]interface{}) stagedWrite {
	return stagedWrite{writeUpdate, collection, id, data}
}

func deleteWrite(collection, id string) stagedWrite {
	return stagedWrite{writeDelete, collection, id, nil}
}

// writeUnit is a group of writes that must land in the same batch. A copy and
// the transferred mark on its source form one unit, so a rerun after a
// partial commit either sees the source marked and skips it, or copies it
// again from scratch.
type writeUnit []stagedWrite

// stage collects one collection's units. It only reaches the commit when the
// whole collection staged cleanly.
type stage []writeUnit

func (s *stage) add(writes ...stagedWrite) {
	*s = append(*s, writeUnit(writes))
}

func (s stage) writes() int {
	n := 0
	for _, u := range s {
		n += len(u)
	}
	return n
}

type stagedTransfer struct {
	units    []writeUnit
	total    int
	counts   map[string]int
	warnings []error
}

func newStagedTransfer() *stagedTransfer {
	return &stagedTransfer{counts: map[string]int{}}
}

func (t *stagedTransfer) add(collection string, s stage, err error) {
	if err != nil {
		t.warnings = append(t.warnings, fmt.Errorf("%s: %w", collection, err))
		return
	}
	if len(s) == 0 {
		return
	}
	t.units = append(t.units, s...)
	t.counts[collection] += s.writes()
	t.total += s.writes()
}

// batches packs units, in staging order, into batches of at most
// db.MaxBatchWrites writes without splitting a unit.
func (t *stagedTransfer) batches() [][]stagedWrite {
	var (
		out     [][]stagedWrite
		current []stagedWrite
	)
	for _, u := range t.units {
		if len(current)+len(u) > db.MaxBatchWrites && len(current) > 0 {
			out = append(out, current)
			current = nil
		}
		current = append(current, u...)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// commit writes the staged units batch by batch. Batches already committed
// stay committed when a later one fails; the returned result counts them and
// the caller retries the whole run, which skips what already moved.
func (e *TransferEngine) commit(ctx context.Context, t *stagedTransfer, from, to string) (*TransferResult, error) {
	result := &TransferResult{FromUserID: from, ToUserID: to, Collections: t.counts}
	for _, w := range t.warnings {
		result.Warnings = append(result.Warnings, w.Error())
	}
	if len(t.warnings) > 0 {
		joined := errors.Join(t.warnings...)
		if e.strict {
			return result, fmt.Errorf("%w: %w", ErrTransferAborted, joined)
		}
		e.logger.Warn("Committing transfer without failed collections",
			zap.String("fromUserId", from), zap.String("toUserId", to), zap.Error(joined))
	}
	for _, writes := range t.batches() {
		batch := e.store.Batch()
		for _, w := range writes {
			switch w.kind {
			case writeSet:
				batch.Set(w.collection, w.id, w.data)
			case writeUpdate:
				batch.Update(w.collection, w.id, w.data)
			case writeDelete:
				batch.Delete(w.collection, w.id)
			}
		}
		if err := batch.Commit(ctx); err != nil {
			return result, fmt.Errorf("failed to commit transfer after %d of %d writes: %w", result.Writes, t.total, err)
		}
		result.Writes += len(writes)
		result.Batches++
	}
	return result, nil
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func isTransferred(data map[string]interface{}) bool {
	s, _ := data["status"].(string)
	return s == string(models.StatusTransferred)
}

func transferredMark(to string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":        string(models.StatusTransferred),
		"transferredTo": to,
		"transferredAt": now,
		"updatedAt":     now,
	}
}

// Transfer moves from's data to to. Documents already marked transferred
// are skipped, so a redelivered transfer commits nothing new.
func (e *TransferEngine) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	from, to := strings.TrimSpace(req.FromUserID), strings.TrimSpace(req.ToUserID)
	if from == "" || to == "" || from == to {
		return nil, fmt.Errorf("%w: transfer needs two distinct user ids", ErrInvalidArgument)
	}
	now := e.clock()
	logger := e.logger.With(zap.String("fromUserId", from), zap.String("toUserId", to), zap.String("eventId", req.EventID))

	if e.audit != nil {
		payload := map[string]interface{}{"fromUserId": from, "toUserId": to, "trigger": req.Trigger}
		for k, v := range req.Payload {
			payload[k] = v
		}
		if err := e.audit.Record(ctx, models.AuditEvent{
			Type:    "account.transfer",
			Source:  req.Trigger,
			UserID:  to,
			Payload: payload,
		}); err != nil {
			logger.Warn("Failed to write transfer audit entry", zap.Error(err))
		}
	}

	// Collections stage in registry order, so the subscription copy lands in
	// the first batch and the new user has a plan even if a later batch fails.
	// A collection whose staging fails is left out whole; in strict mode the
	// run stops before anything is written.
	staged := newStagedTransfer()
	for _, c := range db.Collections(func(c db.UserCollection) bool { return c.Transfer != db.TransferNone }) {
		s, err := e.stageTransfer(ctx, c, from, to, req.EventID, now)
		staged.add(c.Name, s, err)
	}

	result, err := e.commit(ctx, staged, from, to)
	if err != nil {
		logger.Error("Transfer failed", zap.Error(err))
		return result, err
	}

	var effects Effects
	if e.notifications != nil && result.Writes > 0 {
		effects.Add("notify-account-transferred", func(ctx context.Context) error {
			return e.notifications.NotifyUser(ctx, to, models.NotifyAccountTransferred, map[string]interface{}{
				"fromUserId": from,
			})
		})
	}
	e.effects.Dispatch(ctx, effects, zap.String("fromUserId", from), zap.String("toUserId", to))

	logger.Info("Transfer committed", zap.Int("writes", result.Writes), zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (e *TransferEngine) stageTransfer(ctx context.Context, c db.UserCollection, from, to, eventID string, now time.Time) (stage, error) {
	docs, err := db.UserDocuments(ctx, e.store, c, from)
	if err != nil {
		return nil, err
	}
	var s stage
	for _, doc := range docs {
		if isTransferred(doc.Data) {
			continue
		}
		switch c.Transfer {
		case db.TransferCopy:
			if err := e.stageCopy(&s, c, doc, from, to, eventID, now); err != nil {
				return nil, err
			}
		case db.TransferRepoint:
			fields := map[string]interface{}{"updatedAt": now}
			for _, f := range c.OwnerFields {
				if v, _ := doc.Data[f].(string); v == from {
					fields[f] = to
				}
			}
			s.add(updateWrite(c.Name, doc.ID, fields))
		}
	}
	return s, nil
}

func (e *TransferEngine) stageCopy(s *stage, c db.UserCollection, doc *db.Document, from, to, eventID string, now time.Time) error {
	data := cloneData(doc.Data)
	delete(data, "transferredTo")
	delete(data, "transferredAt")
	data["transferredFrom"] = from
	data["updatedAt"] = now

	var targetID string
	switch c.Key {
	case db.KeyDocID:
		targetID = to
		data["userId"] = to
	case db.KeyPrefix:
		id, ok := models.RekeyUsage(doc.ID, from, to)
		if !ok {
			return fmt.Errorf("document %s is not keyed by %s", doc.ID, from)
		}
		targetID = id
		data["userId"] = to
	default:
		targetID = e.store.NewID(c.Name)
		data["originalId"] = doc.ID
		for _, f := range c.OwnerFields {
			if v, _ := data[f].(string); v == from {
				data[f] = to
			}
		}
	}

	if c.Name == db.CollSubscriptions {
		if err := appendTransferHistory(data, eventID, now); err != nil {
			return err
		}
	}

	s.add(setWrite(c.Name, targetID, data), updateWrite(c.Name, doc.ID, transferredMark(to, now)))
	return nil
}

// appendTransferHistory adds one account_transfer entry to a copied
// subscription document. The entry carries the triggering event id, so the
// tier update for the same event does not add a second one.
func appendTransferHistory(data map[string]interface{}, eventID string, now time.Time) error {
	var sub models.Subscription
	if err := models.Decode(data, &sub); err != nil {
		return err
	}
	history, _ := data["history"].([]interface{})
	entry := models.HistoryEntry{
		Tier:      sub.CurrentTier,
		StartDate: now,
		Reason:    models.ReasonAccountTransfer,
		EventID:   eventID,
	}
	data["history"] = append(append([]interface{}(nil), history...), entry.ToMap())
	return nil
}

// Recover restores a soft-deleted account under newUserID. Backed-up user
// and subscription documents are written under the new id and the old ones
// removed. Soft-deleted documents get their pre-deletion status back and are
// repointed to the new id.
func (e *TransferEngine) Recover(ctx context.Context, acct *models.DeletedAccount, newUserID string) (*TransferResult, error) {
	from, to := acct.UserID, strings.TrimSpace(newUserID)
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: recovery needs both user ids", ErrInvalidArgument)
	}
	now := e.clock()
	logger := e.logger.With(zap.String("fromUserId", from), zap.String("toUserId", to))

	// Backed-up documents go first. Each restore pairs the write under the new
	// id with the delete of the old one, and reactivated documents stop
	// matching the soft_deleted filter, so a rerun picks up where a failed
	// batch stopped.
	staged := newStagedTransfer()
	s, err := e.stageRestore(ctx, db.CollUsers, acct.OriginalData.User, from, to, now)
	staged.add(db.CollUsers, s, err)
	s, err = e.stageRestore(ctx, db.CollSubscriptions, acct.OriginalData.Subscription, from, to, now)
	staged.add(db.CollSubscriptions, s, err)

	for _, c := range db.Collections(func(c db.UserCollection) bool { return c.SoftDelete && c.Key != db.KeyDocID }) {
		s, err := e.stageReactivate(ctx, c, from, to, now)
		staged.add(c.Name, s, err)
	}

	result, err := e.commit(ctx, staged, from, to)
	if err != nil {
		logger.Error("Account recovery failed", zap.Error(err))
		return result, err
	}
	if e.audit != nil {
		var effects Effects
		effects.Add("audit", func(ctx context.Context) error {
			return e.audit.Record(ctx, models.AuditEvent{
				Type:    "account.recovered",
				Source:  "auth_user_created",
				UserID:  to,
				Payload: map[string]interface{}{"fromUserId": from, "writes": result.Writes},
			})
		})
		e.effects.Dispatch(ctx, effects, zap.String("userId", to))
	}
	logger.Info("Account recovered", zap.Int("writes", result.Writes))
	return result, nil
}

func (e *TransferEngine) stageRestore(ctx context.Context, collection string, backup map[string]interface{}, from, to string, now time.Time) (stage, error) {
	var unit []stagedWrite
	if len(backup) > 0 {
		data := cloneData(backup)
		data["userId"] = to
		data["recoveredFrom"] = from
		data["updatedAt"] = now
		unit = append(unit, setWrite(collection, to, data))
	}
	if _, err := e.store.Get(ctx, collection, from); err == nil {
		unit = append(unit, deleteWrite(collection, from))
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	var s stage
	if len(unit) > 0 {
		s.add(unit...)
	}
	return s, nil
}

func restoredFields(data map[string]interface{}, now time.Time) map[string]interface{} {
	var status interface{}
	if prev, _ := data["statusBeforeDeletion"].(string); prev != "" {
		status = prev
	}
	return map[string]interface{}{
		"status":                status,
		"statusBeforeDeletion":  nil,
		"deletedAt":             nil,
		"permanentDeletionDate": nil,
		"updatedAt":             now,
	}
}

func (e *TransferEngine) stageReactivate(ctx context.Context, c db.UserCollection, from, to string, now time.Time) (stage, error) {
	docs, err := db.UserDocuments(ctx, e.store, c, from)
	if err != nil {
		return nil, err
	}
	var s stage
	for _, doc := range docs {
		if st, _ := doc.Data["status"].(string); st != string(models.StatusSoftDeleted) {
			continue
		}
		fields := restoredFields(doc.Data, now)
		if c.Key == db.KeyPrefix {
			id, ok := models.RekeyUsage(doc.ID, from, to)
			if !ok {
				return nil, fmt.Errorf("document %s is not keyed by %s", doc.ID, from)
			}
			data := cloneData(doc.Data)
			for k, v := range fields {
				data[k] = v
			}
			data["userId"] = to
			data["transferredFrom"] = from
			s.add(setWrite(c.Name, id, data), deleteWrite(c.Name, doc.ID))
			continue
		}
		for _, f := range c.OwnerFields {
			if v, _ := doc.Data[f].(string); v == from {
				fields[f] = to
			}
		}
		s.add(updateWrite(c.Name, doc.ID, fields))
	}
	return s, nil
}
