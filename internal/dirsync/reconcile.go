package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/telemetry"
)

// UserStore is the local cache as seen by the reconciler
type UserStore interface {
	ListAll(ctx context.Context) ([]*models.DirectoryUser, error)
	ApplyBatch(ctx context.Context, inserts, updates []*models.DirectoryUser) error
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}

// Result counts what one reconciliation did. New+Updated+Unchanged+Rejected equals Fetched.
type Result struct {
	Fetched   int
	New       int
	Updated   int
	Unchanged int
	Rejected  int
	Deleted   int
	// DeleteFailures is the number of orphan batches that could not be deleted
	DeleteFailures  int
	DeletionSkipped bool
	SkipReason      string
	DataIssues      []DataIssue
}

// Engine applies remote listings to the local cache in bounded batches
type Engine struct {
	store             UserStore
	batchSize         int
	commitTimeout     time.Duration
	maxDeleteFraction float64
	logger            *slog.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(store UserStore, cfg config.SyncConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 200
	}
	return &Engine{
		store:             store,
		batchSize:         batchSize,
		commitTimeout:     cfg.CommitTimeout,
		maxDeleteFraction: cfg.MaxDeleteFraction,
		logger:            logger,
	}
}

// reconcileState is the in-memory view of the cache for one run
type reconcileState struct {
	byExternalID map[string]*models.DirectoryUser
	byUsername   map[string]*models.DirectoryUser
	// claimed holds the local rows already matched by a record earlier in this run
	claimed map[*models.DirectoryUser]bool
}

func newReconcileState(locals []*models.DirectoryUser) *reconcileState {
	s := &reconcileState{
		byExternalID: make(map[string]*models.DirectoryUser, len(locals)),
		byUsername:   make(map[string]*models.DirectoryUser, len(locals)),
		claimed:      make(map[*models.DirectoryUser]bool),
	}
	for _, u := range locals {
		s.index(u)
	}
	return s
}

func (s *reconcileState) index(u *models.DirectoryUser) {
	if u.ExternalID != nil {
		s.byExternalID[*u.ExternalID] = u
	}
	if u.Username != nil {
		s.byUsername[*u.Username] = u
	}
}

func (s *reconcileState) unindex(u *models.DirectoryUser) {
	if u.ExternalID != nil && s.byExternalID[*u.ExternalID] == u {
		delete(s.byExternalID, *u.ExternalID)
	}
	if u.Username != nil && s.byUsername[*u.Username] == u {
		delete(s.byUsername, *u.Username)
	}
}

// Reconcile applies records to the cache. In full mode it then deletes local rows whose
// external ID and username both vanished from the listing; reportedTotal is the remote
// collection size (-1 if unknown) and gates that deletion pass. Batches committed before an
// error stay committed; the returned Result reflects them.
func (e *Engine) Reconcile(ctx context.Context, records []directory.Record, mode string, reportedTotal int) (*Result, error) {
	res := &Result{Fetched: len(records)}

	locals, err := e.store.ListAll(ctx)
	if err != nil {
		return res, storeError("load local users", err)
	}
	state := newReconcileState(locals)

	remoteIDs := make(map[string]struct{}, len(records))
	remoteUsernames := make(map[string]struct{}, len(records))

	for start := 0; start < len(records); start += e.batchSize {
		end := start + e.batchSize
		if end > len(records) {
			end = len(records)
		}

		var inserts, updates []*models.DirectoryUser
		var batchNew, batchUpdated int
		for _, rec := range records[start:end] {
			remote, issues := Normalize(rec)
			if remote.ExternalID != nil {
				remoteIDs[*remote.ExternalID] = struct{}{}
			}
			if remote.Username != nil {
				remoteUsernames[*remote.Username] = struct{}{}
			}

			outcome, staged, extra := e.classify(state, &remote, issues)
			issues = append(issues, extra...)
			e.recordIssues(res, issues)

			switch outcome {
			case outcomeNew:
				inserts = append(inserts, staged)
				batchNew++
			case outcomeUpdated:
				updates = append(updates, staged)
				batchUpdated++
			case outcomeUnchanged:
				res.Unchanged++
			case outcomeRejected:
				res.Rejected++
			}
		}

		if err := e.applyBatch(ctx, inserts, updates); err != nil {
			e.logger.Error("directory batch failed", "batch_start", start, "batch_size", end-start, "error", err)
			return res, storeError("apply batch", err)
		}
		res.New += batchNew
		res.Updated += batchUpdated

		e.logger.Debug("directory batch applied",
			"batch_start", start,
			"inserted", len(inserts),
			"updated", len(updates),
		)
	}

	if mode == models.SyncModeFull {
		if err := e.deleteOrphans(ctx, res, remoteIDs, remoteUsernames, reportedTotal); err != nil {
			return res, err
		}
	}

	return res, nil
}

type recordOutcome int

const (
	outcomeNew recordOutcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeRejected
)

// classify resolves one normalized record against the in-memory state and stages it.
// Staged rows are indexed immediately so a later record in the same run sees them.
func (e *Engine) classify(state *reconcileState, remote *models.DirectoryUser, issues []DataIssue) (recordOutcome, *models.DirectoryUser, []DataIssue) {
	if remote.ExternalID == nil && remote.Username == nil {
		return outcomeRejected, nil, []DataIssue{{Field: FieldIdentity, Reason: "record has neither external id nor username"}}
	}

	match := Resolve(remote, state.byExternalID, state.byUsername)
	if match.Kind == MatchNew {
		row := remote.Clone()
		state.index(row)
		state.claimed[row] = true
		return outcomeNew, row, nil
	}

	local := match.Local
	if state.claimed[local] {
		return outcomeRejected, nil, []DataIssue{{
			ExternalID: deref(remote.ExternalID),
			Username:   deref(remote.Username),
			Field:      FieldIdentity,
			Reason:     "correlates with a row already matched by another record in this listing",
		}}
	}
	state.claimed[local] = true

	var extra []DataIssue
	desired := local.Clone()
	desired.FirstName = remote.FirstName
	desired.LastName = remote.LastName
	desired.Email = remote.Email
	desired.IsActive = remote.IsActive
	desired.Attributes = remote.Attributes
	if !hasIssue(issues, FieldLastLogin) {
		desired.LastLogin = remote.LastLogin
	}
	if remote.ExternalID != nil {
		// backfills the ID on a username match, replacing a stale one
		desired.ExternalID = remote.ExternalID
	}
	if remote.Username != nil && !equalStringPtr(local.Username, remote.Username) {
		if other, taken := state.byUsername[*remote.Username]; taken && other != local {
			extra = append(extra, DataIssue{
				ExternalID: deref(remote.ExternalID),
				Username:   *remote.Username,
				Field:      FieldUsername,
				Reason:     "username already belongs to another local user; keeping " + deref(local.Username),
			})
		} else {
			desired.Username = remote.Username
		}
	}

	if !changed(local, desired) {
		return outcomeUnchanged, nil, extra
	}

	state.unindex(local)
	copyTracked(local, desired)
	state.index(local)
	return outcomeUpdated, local, extra
}

func (e *Engine) applyBatch(ctx context.Context, inserts, updates []*models.DirectoryUser) error {
	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}
	ctx, cancel := e.withCommitTimeout(ctx)
	defer cancel()
	return e.store.ApplyBatch(ctx, inserts, updates)
}

// deleteOrphans removes local rows whose external ID and username are both absent from a
// complete listing. Rows without an external ID were never seen upstream and are kept.
func (e *Engine) deleteOrphans(ctx context.Context, res *Result, remoteIDs, remoteUsernames map[string]struct{}, reportedTotal int) error {
	locals, err := e.store.ListAll(ctx)
	if err != nil {
		return storeError("reload local users", err)
	}

	var orphans []string
	correlated := 0
	for _, u := range locals {
		if u.ExternalID == nil {
			continue
		}
		correlated++
		if _, ok := remoteIDs[*u.ExternalID]; ok {
			continue
		}
		if u.Username != nil {
			if _, ok := remoteUsernames[*u.Username]; ok {
				continue
			}
		}
		orphans = append(orphans, u.ID)
	}

	if len(orphans) == 0 {
		return nil
	}

	if reportedTotal >= 0 && reportedTotal != res.Fetched {
		res.DeletionSkipped = true
		res.SkipReason = fmt.Sprintf("remote reported %d records but %d were fetched", reportedTotal, res.Fetched)
		e.logger.Warn("skipping orphan deletion", "reason", res.SkipReason, "orphans", len(orphans))
		return nil
	}
	if e.maxDeleteFraction > 0 && float64(len(orphans)) > e.maxDeleteFraction*float64(correlated) {
		res.DeletionSkipped = true
		res.SkipReason = fmt.Sprintf("%d of %d correlated users would be deleted, above the %.0f%% limit",
			len(orphans), correlated, e.maxDeleteFraction*100)
		e.logger.Warn("skipping orphan deletion", "reason", res.SkipReason, "orphans", len(orphans))
		return nil
	}

	for start := 0; start < len(orphans); start += e.batchSize {
		end := start + e.batchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[start:end]

		n, err := e.deleteBatch(ctx, batch)
		if err != nil {
			res.DeleteFailures++
			telemetry.DirectoryDeleteFailuresTotal.Inc()
			e.logger.Error("failed to delete orphan batch", "batch_size", len(batch), "error", err)
			continue
		}
		res.Deleted += n
	}

	e.logger.Info("orphan deletion complete", "orphans", len(orphans), "deleted", res.Deleted, "failed_batches", res.DeleteFailures)
	return nil
}

func (e *Engine) deleteBatch(ctx context.Context, ids []string) (int, error) {
	ctx, cancel := e.withCommitTimeout(ctx)
	defer cancel()
	return e.store.DeleteByIDs(ctx, ids)
}

func (e *Engine) withCommitTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.commitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.commitTimeout)
}

func (e *Engine) recordIssues(res *Result, issues []DataIssue) {
	for _, issue := range issues {
		telemetry.DirectoryDataIssuesTotal.WithLabelValues(issue.Field).Inc()
		e.logger.Debug("directory record data issue",
			"external_id", issue.ExternalID,
			"username", issue.Username,
			"field", issue.Field,
			"reason", issue.Reason,
		)
	}
	res.DataIssues = append(res.DataIssues, issues...)
}

// changed reports whether any tracked field differs
func changed(a, b *models.DirectoryUser) bool {
	return !equalStringPtr(a.ExternalID, b.ExternalID) ||
		!equalStringPtr(a.Username, b.Username) ||
		a.FirstName != b.FirstName ||
		a.LastName != b.LastName ||
		a.Email != b.Email ||
		a.IsActive != b.IsActive ||
		!equalTimePtr(a.LastLogin, b.LastLogin) ||
		!a.Attributes.Equal(b.Attributes)
}

func copyTracked(dst, src *models.DirectoryUser) {
	dst.ExternalID = src.ExternalID
	dst.Username = src.Username
	dst.FirstName = src.FirstName
	dst.LastName = src.LastName
	dst.Email = src.Email
	dst.IsActive = src.IsActive
	dst.LastLogin = src.LastLogin
	dst.Attributes = src.Attributes
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
