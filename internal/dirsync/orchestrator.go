package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/lock"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/telemetry"
)

// Outcome statuses
const (
	StatusSkipped   = "skipped"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const syncActor = "system"

// ReasonInFlight is the Outcome.Reason of a run skipped because another run holds the guard
const ReasonInFlight = "sync already in flight"

// Source is the remote directory as seen by the orchestrator
type Source interface {
	FetchAll(ctx context.Context, modifiedSince *time.Time) (*directory.Listing, error)
	LatestModified(ctx context.Context) (*time.Time, error)
}

// EventShipper forwards written sync events to external audit sinks
type EventShipper interface {
	ShipEvent(ctx context.Context, event *models.SyncEvent) error
}

// Outcome summarises one RunSync call
type Outcome struct {
	Status          string        `json:"status"`
	Mode            string        `json:"mode,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Fetched         int           `json:"fetched"`
	New             int           `json:"new"`
	Updated         int           `json:"updated"`
	Unchanged       int           `json:"unchanged"`
	Deleted         int           `json:"deleted"`
	DeleteFailures  int           `json:"delete_failures"`
	Rejected        int           `json:"rejected"`
	DataIssues      int           `json:"data_issues"`
	DeletionSkipped bool          `json:"deletion_skipped"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
	EventID         string        `json:"event_id,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// RunOptions adjusts a single run
type RunOptions struct {
	// Force skips the staleness check
	Force bool
	// Full forces a full sync; otherwise the mode follows the full sync interval
	Full bool
}

// Status is the advisory view used by status pages
type Status struct {
	SyncDue      bool              `json:"sync_due"`
	FullSyncDue  bool              `json:"full_sync_due"`
	InFlight     bool              `json:"in_flight"`
	LastSync     *models.SyncEvent `json:"last_sync"`
	LastFullSync *models.SyncEvent `json:"last_full_sync"`
}

// Orchestrator runs directory syncs one at a time and records each completed run
type Orchestrator struct {
	source    Source
	engine    *Engine
	trigger   *Trigger
	events    EventStore
	guard     lock.Locker
	shipper   EventShipper
	eventType string
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the sync components together. shipper may be nil.
func NewOrchestrator(source Source, users UserStore, events EventStore, guard lock.Locker, shipper EventShipper, cfg config.SyncConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = lock.NewMemory()
	}
	return &Orchestrator{
		source:    source,
		engine:    NewEngine(users, cfg, logger),
		trigger:   NewTrigger(events, source, guard, cfg, logger),
		events:    events,
		guard:     guard,
		shipper:   shipper,
		eventType: cfg.EventType,
		logger:    logger,
		now:       time.Now,
	}
}

// setClock replaces the clock of the orchestrator and its trigger
func (o *Orchestrator) setClock(now func() time.Time) {
	o.now = now
	o.trigger.now = now
}

// ShouldSync reports whether a sync is due without starting one
func (o *Orchestrator) ShouldSync(ctx context.Context) bool {
	return o.trigger.ShouldSync(ctx)
}

// IsFullSyncDue reports whether the next sync will be a full one
func (o *Orchestrator) IsFullSyncDue(ctx context.Context) bool {
	return o.trigger.IsFullSyncDue(ctx)
}

// Status returns the advisory sync state
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	inFlight, err := o.guard.Locked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect sync guard: %w", err)
	}
	last, err := o.events.Latest(ctx, o.eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync: %w", err)
	}
	lastFull, err := o.events.LatestWithMode(ctx, o.eventType, models.SyncModeFull)
	if err != nil {
		return nil, fmt.Errorf("failed to load last full sync: %w", err)
	}
	return &Status{
		SyncDue:      !inFlight && o.trigger.ShouldSync(ctx),
		FullSyncDue:  o.trigger.IsFullSyncDue(ctx),
		InFlight:     inFlight,
		LastSync:     last,
		LastFullSync: lastFull,
	}, nil
}

// RunSync performs a sync if one is due
func (o *Orchestrator) RunSync(ctx context.Context) (Outcome, error) {
	return o.Run(ctx, RunOptions{})
}

// Run performs one sync attempt. A run that finds nothing to do, or finds another run in
// flight, is skipped without error. A failed run writes no sync event, so the old
// watermark stays in place and the next check retries.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	started := o.now()
	out := Outcome{StartedAt: started}

	acquired, err := o.guard.TryLock(ctx)
	if err != nil {
		return o.fail(out, &Error{Kind: KindTransient, Op: "acquire guard", Err: err})
	}
	if !acquired {
		return o.skip(out, ReasonInFlight), nil
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.guard.Unlock(unlockCtx); err != nil {
			o.logger.Error("failed to release sync guard", "error", err)
		}
	}()

	decision, err := o.trigger.Evaluate(ctx)
	if err != nil {
		return o.fail(out, storeError("load watermark", err))
	}
	if !decision.Due && !opts.Force {
		return o.skip(out, decision.Reason), nil
	}

	full := opts.Full
	if !full {
		full, err = o.trigger.fullSyncDue(ctx, decision.Last)
		if err != nil {
			return o.fail(out, storeError("load last full sync", err))
		}
	}
	if decision.Last == nil {
		full = true
	}

	out.Mode = models.SyncModeIncremental
	var modifiedSince *time.Time
	if full {
		out.Mode = models.SyncModeFull
	} else {
		watermark := decision.Last.WatermarkAt
		modifiedSince = &watermark
	}

	o.logger.Info("directory sync started", "mode", out.Mode, "reason", decision.Reason, "forced", opts.Force)

	listing, err := o.source.FetchAll(ctx, modifiedSince)
	if err != nil {
		return o.fail(out, fetchError(err))
	}

	res, err := o.engine.Reconcile(ctx, listing.Records, out.Mode, listing.ReportedTotal)
	if res != nil {
		out.apply(res)
	}
	if err != nil {
		return o.fail(out, asSyncError("reconcile", err))
	}

	event := &models.SyncEvent{
		EventType:      o.eventType,
		Actor:          syncActor,
		Mode:           out.Mode,
		Details:        summary(out),
		Fetched:        out.Fetched,
		NewCount:       out.New,
		UpdatedCount:   out.Updated,
		UnchangedCount: out.Unchanged,
		DeletedCount:   out.Deleted,
		DeleteFailures: out.DeleteFailures,
		WatermarkAt:    started,
	}
	if err := o.events.Create(ctx, event); err != nil {
		return o.fail(out, storeError("record sync event", err))
	}
	out.EventID = event.ID

	if o.shipper != nil {
		if err := o.shipper.ShipEvent(ctx, event); err != nil {
			o.logger.Warn("failed to ship sync event", "event_id", event.ID, "error", err)
		}
	}

	out.Status = StatusSucceeded
	o.finish(&out)
	telemetry.DirectorySyncLastSuccess.Set(float64(started.Unix()))
	for outcome, n := range map[string]int{
		"new":       out.New,
		"updated":   out.Updated,
		"unchanged": out.Unchanged,
		"deleted":   out.Deleted,
		"rejected":  out.Rejected,
	} {
		telemetry.DirectorySyncRecordsTotal.WithLabelValues(outcome).Add(float64(n))
	}

	o.logger.Info("directory sync completed",
		"mode", out.Mode,
		"fetched", out.Fetched,
		"new", out.New,
		"updated", out.Updated,
		"unchanged", out.Unchanged,
		"deleted", out.Deleted,
		"delete_failures", out.DeleteFailures,
		"rejected", out.Rejected,
		"data_issues", out.DataIssues,
		"deletion_skipped", out.DeletionSkipped,
		"duration", out.Duration,
	)
	return out, nil
}

func (out *Outcome) apply(res *Result) {
	out.Fetched = res.Fetched
	out.New = res.New
	out.Updated = res.Updated
	out.Unchanged = res.Unchanged
	out.Deleted = res.Deleted
	out.DeleteFailures = res.DeleteFailures
	out.Rejected = res.Rejected
	out.DataIssues = len(res.DataIssues)
	out.DeletionSkipped = res.DeletionSkipped
	if res.DeletionSkipped {
		out.Reason = res.SkipReason
	}
}

func (o *Orchestrator) skip(out Outcome, reason string) Outcome {
	out.Status = StatusSkipped
	out.Reason = reason
	o.finish(&out)
	o.logger.Debug("directory sync skipped", "reason", reason)
	return out
}

func (o *Orchestrator) fail(out Outcome, err *Error) (Outcome, error) {
	out.Status = StatusFailed
	out.Error = err.Error()
	o.finish(&out)
	o.logger.Error("directory sync failed",
		"mode", out.Mode,
		"op", err.Op,
		"kind", err.Kind.String(),
		"error", err.Err,
		"duration", out.Duration,
	)
	return out, err
}

func (o *Orchestrator) finish(out *Outcome) {
	out.Duration = o.now().Sub(out.StartedAt)
	out.DurationSeconds = out.Duration.Seconds()

	mode := out.Mode
	if mode == "" {
		mode = "none"
	}
	telemetry.DirectorySyncRunsTotal.WithLabelValues(mode, out.Status).Inc()
	if out.Status != StatusSkipped {
		telemetry.DirectorySyncDuration.WithLabelValues(mode).Observe(out.Duration.Seconds())
	}
}

func summary(out Outcome) string {
	s := fmt.Sprintf("directory sync (%s): %d new, %d updated, %d unchanged, %d deleted",
		out.Mode, out.New, out.Updated, out.Unchanged, out.Deleted)
	if out.DeleteFailures > 0 {
		s += fmt.Sprintf(", %d failed delete batches", out.DeleteFailures)
	}
	if out.Rejected > 0 {
		s += fmt.Sprintf(", %d rejected", out.Rejected)
	}
	if out.DeletionSkipped {
		s += "; deletion skipped: " + out.Reason
	}
	return s
}
