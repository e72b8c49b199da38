package dirsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/lock"
)

// EventStore is the append-only sync event log that doubles as the watermark
type EventStore interface {
	Create(ctx context.Context, event *models.SyncEvent) error
	Latest(ctx context.Context, eventType string) (*models.SyncEvent, error)
	LatestWithMode(ctx context.Context, eventType, mode string) (*models.SyncEvent, error)
}

// Prober reports when the remote directory last changed
type Prober interface {
	LatestModified(ctx context.Context) (*time.Time, error)
}

// Decision explains a staleness check
type Decision struct {
	Due    bool
	Reason string
	// Last is the current watermark event, nil before the first sync
	Last *models.SyncEvent
}

// Trigger decides whether a sync is due and whether it must be a full one
type Trigger struct {
	events           EventStore
	prober           Prober
	guard            lock.Locker
	eventType        string
	staleAfter       time.Duration
	probeInterval    time.Duration
	fullSyncInterval time.Duration
	logger           *slog.Logger

	now func() time.Time

	mu           sync.Mutex
	lastProbe    time.Time
	remoteLatest *time.Time // result of the last probe
}

// NewTrigger creates a sync trigger. guard may be nil when there is no in-flight check.
func NewTrigger(events EventStore, prober Prober, guard lock.Locker, cfg config.SyncConfig, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		events:           events,
		prober:           prober,
		guard:            guard,
		eventType:        cfg.EventType,
		staleAfter:       cfg.StaleAfter,
		probeInterval:    cfg.ProbeInterval,
		fullSyncInterval: cfg.FullSyncInterval,
		logger:           logger,
		now:              time.Now,
	}
}

// ShouldSync reports whether a sync is due. It never starts one. It returns false while a
// sync is in flight and whenever the decision cannot be made (store or probe errors).
func (t *Trigger) ShouldSync(ctx context.Context) bool {
	if t.guard != nil {
		locked, err := t.guard.Locked(ctx)
		if err != nil {
			t.logger.Warn("sync trigger: cannot inspect single-flight guard", "error", err)
			return false
		}
		if locked {
			return false
		}
	}

	d, err := t.Evaluate(ctx)
	if err != nil {
		t.logger.Warn("sync trigger: cannot load watermark", "error", err)
		return false
	}
	return d.Due
}

// IsFullSyncDue reports whether the next sync must be full. Errors select incremental,
// which never deletes.
func (t *Trigger) IsFullSyncDue(ctx context.Context) bool {
	last, err := t.events.Latest(ctx, t.eventType)
	if err != nil {
		t.logger.Warn("sync trigger: cannot load watermark", "error", err)
		return false
	}
	full, err := t.fullSyncDue(ctx, last)
	if err != nil {
		t.logger.Warn("sync trigger: cannot load last full sync", "error", err)
		return false
	}
	return full
}

// Evaluate performs the staleness check without the in-flight check. Only event store
// errors are returned; a failed remote probe yields a not-due decision.
func (t *Trigger) Evaluate(ctx context.Context) (Decision, error) {
	last, err := t.events.Latest(ctx, t.eventType)
	if err != nil {
		return Decision{}, err
	}
	if last == nil {
		return Decision{Due: true, Reason: "no previous sync"}, nil
	}

	now := t.now()
	if age := now.Sub(last.WatermarkAt); age > t.staleAfter {
		return Decision{Due: true, Reason: fmt.Sprintf("last sync is %s old", age.Round(time.Second)), Last: last}, nil
	}

	remote, probed, err := t.probe(ctx, now)
	if err != nil {
		t.logger.Warn("sync trigger: remote probe failed, treating as not due", "error", err)
		return Decision{Reason: "remote probe failed", Last: last}, nil
	}
	if remote != nil && remote.After(last.WatermarkAt) {
		return Decision{Due: true, Reason: "remote directory changed since last sync", Last: last}, nil
	}
	if !probed {
		return Decision{Reason: "remote probed recently", Last: last}, nil
	}
	return Decision{Reason: "no remote changes", Last: last}, nil
}

// probe asks the remote for its latest modification time at most once per probe interval.
// Within the interval the previous answer is reused, so a change seen by an earlier probe
// stays visible until a sync moves the watermark past it.
func (t *Trigger) probe(ctx context.Context, now time.Time) (*time.Time, bool, error) {
	t.mu.Lock()
	if !t.lastProbe.IsZero() && now.Sub(t.lastProbe) < t.probeInterval {
		cached := t.remoteLatest
		t.mu.Unlock()
		return cached, false, nil
	}
	t.lastProbe = now
	t.remoteLatest = nil
	t.mu.Unlock()

	latest, err := t.prober.LatestModified(ctx)
	if err != nil {
		return nil, true, err
	}

	t.mu.Lock()
	t.remoteLatest = latest
	t.mu.Unlock()
	return latest, true, nil
}

// fullSyncDue is true before the first sync and once the last full sync is older than the
// full sync interval
func (t *Trigger) fullSyncDue(ctx context.Context, last *models.SyncEvent) (bool, error) {
	if last == nil {
		return true, nil
	}
	lastFull, err := t.events.LatestWithMode(ctx, t.eventType, models.SyncModeFull)
	if err != nil {
		return false, err
	}
	if lastFull == nil {
		return true, nil
	}
	return t.now().Sub(lastFull.WatermarkAt) > t.fullSyncInterval, nil
}
