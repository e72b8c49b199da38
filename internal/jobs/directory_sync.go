// Package jobs contains background workers that run on a schedule.
// The directory sync job asks the orchestrator on every tick whether the local user
// cache has gone stale and runs a sync when it has. Runs are idempotent, so a tick
// that races a manual trigger or another instance is simply skipped.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/dirsync"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/safego"
)

// Syncer runs one directory sync attempt if one is due
type Syncer interface {
	RunSync(ctx context.Context) (dirsync.Outcome, error)
}

// DirectorySyncJob periodically triggers directory syncs
type DirectorySyncJob struct {
	syncer   Syncer
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDirectorySyncJob creates a new directory sync job
func NewDirectorySyncJob(syncer Syncer, logger *slog.Logger) *DirectorySyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectorySyncJob{
		syncer: syncer,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic sync job. The first check runs immediately.
func (j *DirectorySyncJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting directory sync job", "interval", interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		j.tick(ctx)

		for {
			select {
			case <-ticker.C:
				j.tick(ctx)
			case <-j.stopCh:
				j.logger.Info("directory sync job stopped")
				return
			case <-ctx.Done():
				j.logger.Info("directory sync job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the sync job and waits for a running sync to return
func (j *DirectorySyncJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}

// tick runs one sync attempt; a panic inside the sync is logged and the schedule continues
func (j *DirectorySyncJob) tick(ctx context.Context) {
	safego.Run("directory-sync", func() {
		out, err := j.syncer.RunSync(ctx)
		switch {
		case err == nil:
			if out.Status == dirsync.StatusSkipped {
				j.logger.Debug("scheduled directory sync skipped", "reason", out.Reason)
			}
		case dirsync.IsTransient(err):
			j.logger.Warn("scheduled directory sync failed, will retry on next tick", "error", err)
		default:
			j.logger.Error("scheduled directory sync failed", "error", err)
		}
	})
}
