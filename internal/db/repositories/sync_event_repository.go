// sync_event_repository.go implements SyncEventRepository. Sync events are append-only;
// the newest event of a type carries the watermark for the next incremental run.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const syncEventColumns = `id, event_type, actor, sync_mode, details, fetched, new_count, updated_count,
		       unchanged_count, deleted_count, delete_failures, watermark_at, created_at`

// SyncEventRepository handles database operations for sync events
type SyncEventRepository struct {
	db *sqlx.DB
}

// NewSyncEventRepository creates a new sync event repository
func NewSyncEventRepository(db *sqlx.DB) *SyncEventRepository {
	return &SyncEventRepository{db: db}
}

// Create appends a sync event
func (r *SyncEventRepository) Create(ctx context.Context, event *models.SyncEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sync_events (
			id, event_type, actor, sync_mode, details, fetched, new_count, updated_count,
			unchanged_count, deleted_count, delete_failures, watermark_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Actor,
		event.Mode,
		event.Details,
		event.Fetched,
		event.NewCount,
		event.UpdatedCount,
		event.UnchangedCount,
		event.DeletedCount,
		event.DeleteFailures,
		event.WatermarkAt,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync event: %w", err)
	}
	return nil
}

// Latest returns the newest event of the given type, or nil when none exists
func (r *SyncEventRepository) Latest(ctx context.Context, eventType string) (*models.SyncEvent, error) {
	query := `SELECT ` + syncEventColumns + `
		FROM sync_events
		WHERE event_type = $1
		ORDER BY watermark_at DESC, created_at DESC
		LIMIT 1`

	var event models.SyncEvent
	err := r.db.GetContext(ctx, &event, query, eventType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync event: %w", err)
	}
	return &event, nil
}

// LatestWithMode returns the newest event of the given type and mode, or nil when none exists
func (r *SyncEventRepository) LatestWithMode(ctx context.Context, eventType, mode string) (*models.SyncEvent, error) {
	query := `SELECT ` + syncEventColumns + `
		FROM sync_events
		WHERE event_type = $1 AND sync_mode = $2
		ORDER BY watermark_at DESC, created_at DESC
		LIMIT 1`

	var event models.SyncEvent
	err := r.db.GetContext(ctx, &event, query, eventType, mode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s sync event: %w", mode, err)
	}
	return &event, nil
}

// List returns the most recent events of the given type, newest first
func (r *SyncEventRepository) List(ctx context.Context, eventType string, limit int) ([]models.SyncEvent, error) {
	query := `SELECT ` + syncEventColumns + `
		FROM sync_events
		WHERE event_type = $1
		ORDER BY watermark_at DESC, created_at DESC
		LIMIT $2`

	var events []models.SyncEvent
	if err := r.db.SelectContext(ctx, &events, query, eventType, limit); err != nil {
		return nil, fmt.Errorf("failed to list sync events: %w", err)
	}
	return events, nil
}
