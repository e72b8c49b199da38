// Package models - sync_event.go defines SyncEvent, the append-only audit record written
// once per completed directory sync. The newest event of a type is the sync watermark.
package models

import "time"

// Sync modes
const (
	SyncModeFull        = "full"
	SyncModeIncremental = "incremental"
)

// SyncEvent records one completed synchronization run.
type SyncEvent struct {
	ID             string    `db:"id" json:"id"`
	EventType      string    `db:"event_type" json:"event_type"`
	Actor          string    `db:"actor" json:"actor"`
	Mode           string    `db:"sync_mode" json:"mode"`
	Details        string    `db:"details" json:"details"`
	Fetched        int       `db:"fetched" json:"fetched"`
	NewCount       int       `db:"new_count" json:"new_count"`
	UpdatedCount   int       `db:"updated_count" json:"updated_count"`
	UnchangedCount int       `db:"unchanged_count" json:"unchanged_count"`
	DeletedCount   int       `db:"deleted_count" json:"deleted_count"`
	DeleteFailures int       `db:"delete_failures" json:"delete_failures"`
	WatermarkAt    time.Time `db:"watermark_at" json:"watermark_at"` // start of the run
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
