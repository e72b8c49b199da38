// Package directory implements the HTTP handlers for directory sync status, manual triggering,
// and sync history retrieval.
package directory

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/dirsync"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 100
)

// SyncService is the part of the orchestrator the handlers need
type SyncService interface {
	Run(ctx context.Context, opts dirsync.RunOptions) (dirsync.Outcome, error)
	Status(ctx context.Context) (*dirsync.Status, error)
}

// EventLister lists recorded sync events, newest first
type EventLister interface {
	List(ctx context.Context, eventType string, limit int) ([]models.SyncEvent, error)
}

// SyncHandler handles directory sync endpoints
type SyncHandler struct {
	sync      SyncService
	events    EventLister
	eventType string
	logger    *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(sync SyncService, events EventLister, eventType string, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{
		sync:      sync,
		events:    events,
		eventType: eventType,
		logger:    logger,
	}
}

// GetStatus reports whether a sync is due without starting one
// GET /v1/directory/sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read sync status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sync status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// TriggerSync runs a sync now and returns its outcome
// POST /v1/directory/sync?force=true&full=true
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	force, err := boolQuery(c, "force")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
		return
	}
	full, err := boolQuery(c, "full")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "full must be a boolean"})
		return
	}

	// A client disconnect must not cancel a run in progress.
	ctx := context.WithoutCancel(c.Request.Context())
	outcome, err := h.sync.Run(ctx, dirsync.RunOptions{Force: force, Full: full})
	if err != nil {
		status := http.StatusInternalServerError
		if dirsync.IsTransient(err) {
			status = http.StatusBadGateway
		}
		h.logger.Warn("manual directory sync failed", "error", err, "status", status)
		c.JSON(status, gin.H{
			"error":   err.Error(),
			"outcome": outcome,
		})
		return
	}

	if outcome.Status == dirsync.StatusSkipped && outcome.Reason == dirsync.ReasonInFlight {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "a directory sync is already running",
			"outcome": outcome,
		})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// ListEvents returns recent sync events
// GET /v1/directory/sync/events?limit=20
func (h *SyncHandler) ListEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	events, err := h.events.List(c.Request.Context(), h.eventType, limit)
	if err != nil {
		h.logger.Error("failed to list sync events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync events"})
		return
	}
	if events == nil {
		events = []models.SyncEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
