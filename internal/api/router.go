// Package api wires together the HTTP routes of the directory sync service.
//
// /health and /ready are unauthenticated so orchestrators can probe them. Everything under /v1
// sits behind the optional bearer token; the manual trigger is additionally rate limited per
// client because each call may start a full directory fetch.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/api/directory"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/middleware"
)

const readinessTimeout = 3 * time.Second

// Pinger is satisfied by *sql.DB and *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CheckFunc is an extra readiness dependency, e.g. the Redis lock backend
type CheckFunc func(ctx context.Context) error

// Dependencies are the collaborators the router exposes over HTTP
type Dependencies struct {
	Config *config.Config
	DB     Pinger
	Sync   directory.SyncService
	Events directory.EventLister
	// Checks are reported by /ready next to the database
	Checks map[string]CheckFunc
	Logger *slog.Logger
}

// BackgroundServices holds resources created by the router that must be stopped during
// graceful shutdown. The caller is responsible for calling Shutdown after the HTTP server
// has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines owned by the router
func (bg *BackgroundServices) Shutdown() {
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("router background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) (*gin.Engine, *BackgroundServices) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	bg := &BackgroundServices{}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(logger, "/health", "/ready"))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.DB, deps.Checks))

	syncHandler := directory.NewSyncHandler(deps.Sync, deps.Events, cfg.Sync.EventType, logger)

	triggerLimiter := middleware.NewRateLimiter(middleware.TriggerRateLimitConfig(cfg.API.TriggerRequestsPerMinute))
	bg.rateLimiters = append(bg.rateLimiters, triggerLimiter)

	v1 := router.Group("/v1")
	v1.Use(middleware.BearerTokenMiddleware(cfg.API.Token))
	{
		dir := v1.Group("/directory")
		dir.GET("/sync/status", syncHandler.GetStatus)
		dir.GET("/sync/events", syncHandler.ListEvents)
		dir.POST("/sync", middleware.RateLimitMiddleware(triggerLimiter), syncHandler.TriggerSync)
	}

	return router, bg
}

// healthCheckHandler is the liveness probe; it never touches dependencies
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can serve sync requests. The database is
// always checked first; extra checks run in name order.
func readinessHandler(db Pinger, extra map[string]CheckFunc) gin.HandlerFunc {
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		checks := gin.H{}
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		for _, name := range names {
			if err := extra[name](ctx); err != nil {
				checks[name] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  name + " not ready",
				})
				return
			}
			checks[name] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
