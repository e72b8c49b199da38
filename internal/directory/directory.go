// Package directory implements the client side of the remote identity-provider directory:
// a paged listing interface with REST (Authentik) and LDAP implementations, and a Fetcher
// that follows cursors to build one complete, duplicate-free listing.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
)

// Record is one principal exactly as the remote directory reported it. Timestamps are kept
// as raw strings; parsing them is the reconciler's job.
type Record struct {
	ExternalID  string
	Username    string
	Name        string
	Email       string
	Active      bool
	LastLogin   string
	LastUpdated string
	Attributes  map[string]interface{}
}

// Page is one page of a listing. NextCursor is empty on the last page. Total is the size of
// the whole collection as reported by the remote, or -1 when the remote does not report it.
type Page struct {
	Records    []Record
	NextCursor string
	Total      int
}

// Directory is a paged, read-only view of the remote directory.
type Directory interface {
	// FetchPage returns the page at cursor ("" for the first page). When modifiedSince is
	// non-nil only records modified at or after it are returned.
	FetchPage(ctx context.Context, cursor string, modifiedSince *time.Time) (*Page, error)

	// LatestModified returns the modification time of the most recently modified record,
	// or nil when the directory is empty.
	LatestModified(ctx context.Context) (*time.Time, error)
}

var (
	ErrUnauthorized = errors.New("directory rejected credentials")
	ErrCursorLoop   = errors.New("directory returned a cursor that was already visited")
	ErrBadResponse  = errors.New("malformed directory response")
)

// APIError represents a non-success HTTP response from the directory API
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("directory API returned %d", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the request may succeed if repeated: rate limiting and server errors.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewAPIError creates a new API error
func NewAPIError(statusCode int, message string, err error) *APIError {
	return &APIError{StatusCode: statusCode, Message: message, Err: err}
}

// IsTransient reports whether err is worth retrying: network failures, timeouts,
// 429 and 5xx responses. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrCursorLoop) || errors.Is(err, ErrBadResponse) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// New builds the Directory selected by cfg.Provider. When a request budget is configured
// the client is wrapped with a Redis-backed limiter; rdb may be nil otherwise.
func New(ctx context.Context, cfg config.DirectoryConfig, rdb *redis.Client) (Directory, error) {
	var dir Directory
	switch cfg.Provider {
	case "authentik":
		client, err := NewHTTPClient(ctx, cfg.Authentik, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		dir = NewAuthentikDirectory(cfg.Authentik.BaseURL, cfg.PageSize, client)
	case "ldap":
		dir = NewLDAPDirectory(cfg.LDAP, cfg.PageSize, cfg.RequestTimeout)
	default:
		return nil, fmt.Errorf("unsupported directory provider: %s", cfg.Provider)
	}

	if cfg.RequestsPerMinute > 0 {
		if rdb == nil {
			return nil, fmt.Errorf("a redis client is required for directory.requests_per_minute")
		}
		dir = WithLimiter(dir, NewRedisLimiter(rdb, "dirsync:directory:"+cfg.Provider, cfg.RequestsPerMinute))
	}
	return dir, nil
}
