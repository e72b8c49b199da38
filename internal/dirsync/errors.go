// Package dirsync keeps the local directory_users cache consistent with the remote
// directory. It decides when a sync is due (Trigger), reconciles a complete or
// incremental listing into the cache (Engine), and runs the whole sequence under a
// single-flight guard while keeping the sync_events watermark (Orchestrator).
package dirsync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
)

// Kind classifies a failed sync so callers can choose between retry and alert
type Kind int

const (
	// KindTransient failures may succeed on the next trigger (network, 5xx, lost connections)
	KindTransient Kind = iota + 1
	// KindPermanent failures need operator attention (credentials, configuration, bugs)
	KindPermanent
	// KindDataQuality failures were caused by remote data the cache cannot hold
	KindDataQuality
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDataQuality:
		return "data_quality"
	default:
		return "unknown"
	}
}

// Error is returned by every failed sync run
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("directory sync %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a sync error worth retrying
func IsTransient(err error) bool {
	var syncErr *Error
	return errors.As(err, &syncErr) && syncErr.Kind == KindTransient
}

func asSyncError(op string, err error) *Error {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr
	}
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func fetchError(err error) *Error {
	kind := KindPermanent
	if directory.IsTransient(err) {
		kind = KindTransient
	}
	return &Error{Kind: kind, Op: "fetch", Err: err}
}

// storeError classifies a local persistence failure
func storeError(op string, err error) *Error {
	return &Error{Kind: classifyStoreError(err), Op: op, Err: err}
}

func classifyStoreError(err error) Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return KindDataQuality
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return KindTransient
		}
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}
