package dirsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
)

// ---------------------------------------------------------------------------
// In-memory user store
// ---------------------------------------------------------------------------

// memoryUserStore behaves like the directory_users table: unique external_id and username
// checked per statement (updates, then inserts), one transaction per ApplyBatch.
type memoryUserStore struct {
	mu      sync.Mutex
	rows    map[string]*models.DirectoryUser
	seq     int
	batches int

	failBatch   int // 1-based ApplyBatch call that fails; 0 never
	failDeletes map[string]bool
	deleteCalls int
}

func newMemoryUserStore(rows ...*models.DirectoryUser) *memoryUserStore {
	s := &memoryUserStore{rows: map[string]*models.DirectoryUser{}, failDeletes: map[string]bool{}}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		s.seq++
		r.CreatedAt = time.Unix(int64(s.seq), 0)
		s.rows[r.ID] = r.Clone()
	}
	return s
}

func (s *memoryUserStore) ListAll(context.Context) ([]*models.DirectoryUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.DirectoryUser, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryUserStore) ApplyBatch(_ context.Context, inserts, updates []*models.DirectoryUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.failBatch == s.batches {
		return errors.New("connection lost during commit")
	}

	// Same statement order as the repository; the unique indexes are not deferrable, so
	// every row is checked as soon as it is written.
	next := make(map[string]*models.DirectoryUser, len(s.rows)+len(inserts))
	for id, r := range s.rows {
		next[id] = r
	}
	for _, u := range updates {
		if _, ok := next[u.ID]; !ok {
			return fmt.Errorf("update of unknown row %s", u.ID)
		}
		next[u.ID] = u.Clone()
		if err := checkUnique(next); err != nil {
			return err
		}
	}
	for _, u := range inserts {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		s.seq++
		u.CreatedAt = time.Unix(int64(s.seq), 0)
		next[u.ID] = u.Clone()
		if err := checkUnique(next); err != nil {
			return err
		}
	}
	s.rows = next
	return nil
}

func (s *memoryUserStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	for _, id := range ids {
		if s.failDeletes[id] {
			return 0, errors.New("delete failed")
		}
	}
	n := 0
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryUserStore) byExternalID(id string) *models.DirectoryUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ExternalID != nil && *r.ExternalID == id {
			return r.Clone()
		}
	}
	return nil
}

func (s *memoryUserStore) byUsername(name string) *models.DirectoryUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Username != nil && *r.Username == name {
			return r.Clone()
		}
	}
	return nil
}

func (s *memoryUserStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func checkUnique(rows map[string]*models.DirectoryUser) error {
	ids := map[string]bool{}
	names := map[string]bool{}
	for _, r := range rows {
		if r.ExternalID != nil {
			if ids[*r.ExternalID] {
				return fmt.Errorf("duplicate external_id %s", *r.ExternalID)
			}
			ids[*r.ExternalID] = true
		}
		if r.Username != nil {
			if names[*r.Username] {
				return fmt.Errorf("duplicate username %s", *r.Username)
			}
			names[*r.Username] = true
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory event store
// ---------------------------------------------------------------------------

type memoryEventStore struct {
	mu        sync.Mutex
	events    []*models.SyncEvent
	latestErr error
	createErr error
}

func (s *memoryEventStore) Create(_ context.Context, event *models.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	c := *event
	s.events = append(s.events, &c)
	return nil
}

func (s *memoryEventStore) Latest(_ context.Context, eventType string) (*models.SyncEvent, error) {
	return s.latest(eventType, "")
}

func (s *memoryEventStore) LatestWithMode(_ context.Context, eventType, mode string) (*models.SyncEvent, error) {
	return s.latest(eventType, mode)
}

func (s *memoryEventStore) latest(eventType, mode string) (*models.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	var best *models.SyncEvent
	for _, e := range s.events {
		if e.EventType != eventType || (mode != "" && e.Mode != mode) {
			continue
		}
		if best == nil || e.WatermarkAt.After(best.WatermarkAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (s *memoryEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ---------------------------------------------------------------------------
// Fake remote
// ---------------------------------------------------------------------------

// fakeSource serves a fixed listing and a fixed probe answer
type fakeSource struct {
	mu            sync.Mutex
	records       []directory.Record
	reportedTotal int
	fetchErr      error
	latest        *time.Time
	probeErr      error

	fetchCalls    int
	probeCalls    int
	modifiedSince []*time.Time
}

func (f *fakeSource) FetchAll(_ context.Context, modifiedSince *time.Time) (*directory.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.modifiedSince = append(f.modifiedSince, modifiedSince)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	recs := make([]directory.Record, len(f.records))
	copy(recs, f.records)
	total := f.reportedTotal
	if total == 0 {
		total = -1
	}
	return &directory.Listing{Records: recs, ReportedTotal: total}, nil
}

func (f *fakeSource) LatestModified(context.Context) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.latest, f.probeErr
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:         5 * time.Minute,
		StaleAfter:       6 * time.Hour,
		ProbeInterval:    time.Hour,
		FullSyncInterval: 24 * time.Hour,
		BatchSize:        2,
		CommitTimeout:    time.Second,
		EventType:        "directory_sync",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func remoteUser(id, username string) directory.Record {
	return directory.Record{
		ExternalID: id,
		Username:   username,
		Name:       "User " + username,
		Email:      username + "@example.org",
		Active:     true,
		LastLogin:  "2024-05-01T10:00:00Z",
		Attributes: map[string]interface{}{"source": "idp"},
	}
}

func localUser(id, username string) *models.DirectoryUser {
	u := &models.DirectoryUser{
		FirstName:  "Old",
		LastName:   username,
		Email:      username + "@old.example.org",
		IsActive:   true,
		Attributes: models.Attributes{},
	}
	if id != "" {
		u.ExternalID = strPtr(id)
	}
	if username != "" {
		u.Username = strPtr(username)
	}
	return u
}
