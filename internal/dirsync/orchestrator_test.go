package dirsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/lock"
)

type recordingShipper struct {
	mu     sync.Mutex
	events []*models.SyncEvent
	err    error
}

func (s *recordingShipper) ShipEvent(_ context.Context, event *models.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

type orchestratorFixture struct {
	orch    *Orchestrator
	source  Source
	users   *memoryUserStore
	events  *memoryEventStore
	guard   *lock.Memory
	shipper *recordingShipper
	clock   *fakeClock
}

func newOrchestratorFixture(source Source, users *memoryUserStore, events ...*models.SyncEvent) *orchestratorFixture {
	f := &orchestratorFixture{
		source:  source,
		users:   users,
		events:  &memoryEventStore{events: events},
		guard:   lock.NewMemory(),
		shipper: &recordingShipper{},
		clock:   newFakeClock(),
	}
	f.orch = NewOrchestrator(source, users, f.events, f.guard, f.shipper, testSyncConfig(), quietLogger())
	f.orch.setClock(f.clock.Now)
	return f
}

func (f *orchestratorFixture) watermark(t *testing.T) time.Time {
	t.Helper()
	last, err := f.events.Latest(context.Background(), "directory_sync")
	require.NoError(t, err)
	require.NotNil(t, last)
	return last.WatermarkAt
}

// ---------------------------------------------------------------------------
// Successful runs
// ---------------------------------------------------------------------------

func TestRun_BootstrapIsFull(t *testing.T) {
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice"), remoteUser("2", "bob")}}
	f := newOrchestratorFixture(src, newMemoryUserStore())

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, models.SyncModeFull, out.Mode)
	assert.Equal(t, 2, out.New)
	require.Len(t, src.modifiedSince, 1)
	assert.Nil(t, src.modifiedSince[0])

	require.Equal(t, 1, f.events.count())
	event := f.events.events[0]
	assert.Equal(t, out.EventID, event.ID)
	assert.Equal(t, "system", event.Actor)
	assert.Equal(t, models.SyncModeFull, event.Mode)
	assert.Equal(t, 2, event.NewCount)
	assert.Equal(t, "directory sync (full): 2 new, 0 updated, 0 unchanged, 0 deleted", event.Details)
	assert.True(t, event.WatermarkAt.Equal(out.StartedAt))

	locked, _ := f.guard.Locked(context.Background())
	assert.False(t, locked, "guard must be released")
}

func TestRun_WatermarkIsRunStart(t *testing.T) {
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore())
	start := f.clock.Now()

	// the clock moves while the run is in progress
	f.orch.setClock(func() time.Time {
		now := f.clock.Now()
		f.clock.Advance(time.Second)
		return now
	})

	_, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)
	assert.True(t, f.watermark(t).Equal(start))
}

func TestRun_IncrementalUsesWatermark(t *testing.T) {
	clock := newFakeClock()
	lastFull := syncEvent(models.SyncModeFull, clock.Now().Add(-7*time.Hour))
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore(localUser("1", "alice"), localUser("2", "bob")), lastFull)

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncModeIncremental, out.Mode)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 0, out.Deleted)
	assert.Equal(t, 2, f.users.count())
	require.Len(t, src.modifiedSince, 1)
	require.NotNil(t, src.modifiedSince[0])
	assert.True(t, src.modifiedSince[0].Equal(lastFull.WatermarkAt))
}

func TestRun_FullWhenIntervalElapsed(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore(localUser("1", "alice"), localUser("2", "bob")),
		syncEvent(models.SyncModeFull, clock.Now().Add(-25*time.Hour)),
		syncEvent(models.SyncModeIncremental, clock.Now().Add(-7*time.Hour)),
	)

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SyncModeFull, out.Mode)
	assert.Equal(t, 1, out.Deleted)
	assert.Nil(t, f.users.byExternalID("2"))
	assert.Contains(t, f.events.events[len(f.events.events)-1].Details, "1 deleted")
}

func TestRun_PaginationCompleteness(t *testing.T) {
	pages := []directory.Page{
		{Records: []directory.Record{remoteUser("1", "u1"), remoteUser("2", "u2")}, NextCursor: "1", Total: 6},
		{Records: []directory.Record{remoteUser("3", "u3"), remoteUser("4", "u4")}, NextCursor: "2", Total: 6},
		{Records: []directory.Record{remoteUser("5", "u5"), remoteUser("6", "u6")}, Total: 6},
	}
	dir := &pagedDirectory{pages: pages}
	fetcher := directory.NewFetcher(dir, 3, 0, time.Second, quietLogger())
	f := newOrchestratorFixture(fetcher, newMemoryUserStore())

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, out.Fetched)
	assert.Equal(t, 6, out.New)
	assert.Equal(t, 6, f.users.count())
	for i := 1; i <= 6; i++ {
		assert.NotNil(t, f.users.byExternalID(strconv.Itoa(i)), "user %d", i)
	}
}

func TestRun_DeletionSkippedIsReported(t *testing.T) {
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}, reportedTotal: 5}
	f := newOrchestratorFixture(src, newMemoryUserStore(localUser("1", "alice"), localUser("2", "bob")))

	out, err := f.orch.Run(context.Background(), RunOptions{Full: true})
	require.NoError(t, err)

	assert.True(t, out.DeletionSkipped)
	assert.Equal(t, 2, f.users.count())
	assert.Contains(t, f.events.events[0].Details, "deletion skipped")
}

// ---------------------------------------------------------------------------
// Skipped runs
// ---------------------------------------------------------------------------

func TestRun_SkipsWhenInFlight(t *testing.T) {
	src := &fakeSource{}
	f := newOrchestratorFixture(src, newMemoryUserStore())
	acquired, err := f.guard.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonInFlight, out.Reason)
	assert.Equal(t, 0, src.fetchCalls)
	assert.Equal(t, 0, f.events.count())
	locked, _ := f.guard.Locked(context.Background())
	assert.True(t, locked, "a skipped run must not release a lock it does not hold")
}

func TestRun_SkipsWhenNotDue(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{latest: timePtr(clock.Now().Add(-2 * time.Hour))}
	f := newOrchestratorFixture(src, newMemoryUserStore(), syncEvent(models.SyncModeFull, clock.Now().Add(-time.Hour)))

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, 0, src.fetchCalls)
	assert.Equal(t, 1, f.events.count())
}

func TestRun_ForceAndFull(t *testing.T) {
	clock := newFakeClock()
	last := syncEvent(models.SyncModeFull, clock.Now().Add(-time.Hour))
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore(), last)

	out, err := f.orch.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, models.SyncModeIncremental, out.Mode)
	require.NotNil(t, src.modifiedSince[0])
	assert.True(t, src.modifiedSince[0].Equal(last.WatermarkAt))

	f.clock.Advance(time.Minute)
	out, err = f.orch.Run(context.Background(), RunOptions{Force: true, Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeFull, out.Mode)
	assert.Nil(t, src.modifiedSince[1])
}

// ---------------------------------------------------------------------------
// Failed runs
// ---------------------------------------------------------------------------

func TestRun_FetchFailureKeepsWatermark(t *testing.T) {
	clock := newFakeClock()
	last := syncEvent(models.SyncModeFull, clock.Now().Add(-time.Hour))
	src := &fakeSource{
		records:  []directory.Record{remoteUser("1", "alice")},
		latest:   timePtr(clock.Now().Add(-30 * time.Minute)),
		fetchErr: directory.NewAPIError(http.StatusServiceUnavailable, "maintenance", nil),
	}
	f := newOrchestratorFixture(src, newMemoryUserStore(), last)

	out, err := f.orch.RunSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, IsTransient(err))

	assert.Equal(t, 1, f.events.count(), "a failed run writes no event")
	assert.True(t, f.watermark(t).Equal(last.WatermarkAt))
	assert.True(t, f.orch.ShouldSync(context.Background()), "the change is still pending")
	locked, _ := f.guard.Locked(context.Background())
	assert.False(t, locked)

	src.fetchErr = nil
	f.clock.Advance(time.Minute)
	out, err = f.orch.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.True(t, f.watermark(t).Equal(f.clock.Now()))
}

func TestRun_PermanentFetchFailure(t *testing.T) {
	src := &fakeSource{fetchErr: directory.ErrUnauthorized}
	f := newOrchestratorFixture(src, newMemoryUserStore())

	_, err := f.orch.RunSync(context.Background())
	require.Error(t, err)

	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, KindPermanent, syncErr.Kind)
	assert.Equal(t, "fetch", syncErr.Op)
	assert.ErrorIs(t, err, directory.ErrUnauthorized)
	assert.Equal(t, 0, f.events.count())
}

func TestRun_ReconcileFailureWritesNoEvent(t *testing.T) {
	clock := newFakeClock()
	last := syncEvent(models.SyncModeFull, clock.Now().Add(-time.Hour))
	users := newMemoryUserStore()
	users.failBatch = 1
	src := &fakeSource{
		records: []directory.Record{remoteUser("1", "alice")},
		latest:  timePtr(clock.Now().Add(-30 * time.Minute)),
	}
	f := newOrchestratorFixture(src, users, last)

	out, err := f.orch.RunSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, f.events.count(), "a failed run writes no event")
	assert.True(t, f.watermark(t).Equal(last.WatermarkAt))
	assert.Empty(t, f.shipper.events)
	assert.True(t, f.orch.ShouldSync(context.Background()), "the change is still pending")
}

func TestRun_EventWriteFailure(t *testing.T) {
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore())
	f.events.createErr = context.DeadlineExceeded

	_, err := f.orch.RunSync(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Empty(t, f.shipper.events)
}

func TestRun_ShipperErrorsDoNotFailTheRun(t *testing.T) {
	src := &fakeSource{records: []directory.Record{remoteUser("1", "alice")}}
	f := newOrchestratorFixture(src, newMemoryUserStore())
	f.shipper.err = errors.New("webhook down")

	out, err := f.orch.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	require.Len(t, f.shipper.events, 1)
	assert.Equal(t, out.EventID, f.shipper.events[0].ID)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	clock := newFakeClock()
	full := syncEvent(models.SyncModeFull, clock.Now().Add(-3*time.Hour))
	incr := syncEvent(models.SyncModeIncremental, clock.Now().Add(-time.Hour))
	f := newOrchestratorFixture(&fakeSource{}, newMemoryUserStore(), full, incr)

	st, err := f.orch.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, st.SyncDue)
	assert.False(t, st.FullSyncDue)
	assert.False(t, st.InFlight)
	require.NotNil(t, st.LastSync)
	assert.Equal(t, incr.ID, st.LastSync.ID)
	require.NotNil(t, st.LastFullSync)
	assert.Equal(t, full.ID, st.LastFullSync.ID)
}

func TestStatus_StoreError(t *testing.T) {
	f := newOrchestratorFixture(&fakeSource{}, newMemoryUserStore())
	f.events.latestErr = errors.New("database unavailable")

	_, err := f.orch.Status(context.Background())
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Fake paged directory
// ---------------------------------------------------------------------------

// pagedDirectory serves pages by index; the cursor is the page index
type pagedDirectory struct {
	pages []directory.Page
}

func (d *pagedDirectory) FetchPage(_ context.Context, cursor string, _ *time.Time) (*directory.Page, error) {
	idx := 0
	if cursor != "" {
		var err error
		if idx, err = strconv.Atoi(cursor); err != nil {
			return nil, err
		}
	}
	p := d.pages[idx]
	return &p, nil
}

func (d *pagedDirectory) LatestModified(context.Context) (*time.Time, error) {
	return nil, nil
}
