package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/metrics"
	"github.com/teampulse/teampulse/internal/store"
)

// fakeAPI is an in-memory API implementation recording call counts.
// Setting err makes every call fail, simulating a remote outage.
type fakeAPI struct {
	mu      gosync.Mutex
	calls   int
	err     error
	entries []clickup.TimeEntry
	timers  map[int64]*clickup.TimeEntry
	tasks   map[string]*clickup.Task
}

func (f *fakeAPI) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAPI) GetRunningTimer(ctx context.Context, userID int64) (*clickup.TimeEntry, error) {
	f.count()
	if f.err != nil {
		return nil, f.err
	}
	return f.timers[userID], nil
}

func (f *fakeAPI) GetTimeEntries(ctx context.Context, start, end time.Time, userIDs []int64) ([]clickup.TimeEntry, error) {
	f.count()
	if f.err != nil {
		return nil, f.err
	}
	var out []clickup.TimeEntry
	for _, e := range f.entries {
		s := e.Start.Time()
		if !s.Before(start) && !s.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAPI) GetFilteredTasks(ctx context.Context, filter clickup.TaskFilter) (clickup.TaskPage, error) {
	f.count()
	if f.err != nil {
		return clickup.TaskPage{}, f.err
	}
	return clickup.TaskPage{}, nil
}

func (f *fakeAPI) GetTaskDetails(ctx context.Context, taskID string) (*clickup.Task, error) {
	f.count()
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks[taskID], nil
}

func newTestOrchestrator(t *testing.T, api API) *Orchestrator {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	taskCache := cache.New(&nullFetcher{}, db, nil)
	taskCache.Initialize()
	return NewOrchestrator(api, taskCache, nil)
}

type nullFetcher struct{}

func (nullFetcher) GetFilteredTasks(ctx context.Context, filter clickup.TaskFilter) (clickup.TaskPage, error) {
	return clickup.TaskPage{}, nil
}

func testMembers() []metrics.Member {
	return []metrics.Member{
		{ID: "m1", ClickUpID: 1, Name: "Dana", TargetHours: 8},
		{ID: "m2", ClickUpID: 2, Name: "Omar", TargetHours: 8},
	}
}

func entryAt(userID int64, taskID string, start time.Time, dur time.Duration) clickup.TimeEntry {
	return clickup.TimeEntry{
		ID:       taskID + start.String(),
		Task:     &clickup.EntryTask{ID: taskID, Name: "task " + taskID, Status: clickup.Status{Status: "open", Type: "open"}},
		User:     &clickup.User{ID: userID},
		Start:    clickup.Millis(start.UnixMilli()),
		End:      clickup.Millis(start.Add(dur).UnixMilli()),
		Duration: clickup.Millis(dur.Milliseconds()),
	}
}

func TestSyncProducesMemberViews(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{
		entries: []clickup.TimeEntry{
			entryAt(1, "t1", now.Add(-2*time.Hour), time.Hour),
		},
		timers: map[int64]*clickup.TimeEntry{
			2: {ID: "running", Task: &clickup.EntryTask{ID: "t2"}, User: &clickup.User{ID: 2}, Start: clickup.Millis(now.Add(-30 * time.Minute).UnixMilli()), Duration: -1},
		},
	}
	o := newTestOrchestrator(t, api)

	window := &metrics.DateRange{Start: now.Add(-6 * time.Hour), End: now}
	result, err := o.Sync(context.Background(), testMembers(), metrics.Baseline{}, metrics.Settings{}, window, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if result.Skipped {
		t.Fatal("uncontended sync should not be skipped")
	}
	if result.SyncID == "" {
		t.Error("result should carry a sync id")
	}
	if len(result.Members) != 2 {
		t.Fatalf("got %d member views, want 2", len(result.Members))
	}

	byID := make(map[string]metrics.MemberView)
	for _, v := range result.Members {
		byID[v.ID] = v
	}
	if byID["m1"].TrackedHours != 1 {
		t.Errorf("m1 tracked = %v, want 1", byID["m1"].TrackedHours)
	}
	if byID["m2"].Status != metrics.StatusWorking {
		t.Errorf("m2 status = %q, running timer should mean working", byID["m2"].Status)
	}
	for _, v := range result.Members {
		if v.SyncID != result.SyncID {
			t.Errorf("member %s carries sync id %q, want %q", v.ID, v.SyncID, result.SyncID)
		}
	}
	if o.lock.Held() {
		t.Error("lock should be released after a successful sync")
	}
}

func TestSyncSkippedWhenLockHeld(t *testing.T) {
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api)

	if _, ok := o.lock.TryAcquire(); !ok {
		t.Fatal("could not take lock for test setup")
	}
	defer o.lock.Release()

	result, err := o.Sync(context.Background(), testMembers(), metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Skipped {
		t.Error("contended sync should return Skipped")
	}
	if api.callCount() != 0 {
		t.Errorf("skipped sync issued %d remote calls, want 0", api.callCount())
	}
}

func TestSyncCancellation(t *testing.T) {
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Sync(ctx, testMembers(), metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err == nil {
		t.Fatal("cancelled sync should return an error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should be distinguishable as cancellation, got %v", err)
	}
	if o.lock.Held() {
		t.Error("lock must be released even on cancellation")
	}
}

func TestSyncExplicitWindow(t *testing.T) {
	now := time.Now()
	yesterday := now.AddDate(0, 0, -1)
	api := &fakeAPI{
		entries: []clickup.TimeEntry{
			entryAt(1, "t1", yesterday.Add(-time.Hour), time.Hour), // ends inside yesterday
			entryAt(1, "t2", now.Add(-time.Minute), 30*time.Second), // today only
		},
	}
	o := newTestOrchestrator(t, api)

	dayStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
	window := &metrics.DateRange{Start: dayStart, End: dayStart.Add(24*time.Hour - time.Second)}

	result, err := o.Sync(context.Background(), testMembers()[:1], metrics.Baseline{}, metrics.Settings{}, window, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Range.Start.Equal(window.Start) {
		t.Errorf("result range start = %v, want %v", result.Range.Start, window.Start)
	}
	// Only the entry overlapping yesterday counts.
	if got := result.Members[0].Tasks; got != 1 {
		t.Errorf("window filter kept %d tasks, want 1", got)
	}
}

func TestSyncProgressMilestones(t *testing.T) {
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api)

	var phases []string
	onProgress := func(p Progress) { phases = append(phases, p.Phase) }

	_, err := o.Sync(context.Background(), testMembers(), metrics.Baseline{}, metrics.Settings{}, nil, onProgress)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(phases) == 0 {
		t.Fatal("no progress reported")
	}
	if phases[0] != "starting" {
		t.Errorf("first phase = %q, want starting", phases[0])
	}
	if phases[len(phases)-1] != "complete" {
		t.Errorf("last phase = %q, want complete", phases[len(phases)-1])
	}
}

func TestBackfillLastActive(t *testing.T) {
	now := time.Now()
	old := now.AddDate(0, 0, -20)

	// History activity outside today's window backfills lastActiveDate.
	api := &fakeAPI{
		entries: []clickup.TimeEntry{
			entryAt(1, "t1", old, time.Hour),
		},
	}
	o := newTestOrchestrator(t, api)

	result, err := o.Sync(context.Background(), testMembers(), metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	byID := make(map[string]metrics.MemberView)
	for _, v := range result.Members {
		byID[v.ID] = v
	}
	if byID["m1"].LastActiveDate.IsZero() {
		t.Error("m1 should have lastActiveDate backfilled from history")
	}
	if !byID["m2"].LastActiveDate.IsZero() {
		t.Error("m2 has no history and no preserved value, should stay zero")
	}
}

func TestBackfillPreservesValueAfterFirstPass(t *testing.T) {
	preserved := time.Now().AddDate(0, 0, -5)
	members := []metrics.Member{
		{ID: "m1", ClickUpID: 1, Name: "Dana", LastActiveDate: preserved},
	}
	o := newTestOrchestrator(t, &fakeAPI{})

	// First sync: full history search (finds nothing, keeps preserved).
	result, err := o.Sync(context.Background(), members, metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if !result.Members[0].LastActiveDate.Equal(preserved) {
		t.Errorf("first pass lastActiveDate = %v, want preserved %v", result.Members[0].LastActiveDate, preserved)
	}

	// Subsequent syncs keep the preserved value without re-searching.
	result, err = o.Sync(context.Background(), members, metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if !result.Members[0].LastActiveDate.Equal(preserved) {
		t.Errorf("second pass lastActiveDate = %v, want preserved %v", result.Members[0].LastActiveDate, preserved)
	}
}

func TestFilterWindow(t *testing.T) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dr := metrics.DateRange{Start: dayStart, End: dayStart.Add(24*time.Hour - time.Second)}

	running := clickup.TimeEntry{
		Start:    clickup.Millis(now.Add(-time.Hour).UnixMilli()),
		Duration: -1,
	}
	inside := entryAt(1, "t1", dayStart.Add(time.Hour), time.Hour)
	before := entryAt(1, "t2", dayStart.Add(-5*time.Hour), time.Hour)
	spanning := entryAt(1, "t3", dayStart.Add(-time.Hour), 2*time.Hour)

	got := filterWindow([]clickup.TimeEntry{running, inside, before, spanning}, dr, now)
	if len(got) != 3 {
		t.Errorf("kept %d entries, want 3 (running, inside, spanning)", len(got))
	}
}

func TestSyncTotalOutageDegrades(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	o := newTestOrchestrator(t, api)

	result, err := o.Sync(context.Background(), testMembers(), metrics.Baseline{}, metrics.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("total outage should degrade, not error: %v", err)
	}

	if !result.Degraded {
		t.Error("result should be marked Degraded when every history chunk fails")
	}
	if len(result.Members) != 2 {
		t.Fatalf("got %d member views, want the 2 input identities", len(result.Members))
	}
	if result.Members[0].Name != "Dana" {
		t.Errorf("member identity lost: %+v", result.Members[0])
	}
	if result.Members[0].TrackedHours != 0 || result.Members[0].Score != 0 {
		t.Error("degraded views must carry no derived data")
	}
	if len(result.Projects) != 0 {
		t.Error("degraded result should have an empty project breakdown")
	}
	if o.lock.Held() {
		t.Error("lock must be released after a degraded sync")
	}
}

func TestFallbackResult(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAPI{})
	members := testMembers()
	dr := metrics.DateRange{Start: time.Now(), End: time.Now()}

	result := o.fallback("sync-1", members, dr)
	if len(result.Members) != len(members) {
		t.Errorf("fallback should echo the input members, got %d", len(result.Members))
	}
	if result.Members[0].Name != "Dana" {
		t.Errorf("fallback member identity lost: %+v", result.Members[0])
	}
	if len(result.Projects) != 0 {
		t.Error("fallback projects should be empty")
	}
}
