package sync

import (
	"context"
	"testing"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/metrics"
	"github.com/teampulse/teampulse/internal/store"
)

func TestAvgTasksPerMemberPerDay(t *testing.T) {
	day1 := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	entries := []clickup.TimeEntry{
		entryAt(1, "t1", day1, time.Hour),
		entryAt(1, "t1", day1.Add(2*time.Hour), time.Hour), // same task, same day: one triple
		entryAt(1, "t1", day2, time.Hour),                  // same task, new day: new triple
		entryAt(2, "t1", day1, time.Hour),                  // same task, other member
		entryAt(1, "t2", day1, time.Hour),
		{ID: "no-task", User: &clickup.User{ID: 1}, Start: clickup.Millis(day1.UnixMilli())}, // skipped
	}

	// 4 unique (user, task, day) triples / 2 members / 90 days.
	got := avgTasksPerMemberPerDay(entries, 2)
	want := 4.0 / 2.0 / 90.0
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if avgTasksPerMemberPerDay(entries, 0) != 0 {
		t.Error("zero members should yield zero, not a division error")
	}
}

func TestRefreshBaselineUsesFreshStoredValue(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.SetBaseline("avg_tasks_per_member_per_day", 1.5, time.Now().UnixMilli()); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	api := &fakeAPI{}
	baseline, err := RefreshBaseline(context.Background(), db, api, testMembers())
	if err != nil {
		t.Fatalf("RefreshBaseline: %v", err)
	}
	if baseline.AvgTasksPerMemberPerDay != 1.5 {
		t.Errorf("got %v, want stored 1.5", baseline.AvgTasksPerMemberPerDay)
	}
	if api.callCount() != 0 {
		t.Errorf("fresh stored baseline should avoid remote calls, got %d", api.callCount())
	}
}

func TestRefreshBaselineRecomputesWhenStale(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stale := time.Now().Add(-25 * time.Hour).UnixMilli()
	if err := db.SetBaseline("avg_tasks_per_member_per_day", 1.5, stale); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	api := &fakeAPI{
		entries: []clickup.TimeEntry{
			entryAt(1, "t1", time.Now().Add(-48*time.Hour), time.Hour),
		},
	}
	baseline, err := RefreshBaseline(context.Background(), db, api, testMembers())
	if err != nil {
		t.Fatalf("RefreshBaseline: %v", err)
	}
	if api.callCount() != historyChunks {
		t.Errorf("stale baseline should refetch all %d chunks, got %d calls", historyChunks, api.callCount())
	}
	want := 1.0 / 2.0 / 90.0
	if baseline.AvgTasksPerMemberPerDay != want {
		t.Errorf("got %v, want %v", baseline.AvgTasksPerMemberPerDay, want)
	}

	// The recomputed value is persisted for the next 24 hours.
	value, _, ok, err := db.GetBaseline("avg_tasks_per_member_per_day")
	if err != nil || !ok {
		t.Fatalf("GetBaseline: ok=%v err=%v", ok, err)
	}
	if value != want {
		t.Errorf("persisted %v, want %v", value, want)
	}
}

func TestRefreshBaselineNoMappedMembers(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	api := &fakeAPI{}
	baseline, err := RefreshBaseline(context.Background(), db, api, []metrics.Member{{ID: "m1"}})
	if err != nil {
		t.Fatalf("RefreshBaseline: %v", err)
	}
	if baseline.AvgTasksPerMemberPerDay != 0 {
		t.Errorf("unmapped members should yield a zero baseline, got %v", baseline.AvgTasksPerMemberPerDay)
	}
	if api.callCount() != 0 {
		t.Error("no mapped members means no remote calls")
	}
}
