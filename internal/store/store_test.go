package store

import (
	"testing"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
)

func newTestStore(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateRoundTrip(t *testing.T) {
	db := newTestStore(t)

	v, err := db.GetState("missing")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "" {
		t.Errorf("missing key should return empty, got %q", v)
	}

	if err := db.SetState("k", "v1"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := db.SetState("k", "v2"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}

	v, err = db.GetState("k")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "v2" {
		t.Errorf("got %q, want v2", v)
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	db := newTestStore(t)

	_, _, ok, err := db.GetBaseline("avg")
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if ok {
		t.Error("missing baseline should report ok=false")
	}

	now := time.Now().UnixMilli()
	if err := db.SetBaseline("avg", 2.5, now); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	value, updatedAt, ok, err := db.GetBaseline("avg")
	if err != nil || !ok {
		t.Fatalf("GetBaseline after set: ok=%v err=%v", ok, err)
	}
	if value != 2.5 || updatedAt != now {
		t.Errorf("got value=%v updatedAt=%v", value, updatedAt)
	}
}

func TestTaskUpsertLoadDelete(t *testing.T) {
	db := newTestStore(t)
	now := time.Now()

	rows := []CachedTask{
		{
			Task:        clickup.Task{ID: "t1", Name: "old"},
			Assignees:   []int64{1, 2},
			DateUpdated: now.Add(-40 * 24 * time.Hour),
			CachedAt:    now,
		},
		{
			Task:        clickup.Task{ID: "t2", Name: "fresh"},
			Assignees:   []int64{2},
			DateUpdated: now,
			CachedAt:    now,
		},
	}
	if err := db.UpsertTasks(rows); err != nil {
		t.Fatalf("UpsertTasks: %v", err)
	}

	// Upsert again with a changed name; no duplicate rows.
	rows[1].Task.Name = "fresher"
	if err := db.UpsertTasks(rows[1:]); err != nil {
		t.Fatalf("UpsertTasks update: %v", err)
	}

	loaded, err := db.LoadTasks()
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d rows, want 2", len(loaded))
	}
	byID := make(map[string]CachedTask)
	for _, r := range loaded {
		byID[r.Task.ID] = r
	}
	if byID["t2"].Task.Name != "fresher" {
		t.Errorf("t2 name = %q, upsert should overwrite", byID["t2"].Task.Name)
	}
	if len(byID["t1"].Assignees) != 2 {
		t.Errorf("t1 assignees = %v", byID["t1"].Assignees)
	}

	deleted, err := db.DeleteTasksUpdatedBefore(now.Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteTasksUpdatedBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d rows, want 1", deleted)
	}

	n, err := db.CountTasks()
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d rows after cleanup, want 1", n)
	}
}

func TestMembersRoundTrip(t *testing.T) {
	db := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	m := MemberRow{
		ID:             "m1",
		ClickUpID:      42,
		Name:           "Dana",
		Initials:       "DK",
		TargetHours:    8,
		Status:         "working",
		TrackedHours:   3.5,
		Score:          72,
		LastActiveDate: now,
		ViewJSON:       `{"status":"working"}`,
		SyncedAt:       now,
	}
	if err := db.SaveMember(m); err != nil {
		t.Fatalf("SaveMember: %v", err)
	}
	if err := db.SaveMember(MemberRow{ID: "m2", Name: "Amir"}); err != nil {
		t.Fatalf("SaveMember: %v", err)
	}

	got, err := db.GetMember("m1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if got == nil {
		t.Fatal("member m1 not found")
	}
	if got.ClickUpID != 42 || got.Score != 72 || !got.LastActiveDate.Equal(now) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	missing, err := db.GetMember("nope")
	if err != nil {
		t.Fatalf("GetMember missing: %v", err)
	}
	if missing != nil {
		t.Error("missing member should be nil, not an error")
	}

	list, err := db.ListMembers()
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Amir" {
		t.Errorf("list should be name-ordered, got %v", list)
	}

	// Update path: overwrite derived columns in place.
	m.Status = "offline"
	m.TrackedHours = 8
	if err := db.SaveMember(m); err != nil {
		t.Fatalf("SaveMember update: %v", err)
	}
	got, _ = db.GetMember("m1")
	if got.Status != "offline" || got.TrackedHours != 8 {
		t.Errorf("update mismatch: %+v", got)
	}
}

func TestMemberZeroTimes(t *testing.T) {
	db := newTestStore(t)

	if err := db.SaveMember(MemberRow{ID: "m1", Name: "Dana"}); err != nil {
		t.Fatalf("SaveMember: %v", err)
	}
	got, err := db.GetMember("m1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if !got.LastActiveDate.IsZero() || !got.SyncedAt.IsZero() {
		t.Errorf("zero times should survive the round trip, got %+v", got)
	}
}

func TestQueueItems(t *testing.T) {
	db := newTestStore(t)
	now := time.Now()

	items := []QueueItem{
		{ID: "q1", Type: "start_timer", Payload: `{"taskId":"t1"}`, UserID: 1, Status: QueuePending, CreatedAt: now.Add(-2 * time.Minute), UpdatedAt: now},
		{ID: "q2", Type: "stop_timer", UserID: 2, Status: QueuePending, CreatedAt: now.Add(-time.Minute), UpdatedAt: now},
		{ID: "q3", Type: "stop_timer", UserID: 3, Status: QueueCompleted, CreatedAt: now, UpdatedAt: now.AddDate(0, 0, -10)},
	}
	for _, item := range items {
		if err := db.InsertQueueItem(item); err != nil {
			t.Fatalf("InsertQueueItem %s: %v", item.ID, err)
		}
	}

	pending, err := db.ListQueueItems(QueuePending)
	if err != nil {
		t.Fatalf("ListQueueItems: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "q1" {
		t.Errorf("pending list should be oldest first, got %v", pending)
	}

	if err := db.UpdateQueueItem("q1", QueueFailed, 3, "boom"); err != nil {
		t.Fatalf("UpdateQueueItem: %v", err)
	}
	stats, err := db.GetQueueStats()
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// Only old completed items are purged.
	purged, err := db.PurgeQueueItems(now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("PurgeQueueItems: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d, want 1", purged)
	}
}

func TestJoinSplitIDs(t *testing.T) {
	tests := []struct {
		ids  []int64
		want string
	}{
		{nil, ""},
		{[]int64{7}, "7"},
		{[]int64{1, 2, 3}, "1,2,3"},
	}
	for _, tt := range tests {
		if got := joinIDs(tt.ids); got != tt.want {
			t.Errorf("joinIDs(%v) = %q, want %q", tt.ids, got, tt.want)
		}
		back := splitIDs(tt.want)
		if len(back) != len(tt.ids) {
			t.Errorf("splitIDs(%q) = %v", tt.want, back)
		}
	}
}
