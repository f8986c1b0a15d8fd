package clickup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", "team1", server.URL, nil)
}

func TestGetFilteredTasksHasMore(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		hasMore bool
	}{
		{"full page", 100, true},
		{"partial page", 99, false},
		{"empty page", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				tasks := make([]Task, tt.count)
				for i := range tasks {
					tasks[i] = Task{ID: fmt.Sprintf("task-%d", i), Name: "t"}
				}
				json.NewEncoder(w).Encode(map[string]interface{}{"tasks": tasks})
			})

			page, err := client.GetFilteredTasks(context.Background(), TaskFilter{})
			if err != nil {
				t.Fatalf("GetFilteredTasks: %v", err)
			}
			if len(page.Tasks) != tt.count {
				t.Errorf("got %d tasks, want %d", len(page.Tasks), tt.count)
			}
			if page.HasMore != tt.hasMore {
				t.Errorf("HasMore = %v, want %v", page.HasMore, tt.hasMore)
			}
		})
	}
}

func TestGetFilteredTasksQueryParams(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []Task{}})
	})

	updatedAfter := time.UnixMilli(1700000000000)
	_, err := client.GetFilteredTasks(context.Background(), TaskFilter{
		AssigneeIDs:   []int64{1, 2},
		UpdatedAfter:  updatedAfter,
		IncludeClosed: true,
		Page:          3,
	})
	if err != nil {
		t.Fatalf("GetFilteredTasks: %v", err)
	}

	for _, want := range []string{"page=3", "include_closed=true", "date_updated_gt=1700000000000", "assignees%5B%5D=1", "assignees%5B%5D=2"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestGetTimeEntriesSpanLimit(t *testing.T) {
	client := NewClient("tok", "team1", "http://invalid.localhost", nil)

	start := time.Now().Add(-31 * 24 * time.Hour)
	_, err := client.GetTimeEntries(context.Background(), start, time.Now(), nil)
	if err == nil {
		t.Fatal("expected error for span over 30 days")
	}
	if !strings.Contains(err.Error(), "30-day") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetTaskDetailsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"err":"Task not found"}`))
	})

	task, err := client.GetTaskDetails(context.Background(), "missing")
	if err != nil {
		t.Fatalf("404 should not be an error, got: %v", err)
	}
	if task != nil {
		t.Error("expected nil task for 404")
	}
}

func TestGetRunningTimerEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null}`))
	})

	timer, err := client.GetRunningTimer(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetRunningTimer: %v", err)
	}
	if timer != nil {
		t.Error("expected nil timer when nothing is running")
	}
}

func TestGetRunningTimerNegativeDuration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"id":"e1","duration":"-45000","start":"1700000000000"}}`))
	})

	timer, err := client.GetRunningTimer(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetRunningTimer: %v", err)
	}
	if timer == nil {
		t.Fatal("expected a timer")
	}
	if !timer.Running() {
		t.Error("negative duration timer should report running")
	}
}

func TestClientDoesNotRetry(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetTeamMembers(context.Background())
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
	if calls != 1 {
		t.Errorf("client issued %d calls, want exactly 1 (no retries)", calls)
	}
}

func TestCycleRequestCount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []Task{}})
	})

	client.ResetCycleCount()
	for i := 0; i < 3; i++ {
		if _, err := client.GetFilteredTasks(context.Background(), TaskFilter{}); err != nil {
			t.Fatalf("GetFilteredTasks: %v", err)
		}
	}
	if got := client.CycleRequestCount(); got != 3 {
		t.Errorf("CycleRequestCount = %d, want 3", got)
	}

	client.ResetCycleCount()
	if got := client.CycleRequestCount(); got != 0 {
		t.Errorf("after reset CycleRequestCount = %d, want 0", got)
	}
}

func TestAuthHeader(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"data":null}`))
	})

	client.GetRunningTimer(context.Background(), 1)
	if gotAuth != "test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}
