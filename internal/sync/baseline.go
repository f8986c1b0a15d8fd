package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/metrics"
	"github.com/teampulse/teampulse/internal/store"
)

const (
	baselineKey        = "avg_tasks_per_member_per_day"
	baselineMaxAge     = 24 * time.Hour
	baselineWindowDays = 90
)

// RefreshBaseline returns the 90-day average-tasks-per-member-per-day
// statistic, recomputing it from the remote at most once per 24 hours.
// Uniqueness is per task-day pair per member; normalization is by calendar
// days over the trailing window.
func RefreshBaseline(ctx context.Context, db *store.DB, client API, members []metrics.Member) (metrics.Baseline, error) {
	value, updatedMs, ok, err := db.GetBaseline(baselineKey)
	if err == nil && ok {
		updatedAt := time.UnixMilli(updatedMs)
		if time.Since(updatedAt) < baselineMaxAge {
			return metrics.Baseline{AvgTasksPerMemberPerDay: value, UpdatedAt: updatedAt}, nil
		}
	}

	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if m.ClickUpID != 0 {
			userIDs = append(userIDs, m.ClickUpID)
		}
	}
	if len(userIDs) == 0 {
		return metrics.Baseline{}, nil
	}

	now := time.Now()
	chunk := historyWindow / historyChunks
	var history []clickup.TimeEntry
	for i := 0; i < historyChunks; i++ {
		start := now.Add(-historyWindow + time.Duration(i)*chunk)
		entries, err := client.GetTimeEntries(ctx, start, start.Add(chunk), userIDs)
		if err != nil {
			return metrics.Baseline{}, fmt.Errorf("fetching baseline history: %w", err)
		}
		history = append(history, entries...)
	}

	avg := avgTasksPerMemberPerDay(history, len(userIDs))
	if err := db.SetBaseline(baselineKey, avg, now.UnixMilli()); err != nil {
		return metrics.Baseline{}, fmt.Errorf("storing baseline: %w", err)
	}
	return metrics.Baseline{AvgTasksPerMemberPerDay: avg, UpdatedAt: now}, nil
}

// avgTasksPerMemberPerDay counts unique (user, task, day) triples over the
// window and averages them across members and calendar days.
func avgTasksPerMemberPerDay(entries []clickup.TimeEntry, memberCount int) float64 {
	if memberCount == 0 {
		return 0
	}
	seen := make(map[string]bool)
	for i := range entries {
		e := &entries[i]
		taskID := e.TaskID()
		if taskID == "" || e.Start.IsZero() {
			continue
		}
		key := fmt.Sprintf("%d|%s|%s", e.UserID(), taskID, e.Start.Time().Format("2006-01-02"))
		seen[key] = true
	}
	return float64(len(seen)) / float64(memberCount) / float64(baselineWindowDays)
}
