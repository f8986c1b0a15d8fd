package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
)

// CachedTask is a persisted task row: the raw task plus the metadata the
// cache needs for staleness checks and incremental-sync targeting.
type CachedTask struct {
	Task        clickup.Task
	Assignees   []int64
	DateUpdated time.Time
	CachedAt    time.Time
}

// UpsertTasks writes task rows keyed by external id. Writes are idempotent
// upserts; last-writer-wins is the intended resolution between the cache's
// background loop and the orchestrator's fresh-fetch phase.
func (db *DB) UpsertTasks(tasks []CachedTask) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO tasks (id, name, data, assignees, date_updated, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			assignees = excluded.assignees,
			date_updated = excluded.date_updated,
			cached_at = excluded.cached_at`,
	)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		data, err := json.Marshal(t.Task)
		if err != nil {
			return fmt.Errorf("marshaling task %s: %w", t.Task.ID, err)
		}
		if _, err := stmt.Exec(
			t.Task.ID, t.Task.Name, string(data), joinIDs(t.Assignees),
			t.DateUpdated.UnixMilli(), t.CachedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upserting task %s: %w", t.Task.ID, err)
		}
	}

	return tx.Commit()
}

// LoadTasks reads every cached task row into memory.
func (db *DB) LoadTasks() ([]CachedTask, error) {
	rows, err := db.Query("SELECT data, assignees, date_updated, cached_at FROM tasks")
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []CachedTask
	for rows.Next() {
		var data, assignees string
		var updatedMs, cachedMs int64
		if err := rows.Scan(&data, &assignees, &updatedMs, &cachedMs); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}

		var t CachedTask
		if err := json.Unmarshal([]byte(data), &t.Task); err != nil {
			// A row written by an older version that no longer parses is
			// skipped, not fatal.
			continue
		}
		t.Assignees = splitIDs(assignees)
		t.DateUpdated = time.UnixMilli(updatedMs)
		t.CachedAt = time.UnixMilli(cachedMs)
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// DeleteTasksUpdatedBefore evicts persisted rows older than the cutoff and
// returns how many were removed.
func (db *DB) DeleteTasksUpdatedBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM tasks WHERE date_updated < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting stale tasks: %w", err)
	}
	return result.RowsAffected()
}

// CountTasks returns the number of persisted task rows.
func (db *DB) CountTasks() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&n)
	return n, err
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
