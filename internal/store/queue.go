package store

import (
	"fmt"
	"time"
)

// Queue item statuses form a small state machine:
// pending -> processing -> completed | failed.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// QueueItem is a durable record of a remote-mutation intent (start/stop
// timer) created when the remote call could not be issued immediately.
type QueueItem struct {
	ID        string
	Type      string
	Payload   string
	UserID    int64
	Status    string
	Retries   int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (db *DB) InsertQueueItem(item QueueItem) error {
	_, err := db.Exec(
		`INSERT INTO sync_queue (id, type, payload, user_id, status, retries, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Type, item.Payload, item.UserID, item.Status,
		item.Retries, item.LastError, item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting queue item: %w", err)
	}
	return nil
}

// ListQueueItems returns items with the given status, oldest first. An
// empty status returns everything.
func (db *DB) ListQueueItems(status string) ([]QueueItem, error) {
	query := "SELECT id, type, payload, user_id, status, retries, last_error, created_at, updated_at FROM sync_queue"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var createdMs, updatedMs int64
		if err := rows.Scan(
			&item.ID, &item.Type, &item.Payload, &item.UserID, &item.Status,
			&item.Retries, &item.LastError, &createdMs, &updatedMs,
		); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		item.CreatedAt = time.UnixMilli(createdMs)
		item.UpdatedAt = time.UnixMilli(updatedMs)
		items = append(items, item)
	}

	return items, rows.Err()
}

func (db *DB) UpdateQueueItem(id, status string, retries int, lastError string) error {
	_, err := db.Exec(
		"UPDATE sync_queue SET status = ?, retries = ?, last_error = ?, updated_at = ? WHERE id = ?",
		status, retries, lastError, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("updating queue item %s: %w", id, err)
	}
	return nil
}

// PurgeQueueItems removes completed items older than the cutoff and returns
// how many were deleted.
func (db *DB) PurgeQueueItems(cutoff time.Time) (int64, error) {
	result, err := db.Exec(
		"DELETE FROM sync_queue WHERE status = ? AND updated_at < ?",
		QueueCompleted, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging queue: %w", err)
	}
	return result.RowsAffected()
}

// QueueStats is the per-status item count.
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

func (db *DB) GetQueueStats() (QueueStats, error) {
	rows, err := db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return QueueStats{}, fmt.Errorf("querying queue stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("scanning queue stats: %w", err)
		}
		switch status {
		case QueuePending:
			stats.Pending = count
		case QueueProcessing:
			stats.Processing = count
		case QueueCompleted:
			stats.Completed = count
		case QueueFailed:
			stats.Failed = count
		}
	}

	return stats, rows.Err()
}
