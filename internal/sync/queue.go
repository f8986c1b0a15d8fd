package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/store"
)

const (
	// Remote-mutation intent types.
	QueueStartTimer = "start_timer"
	QueueStopTimer  = "stop_timer"

	maxRetries     = 3
	interItemDelay = 500 * time.Millisecond
)

// TimerAPI is the mutation slice of the ClickUp client the queue replays
// against.
type TimerAPI interface {
	StartTimer(ctx context.Context, userID int64, taskID string) (*clickup.TimeEntry, error)
	StopTimer(ctx context.Context, userID int64) (*clickup.TimeEntry, error)
}

// Queue is a best-effort retry queue for remote mutations that could not
// be issued immediately. Delivery is not transactional: items exceeding
// the retry budget are marked permanently failed and surface only through
// statistics.
type Queue struct {
	db     *store.DB
	client TimerAPI
	logger *slog.Logger
}

func NewQueue(db *store.DB, client TimerAPI, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{db: db, client: client, logger: logger}
}

// StartTimerPayload is the payload for a start_timer intent.
type StartTimerPayload struct {
	TaskID string `json:"taskId"`
}

// Enqueue records a durable mutation intent.
func (q *Queue) Enqueue(itemType string, payload interface{}, userID int64) (store.QueueItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.QueueItem{}, fmt.Errorf("marshaling queue payload: %w", err)
	}

	now := time.Now()
	item := store.QueueItem{
		ID:        uuid.NewString(),
		Type:      itemType,
		Payload:   string(data),
		UserID:    userID,
		Status:    store.QueuePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.db.InsertQueueItem(item); err != nil {
		return store.QueueItem{}, err
	}
	q.logger.Debug("queued remote mutation", "id", item.ID, "type", itemType, "user", userID)
	return item, nil
}

// StartTimer issues the remote start immediately and falls back to a
// durable queue item when the call fails. Returns whether the intent was
// queued for later replay.
func (q *Queue) StartTimer(ctx context.Context, userID int64, taskID string) (queued bool, err error) {
	if _, callErr := q.client.StartTimer(ctx, userID, taskID); callErr == nil {
		return false, nil
	} else {
		q.logger.Warn("start timer call failed, queuing for replay",
			"user", userID, "task", taskID, "error", callErr)
	}
	if _, err := q.Enqueue(QueueStartTimer, StartTimerPayload{TaskID: taskID}, userID); err != nil {
		return false, fmt.Errorf("queueing start timer: %w", err)
	}
	return true, nil
}

// StopTimer issues the remote stop immediately, queuing the intent when the
// call fails.
func (q *Queue) StopTimer(ctx context.Context, userID int64) (queued bool, err error) {
	if _, callErr := q.client.StopTimer(ctx, userID); callErr == nil {
		return false, nil
	} else {
		q.logger.Warn("stop timer call failed, queuing for replay",
			"user", userID, "error", callErr)
	}
	if _, err := q.Enqueue(QueueStopTimer, nil, userID); err != nil {
		return false, fmt.Errorf("queueing stop timer: %w", err)
	}
	return true, nil
}

// ListPending returns pending items, oldest first.
func (q *Queue) ListPending() ([]store.QueueItem, error) {
	return q.db.ListQueueItems(store.QueuePending)
}

// ProcessPending replays pending items sequentially with a 500ms delay
// between them. An item failing its third attempt is marked permanently
// failed and excluded from future processing.
func (q *Queue) ProcessPending(ctx context.Context) (processed, failed int, err error) {
	items, err := q.ListPending()
	if err != nil {
		return 0, 0, fmt.Errorf("listing pending queue items: %w", err)
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return processed, failed, err
		}

		if err := q.db.UpdateQueueItem(item.ID, store.QueueProcessing, item.Retries, item.LastError); err != nil {
			q.logger.Warn("marking queue item processing", "id", item.ID, "error", err)
		}

		dispatchErr := q.dispatch(ctx, item)
		if dispatchErr == nil {
			processed++
			if err := q.db.UpdateQueueItem(item.ID, store.QueueCompleted, item.Retries, ""); err != nil {
				q.logger.Warn("marking queue item completed", "id", item.ID, "error", err)
			}
		} else {
			retries := item.Retries + 1
			status := store.QueuePending
			if retries >= maxRetries {
				status = store.QueueFailed
				failed++
				q.logger.Warn("queue item exhausted retries", "id", item.ID, "type", item.Type, "error", dispatchErr)
			}
			if err := q.db.UpdateQueueItem(item.ID, status, retries, dispatchErr.Error()); err != nil {
				q.logger.Warn("updating queue item after failure", "id", item.ID, "error", err)
			}
		}

		if i < len(items)-1 {
			select {
			case <-ctx.Done():
				return processed, failed, ctx.Err()
			case <-time.After(interItemDelay):
			}
		}
	}

	return processed, failed, nil
}

func (q *Queue) dispatch(ctx context.Context, item store.QueueItem) error {
	switch item.Type {
	case QueueStartTimer:
		var payload StartTimerPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return fmt.Errorf("parsing start_timer payload: %w", err)
		}
		_, err := q.client.StartTimer(ctx, item.UserID, payload.TaskID)
		return err
	case QueueStopTimer:
		_, err := q.client.StopTimer(ctx, item.UserID)
		return err
	default:
		return fmt.Errorf("unknown queue item type %q", item.Type)
	}
}

// PurgeCompleted removes completed items older than the given number of
// days (default 7).
func (q *Queue) PurgeCompleted(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return q.db.PurgeQueueItems(cutoff)
}

// Stats returns per-status item counts.
func (q *Queue) Stats() (store.QueueStats, error) {
	return q.db.GetQueueStats()
}
