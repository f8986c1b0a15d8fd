// Package cache implements the two-tier task cache: an in-memory map
// mirrored into the sqlite store, refreshed by full and incremental syncs
// against the ClickUp task API. Staleness is preferable to unavailability:
// every persistence or network failure in here is logged and swallowed so
// callers keep whatever data the cache already holds.
package cache

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/store"
)

const (
	// Weekly full refresh; anything newer is served incrementally.
	fullSyncMaxAge = 7 * 24 * time.Hour

	// Retention horizon for the periodic sweep.
	retention = 30 * 24 * time.Hour

	fullSyncPageCap = 10 // <= 1000 tasks per full sync call

	incrementalInterval = 30 * time.Second
	cleanupInterval     = 2 * time.Hour

	stateLastFullSync        = "task_cache.last_full_sync"
	stateLastIncrementalSync = "task_cache.last_incremental_sync"
)

// Fetcher is the slice of the API client the cache needs.
type Fetcher interface {
	GetFilteredTasks(ctx context.Context, filter clickup.TaskFilter) (clickup.TaskPage, error)
}

type entry struct {
	task        clickup.Task
	assignees   []int64
	dateUpdated time.Time
	cachedAt    time.Time
}

// Stats reports cache effectiveness.
type Stats struct {
	Size            int
	Hits            int64
	Misses          int64
	LastFullSync    time.Time
	LastIncremental time.Time
}

type TaskCache struct {
	client Fetcher
	db     *store.DB
	logger *slog.Logger

	mu          sync.RWMutex
	tasks       map[string]entry
	initialized bool
	lastFull    time.Time
	lastIncr    time.Time
	hits        int64
	misses      int64

	syncMu  sync.Mutex
	syncing bool

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
}

func New(client Fetcher, db *store.DB, logger *slog.Logger) *TaskCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TaskCache{
		client: client,
		db:     db,
		logger: logger,
		tasks:  make(map[string]entry),
	}
}

// Initialize loads persisted sync metadata and all persisted task rows into
// the memory tier. Idempotent; failures are logged and swallowed so the
// rest of the system runs in a degraded empty-cache mode.
func (c *TaskCache) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}

	c.lastFull = c.readStateTime(stateLastFullSync)
	c.lastIncr = c.readStateTime(stateLastIncrementalSync)

	rows, err := c.db.LoadTasks()
	if err != nil {
		c.logger.Error("task cache init failed, starting empty", "error", err)
		c.initialized = true
		return
	}
	for _, row := range rows {
		c.tasks[row.Task.ID] = entry{
			task:        row.Task,
			assignees:   row.Assignees,
			dateUpdated: row.DateUpdated,
			cachedAt:    row.CachedAt,
		}
	}
	c.initialized = true
	c.logger.Info("task cache initialized", "tasks", len(rows),
		"last_full_sync", c.lastFull, "last_incremental_sync", c.lastIncr)
}

func (c *TaskCache) readStateTime(key string) time.Time {
	v, err := c.db.GetState(key)
	if err != nil {
		c.logger.Warn("reading cache state", "key", key, "error", err)
		return time.Time{}
	}
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *TaskCache) writeStateTime(key string, t time.Time) {
	if err := c.db.SetState(key, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		c.logger.Warn("writing cache state", "key", key, "error", err)
	}
}

// ShouldPerformFullSync reports whether the weekly full refresh is due:
// empty memory tier, no full sync ever, or the last one older than 7 days.
func (c *TaskCache) ShouldPerformFullSync() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tasks) == 0 || c.lastFull.IsZero() {
		return true
	}
	return time.Since(c.lastFull) > fullSyncMaxAge
}

// tryBeginSync flips the syncing guard. Concurrent sync requests are
// dropped, not queued.
func (c *TaskCache) tryBeginSync() bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncing {
		return false
	}
	c.syncing = true
	return true
}

func (c *TaskCache) endSync() {
	c.syncMu.Lock()
	c.syncing = false
	c.syncMu.Unlock()
}

// FullSync re-fetches the assignees' task set page by page (10-page hard
// cap), persisting every page immediately, then records the completion time
// as the new full-sync baseline. No-op when a sync is already running.
func (c *TaskCache) FullSync(ctx context.Context, assigneeIDs []int64) {
	if !c.tryBeginSync() {
		c.logger.Debug("full sync skipped, another sync in progress")
		return
	}
	defer c.endSync()

	started := time.Now()
	total := 0
	for page := 0; page < fullSyncPageCap; page++ {
		result, err := c.client.GetFilteredTasks(ctx, clickup.TaskFilter{
			AssigneeIDs:     assigneeIDs,
			IncludeClosed:   true,
			IncludeSubtasks: true,
			Page:            page,
		})
		if err != nil {
			c.logger.Error("full sync page fetch failed", "page", page, "error", err)
			return
		}
		c.storeTasks(result.Tasks)
		total += len(result.Tasks)
		if !result.HasMore {
			break
		}
	}

	now := time.Now()
	c.mu.Lock()
	c.lastFull = now
	c.lastIncr = now
	c.mu.Unlock()
	c.writeStateTime(stateLastFullSync, now)
	c.writeStateTime(stateLastIncrementalSync, now)

	c.logger.Info("task cache full sync complete", "tasks", total, "elapsed", time.Since(started))
}

// IncrementalSync fetches only tasks updated after the stored baseline
// (first page only) and records a new incremental baseline regardless of
// whether any rows came back. Requires a prior baseline; callers should
// have performed a full sync first.
func (c *TaskCache) IncrementalSync(ctx context.Context, assigneeIDs []int64) {
	c.mu.RLock()
	baseline := c.lastIncr
	if baseline.IsZero() {
		baseline = c.lastFull
	}
	c.mu.RUnlock()
	if baseline.IsZero() {
		c.logger.Warn("incremental sync requested with no baseline, run a full sync first")
		return
	}

	if !c.tryBeginSync() {
		c.logger.Debug("incremental sync skipped, another sync in progress")
		return
	}
	defer c.endSync()

	result, err := c.client.GetFilteredTasks(ctx, clickup.TaskFilter{
		AssigneeIDs:     assigneeIDs,
		UpdatedAfter:    baseline,
		IncludeClosed:   true,
		IncludeSubtasks: true,
		Page:            0,
	})
	if err != nil {
		c.logger.Error("incremental sync fetch failed", "error", err)
		return
	}
	c.storeTasks(result.Tasks)

	now := time.Now()
	c.mu.Lock()
	c.lastIncr = now
	c.mu.Unlock()
	c.writeStateTime(stateLastIncrementalSync, now)

	if len(result.Tasks) > 0 {
		c.logger.Debug("task cache incremental sync", "updated", len(result.Tasks))
	}
}

// PutAll populates the cache directly from an already-fetched result set,
// bypassing the cache's own sync path. Used by the orchestrator's fresh
// task-fetch phase.
func (c *TaskCache) PutAll(tasks []clickup.Task) {
	c.storeTasks(tasks)
}

func (c *TaskCache) storeTasks(tasks []clickup.Task) {
	if len(tasks) == 0 {
		return
	}
	now := time.Now()
	rows := make([]store.CachedTask, 0, len(tasks))

	c.mu.Lock()
	for _, t := range tasks {
		assignees := make([]int64, 0, len(t.Assignees))
		for _, u := range t.Assignees {
			assignees = append(assignees, u.ID)
		}
		updated := t.DateUpdated.Time()
		if updated.IsZero() {
			updated = now
		}
		c.tasks[t.ID] = entry{task: t, assignees: assignees, dateUpdated: updated, cachedAt: now}
		rows = append(rows, store.CachedTask{Task: t, Assignees: assignees, DateUpdated: updated, CachedAt: now})
	}
	c.mu.Unlock()

	if err := c.db.UpsertTasks(rows); err != nil {
		c.logger.Error("persisting task cache rows", "count", len(rows), "error", err)
	}
}

// Get is a synchronous memory-tier lookup, counted for effectiveness
// reporting. The returned task must not be mutated.
func (c *TaskCache) Get(taskID string) (*clickup.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[taskID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	t := e.task
	return &t, true
}

func (c *TaskCache) Has(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tasks[taskID]
	return ok
}

func (c *TaskCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:            len(c.tasks),
		Hits:            c.hits,
		Misses:          c.misses,
		LastFullSync:    c.lastFull,
		LastIncremental: c.lastIncr,
	}
}

// Cleanup evicts memory-tier and persisted rows whose last-updated
// timestamp is past the 30-day retention horizon.
func (c *TaskCache) Cleanup() {
	cutoff := time.Now().Add(-retention)

	c.mu.Lock()
	evicted := 0
	for id, e := range c.tasks {
		if e.dateUpdated.Before(cutoff) {
			delete(c.tasks, id)
			evicted++
		}
	}
	c.mu.Unlock()

	deleted, err := c.db.DeleteTasksUpdatedBefore(cutoff)
	if err != nil {
		c.logger.Error("cache cleanup persistence failed", "error", err)
	}
	if evicted > 0 || deleted > 0 {
		c.logger.Info("task cache cleanup", "memory_evicted", evicted, "rows_deleted", deleted)
	}
}

// StartBackgroundSync triggers one unconditional full sync (to pick up
// newly added tasks even when the cache looks fresh), then refreshes
// incrementally every 30 seconds and sweeps every 2 hours until the cache
// is stopped. Calling it while already running is a no-op.
func (c *TaskCache) StartBackgroundSync(ctx context.Context, assigneeIDs []int64) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgCancel != nil {
		return
	}

	bgCtx, cancel := context.WithCancel(ctx)
	c.bgCancel = cancel

	go func() {
		c.FullSync(bgCtx, assigneeIDs)

		incr := time.NewTicker(incrementalInterval)
		sweep := time.NewTicker(cleanupInterval)
		defer incr.Stop()
		defer sweep.Stop()

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-incr.C:
				c.IncrementalSync(bgCtx, assigneeIDs)
			case <-sweep.C:
				c.Cleanup()
			}
		}
	}()
}

// Stop cancels the background sync loop. Safe to call when not running.
func (c *TaskCache) Stop() {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgCancel = nil
	}
}
