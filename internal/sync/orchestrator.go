// Package sync contains the top-level sync orchestrator, the remote
// mutation queue, and the team baseline refresh.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/metrics"
)

const (
	// Rolling history window used for backfill and baseline statistics,
	// fetched in 30-day chunks because of the remote per-call span limit.
	historyWindow = 90 * 24 * time.Hour
	historyChunks = 3

	// Hard cap for the fresh task fetch phase: 20 pages / 2000 tasks.
	taskFetchPageCap = 20
)

// API is the slice of the ClickUp client the orchestrator consumes.
type API interface {
	GetRunningTimer(ctx context.Context, userID int64) (*clickup.TimeEntry, error)
	GetTimeEntries(ctx context.Context, start, end time.Time, userIDs []int64) ([]clickup.TimeEntry, error)
	GetFilteredTasks(ctx context.Context, filter clickup.TaskFilter) (clickup.TaskPage, error)
	GetTaskDetails(ctx context.Context, taskID string) (*clickup.Task, error)
}

// Progress is a coarse notification emitted at phase milestones. It is a
// notification channel, not a control channel.
type Progress struct {
	Phase   string
	Message string
	Percent int
}

// Result is the outcome of one sync cycle.
type Result struct {
	SyncID  string
	Skipped bool
	// Degraded marks a cycle that failed past recovery: Members echo the
	// input identities with no fresh derived data, and persisting them
	// would overwrite real views with zeros.
	Degraded bool
	Members  []metrics.MemberView
	Projects map[string]*metrics.ProjectAggregate
	Range    metrics.DateRange
	Elapsed  time.Duration
	Requests int64
}

type Orchestrator struct {
	client API
	cache  *cache.TaskCache
	logger *slog.Logger
	lock   Lock

	mu         gosync.Mutex
	prev       Result
	backfilled bool
}

func NewOrchestrator(client API, taskCache *cache.TaskCache, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{client: client, cache: taskCache, logger: logger}
}

func report(onProgress func(Progress), phase, message string, percent int) {
	if onProgress != nil {
		onProgress(Progress{Phase: phase, Message: message, Percent: percent})
	}
}

// checkCancelled is evaluated at every phase boundary. Cancellation is
// cooperative: a long-hanging remote call is only bounded by the client's
// own network timeout.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sync cancelled: %w", err)
	}
	return nil
}

// Sync runs one full cycle. A concurrent caller gets the previous result
// marked Skipped without issuing any remote calls. Cancellation propagates
// to the caller (distinguishable via errors.Is(err, context.Canceled));
// every other failure is logged and degrades to a Degraded result carrying
// the input members with an empty project breakdown, so a failed cycle
// leaves data stale rather than crashing the caller.
func (o *Orchestrator) Sync(
	ctx context.Context,
	members []metrics.Member,
	baseline metrics.Baseline,
	settings metrics.Settings,
	window *metrics.DateRange,
	onProgress func(Progress),
) (Result, error) {
	syncID, ok := o.lock.TryAcquire()
	if !ok {
		o.logger.Info("sync already in progress, skipping")
		o.mu.Lock()
		prev := o.prev
		o.mu.Unlock()
		prev.Skipped = true
		return prev, nil
	}
	defer o.lock.Release()

	if rc, ok := o.client.(interface{ ResetCycleCount() }); ok {
		rc.ResetCycleCount()
	}

	started := time.Now()

	// Phase 1: requested window (default today, local time) and the
	// working-day count that normalizes multi-day scores.
	dr := defaultWindow(started)
	if window != nil {
		dr = *window
	}
	workingDays := metrics.WorkingDays(dr.Start, dr.End, settings.Weekend)

	report(onProgress, "starting", "starting sync", 0)
	o.logger.Info("sync started", "sync_id", syncID,
		"window_start", dr.Start, "window_end", dr.End, "working_days", workingDays)

	result, err := o.run(ctx, syncID, members, baseline, settings, dr, workingDays, onProgress)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.logger.Info("sync cancelled", "sync_id", syncID)
			return Result{SyncID: syncID, Range: dr}, err
		}
		// Last line of defense: a usable, stale result beats an error.
		o.logger.Error("sync failed, returning previous member data", "sync_id", syncID, "error", err)
		report(onProgress, "error", err.Error(), 100)
		return o.fallback(syncID, members, dr), nil
	}

	result.Elapsed = time.Since(started)
	if cc, ok := o.client.(interface{ CycleRequestCount() int64 }); ok {
		result.Requests = cc.CycleRequestCount()
	}

	o.mu.Lock()
	o.prev = result
	o.mu.Unlock()

	report(onProgress, "complete", "sync complete", 100)
	o.logger.Info("sync complete", "sync_id", syncID,
		"members", len(result.Members), "projects", len(result.Projects),
		"elapsed", result.Elapsed, "requests", result.Requests)
	return result, nil
}

func (o *Orchestrator) run(
	ctx context.Context,
	syncID string,
	members []metrics.Member,
	baseline metrics.Baseline,
	settings metrics.Settings,
	dr metrics.DateRange,
	workingDays int,
	onProgress func(Progress),
) (Result, error) {
	now := time.Now()

	// Phase 2: scatter the 90-day history chunks and every member's
	// running timer. The remote has no batch timer endpoint, so timers go
	// out one call per member, in parallel. Individual failures degrade.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	report(onProgress, "fetching", "fetching time entries and timers", 10)

	history, timers, err := o.fetchHistoryAndTimers(ctx, members, now)
	if err != nil {
		return Result{}, err
	}

	// Phase 3: window filter by interval overlap; a still-running entry
	// ends "now" for overlap purposes.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	windowEntries := filterWindow(history, dr, now)
	byMember := groupByMember(windowEntries, members)

	// Phase 4: fresh task fetch feeding the shared cache directly. This
	// phase already holds fresh data, so the cache's own incremental path
	// is bypassed.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	report(onProgress, "tasks", "refreshing task cache", 40)
	o.fetchFreshTasks(ctx, members, now)

	// Phase 5: per-member transforms, all in parallel. The cache is fully
	// populated before this point by explicit phase ordering.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	report(onProgress, "members", "computing member metrics", 60)

	views := make([]metrics.MemberView, len(members))
	var wg gosync.WaitGroup
	for i := range members {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := members[i]
			running := timers[m.ID]
			currentTask := o.resolveTaskDetails(ctx, running, byMember[m.ID])
			views[i] = metrics.TransformMember(
				m, running, currentTask, byMember[m.ID],
				o.cache, baseline, settings, workingDays, now,
			)
			views[i].SyncID = syncID
			views[i].Window = dr
		}(i)
	}
	wg.Wait()

	// Phase 6: lastActiveDate backfill merge, applied after transform so
	// the preserved field is an explicit step rather than scattered
	// through the pipeline.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	o.backfillLastActive(members, views, history)

	// Phase 7: project breakdown, rebuilt from scratch every cycle.
	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}
	report(onProgress, "processing", "building project breakdown", 85)
	projects := metrics.ProjectBreakdown(windowEntries, o.cache)

	return Result{
		SyncID:   syncID,
		Members:  views,
		Projects: projects,
		Range:    dr,
	}, nil
}

func defaultWindow(now time.Time) metrics.DateRange {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return metrics.DateRange{
		Start: start,
		End:   start.Add(24*time.Hour - time.Second),
	}
}

// fetchHistoryAndTimers scatters three 30-day entry chunks and one running
// timer call per mapped member, gathering into shared slices under a mutex.
// Individual failures are logged and skipped; when every history chunk fails
// the remote is unreachable and an error is returned, since an empty history
// is indistinguishable from a genuinely idle team.
func (o *Orchestrator) fetchHistoryAndTimers(ctx context.Context, members []metrics.Member, now time.Time) ([]clickup.TimeEntry, map[string]*clickup.TimeEntry, error) {
	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if m.ClickUpID != 0 {
			userIDs = append(userIDs, m.ClickUpID)
		}
	}

	var (
		mu           gosync.Mutex
		history      []clickup.TimeEntry
		timers       = make(map[string]*clickup.TimeEntry, len(members))
		failedChunks int
		wg           gosync.WaitGroup
	)

	chunk := historyWindow / historyChunks
	for i := 0; i < historyChunks; i++ {
		start := now.Add(-historyWindow + time.Duration(i)*chunk)
		end := start.Add(chunk)
		wg.Add(1)
		go func(start, end time.Time) {
			defer wg.Done()
			entries, err := o.client.GetTimeEntries(ctx, start, end, userIDs)
			if err != nil {
				o.logger.Warn("history chunk fetch failed, skipping",
					"start", start, "end", end, "error", err)
				mu.Lock()
				failedChunks++
				mu.Unlock()
				return
			}
			mu.Lock()
			history = append(history, entries...)
			mu.Unlock()
		}(start, end)
	}

	for _, m := range members {
		if m.ClickUpID == 0 {
			continue
		}
		wg.Add(1)
		go func(m metrics.Member) {
			defer wg.Done()
			timer, err := o.client.GetRunningTimer(ctx, m.ClickUpID)
			if err != nil {
				o.logger.Warn("running timer fetch failed, skipping member timer",
					"member", m.ID, "error", err)
				return
			}
			if timer != nil {
				mu.Lock()
				timers[m.ID] = timer
				mu.Unlock()
			}
		}(m)
	}

	wg.Wait()

	if failedChunks == historyChunks {
		return nil, nil, fmt.Errorf("all %d history chunks failed, remote unreachable", historyChunks)
	}
	return history, timers, nil
}

// filterWindow keeps entries overlapping [dr.Start, dr.End].
func filterWindow(entries []clickup.TimeEntry, dr metrics.DateRange, now time.Time) []clickup.TimeEntry {
	var out []clickup.TimeEntry
	for _, e := range entries {
		start := e.Start.Time()
		end := e.End.Time()
		if e.End.IsZero() {
			end = now
		}
		if !start.After(dr.End) && !end.Before(dr.Start) {
			out = append(out, e)
		}
	}
	return out
}

func groupByMember(entries []clickup.TimeEntry, members []metrics.Member) map[string][]clickup.TimeEntry {
	byUser := make(map[int64]string, len(members))
	for _, m := range members {
		if m.ClickUpID != 0 {
			byUser[m.ClickUpID] = m.ID
		}
	}

	grouped := make(map[string][]clickup.TimeEntry, len(members))
	for _, e := range entries {
		if memberID, ok := byUser[e.UserID()]; ok {
			grouped[memberID] = append(grouped[memberID], e)
		}
	}
	return grouped
}

// fetchFreshTasks pages through tasks updated in the history window and
// feeds them straight into the shared cache.
func (o *Orchestrator) fetchFreshTasks(ctx context.Context, members []metrics.Member, now time.Time) {
	assignees := make([]int64, 0, len(members))
	for _, m := range members {
		if m.ClickUpID != 0 {
			assignees = append(assignees, m.ClickUpID)
		}
	}

	updatedAfter := now.Add(-historyWindow)
	total := 0
	for page := 0; page < taskFetchPageCap; page++ {
		result, err := o.client.GetFilteredTasks(ctx, clickup.TaskFilter{
			AssigneeIDs:     assignees,
			UpdatedAfter:    updatedAfter,
			IncludeClosed:   true,
			IncludeSubtasks: true,
			Page:            page,
		})
		if err != nil {
			o.logger.Warn("fresh task fetch failed, cache keeps existing data",
				"page", page, "error", err)
			return
		}
		o.cache.PutAll(result.Tasks)
		total += len(result.Tasks)
		if !result.HasMore {
			break
		}
	}
	o.logger.Debug("fresh task fetch complete", "tasks", total)
}

// resolveTaskDetails finds the member's current task: the running entry's
// task, else the most recently ended one. Cache first; a miss falls
// through to one remote call, and a failed call degrades to nil.
func (o *Orchestrator) resolveTaskDetails(ctx context.Context, running *clickup.TimeEntry, entries []clickup.TimeEntry) *clickup.Task {
	taskID := running.TaskID()
	if taskID == "" {
		var lastEnd clickup.Millis
		for i := range entries {
			e := &entries[i]
			if e.Completed() && e.End > lastEnd {
				lastEnd = e.End
				taskID = e.TaskID()
			}
		}
	}
	if taskID == "" {
		return nil
	}

	if task, ok := o.cache.Get(taskID); ok {
		return task
	}
	task, err := o.client.GetTaskDetails(ctx, taskID)
	if err != nil {
		o.logger.Warn("task details fetch failed", "task", taskID, "error", err)
		return nil
	}
	return task
}

// backfillLastActive stamps lastActiveDate for members whose window shows
// no activity, from the already-fetched 90-day history. The full history
// search runs once per process; afterwards only members still missing the
// field are searched, everyone else keeps their preserved value.
func (o *Orchestrator) backfillLastActive(members []metrics.Member, views []metrics.MemberView, history []clickup.TimeEntry) {
	o.mu.Lock()
	firstPass := !o.backfilled
	o.backfilled = true
	o.mu.Unlock()

	for i := range views {
		v := &views[i]
		if !v.LastActiveDate.IsZero() {
			continue
		}
		preserved := members[i].LastActiveDate
		if !firstPass && !preserved.IsZero() {
			v.LastActiveDate = preserved
			continue
		}
		if found := latestActivity(history, members[i].ClickUpID); !found.IsZero() {
			v.LastActiveDate = found
		} else {
			v.LastActiveDate = preserved
		}
	}
}

// latestActivity finds the member's most recent activity in the history
// set: the entry end, or the start when only a running entry exists.
func latestActivity(history []clickup.TimeEntry, userID int64) time.Time {
	if userID == 0 {
		return time.Time{}
	}
	var last time.Time
	for i := range history {
		e := &history[i]
		if e.UserID() != userID {
			continue
		}
		stamp := e.End.Time()
		if e.End.IsZero() {
			stamp = e.Start.Time()
		}
		if stamp.After(last) {
			last = stamp
		}
	}
	return last
}

func (o *Orchestrator) fallback(syncID string, members []metrics.Member, dr metrics.DateRange) Result {
	views := make([]metrics.MemberView, len(members))
	for i, m := range members {
		views[i] = metrics.MemberView{Member: m, SyncID: syncID, Window: dr}
	}
	return Result{
		SyncID:   syncID,
		Degraded: true,
		Members:  views,
		Projects: map[string]*metrics.ProjectAggregate{},
		Range:    dr,
	}
}
