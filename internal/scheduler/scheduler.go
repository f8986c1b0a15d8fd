// Package scheduler runs the watch loop: periodic orchestrated syncs
// inside work hours, queue replay, and result persistence.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/calendar"
	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/config"
	"github.com/teampulse/teampulse/internal/metrics"
	"github.com/teampulse/teampulse/internal/store"
	syncer "github.com/teampulse/teampulse/internal/sync"
)

type Scheduler struct {
	cfg    *config.Config
	client *clickup.Client
	db     *store.DB
	cache  *cache.TaskCache
	orch   *syncer.Orchestrator
	queue  *syncer.Queue
	logger *slog.Logger
}

func New(cfg *config.Config, client *clickup.Client, db *store.DB, taskCache *cache.TaskCache, orch *syncer.Orchestrator, queue *syncer.Queue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cfg:    cfg,
		client: client,
		db:     db,
		cache:  taskCache,
		orch:   orch,
		queue:  queue,
		logger: logger,
	}
}

// Run starts the watch loop and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.writePID(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer s.removePID()

	members, err := s.loadMembers()
	if err != nil {
		return fmt.Errorf("loading members: %w", err)
	}
	if len(members) == 0 {
		return fmt.Errorf("no members configured — run 'teampulse members import' first")
	}

	s.cache.Initialize()
	s.cache.StartBackgroundSync(ctx, assigneeIDs(members))
	defer s.cache.Stop()

	interval := time.Duration(s.cfg.Schedule.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	s.logger.Info("watch loop started", "interval", interval,
		"work_start", s.cfg.Schedule.WorkStart, "work_end", s.cfg.Schedule.WorkEnd)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.cycle(ctx, members)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch loop stopped")
			return nil
		case <-ticker.C:
			if !s.isWorkTime(time.Now()) {
				continue
			}
			members, err = s.loadMembers()
			if err != nil {
				s.logger.Warn("reloading members failed, keeping previous set", "error", err)
			}
			s.cycle(ctx, members)
		}
	}
}

// cycle runs one sync pass: baseline refresh, orchestrated sync, leave
// overlay, persistence, and queue replay. Failures are logged and the
// previous data stays on record.
func (s *Scheduler) cycle(ctx context.Context, members []metrics.Member) {
	baseline, err := syncer.RefreshBaseline(ctx, s.db, s.client, members)
	if err != nil {
		s.logger.Warn("baseline refresh failed, scoring without throughput baseline", "error", err)
	}

	result, err := s.orch.Sync(ctx, members, baseline, s.cfg.Settings(), nil, nil)
	if err != nil {
		// Only cancellation propagates out of Sync.
		return
	}
	if result.Skipped {
		return
	}
	if result.Degraded {
		// A degraded result carries no fresh derived data; persisting it
		// would overwrite the previous cycle's real views with zeros.
		s.logger.Warn("sync degraded, keeping previous member views")
		return
	}

	s.applyLeaveOverlay(ctx, result.Members, result.Range)

	for _, view := range result.Members {
		if err := s.saveView(view); err != nil {
			s.logger.Warn("persisting member view", "member", view.ID, "error", err)
		}
	}

	if processed, failed, err := s.queue.ProcessPending(ctx); err == nil && (processed > 0 || failed > 0) {
		s.logger.Info("queue replay", "processed", processed, "failed", failed)
		if failed > 0 && s.cfg.Notifications.Enabled {
			SendNotification("teampulse", fmt.Sprintf("%d queued actions failed permanently", failed))
		}
	}

	stats := s.cache.Stats()
	s.logger.Debug("cycle complete",
		"members", len(result.Members), "projects", len(result.Projects),
		"cache_size", stats.Size, "cache_hits", stats.Hits, "cache_misses", stats.Misses)
}

func (s *Scheduler) applyLeaveOverlay(ctx context.Context, views []metrics.MemberView, dr metrics.DateRange) {
	if !s.cfg.Calendar.Enabled || s.cfg.Calendar.Source == "" {
		return
	}
	events, err := calendar.Fetch(ctx, s.cfg.Calendar.Source, dr.Start, dr.End)
	if err != nil {
		s.logger.Warn("leave calendar fetch failed, skipping overlay", "error", err)
		return
	}
	calendar.ApplyLeaveOverlay(views, events)
}

func (s *Scheduler) saveView(view metrics.MemberView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshaling view: %w", err)
	}
	return s.db.SaveMember(store.MemberRow{
		ID:             view.ID,
		ClickUpID:      view.ClickUpID,
		Name:           view.Name,
		Initials:       view.Initials,
		TargetHours:    view.TargetHours,
		Status:         string(view.Status),
		TrackedHours:   view.TrackedHours,
		Score:          view.Score,
		LastActiveDate: view.LastActiveDate,
		ViewJSON:       string(data),
		SyncedAt:       time.Now(),
	})
}

func (s *Scheduler) loadMembers() ([]metrics.Member, error) {
	rows, err := s.db.ListMembers()
	if err != nil {
		return nil, err
	}
	members := make([]metrics.Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, metrics.Member{
			ID:             r.ID,
			ClickUpID:      r.ClickUpID,
			Name:           r.Name,
			Initials:       r.Initials,
			TargetHours:    r.TargetHours,
			LastActiveDate: r.LastActiveDate,
		})
	}
	return members, nil
}

func assigneeIDs(members []metrics.Member) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if m.ClickUpID != 0 {
			ids = append(ids, m.ClickUpID)
		}
	}
	return ids
}

func (s *Scheduler) isWorkTime(t time.Time) bool {
	for _, d := range s.cfg.Schedule.WeekendDays {
		if time.Weekday(d) == t.Weekday() {
			return false
		}
	}

	startH, startM := parseTime(s.cfg.Schedule.WorkStart)
	endH, endM := parseTime(s.cfg.Schedule.WorkEnd)

	nowMins := t.Hour()*60 + t.Minute()
	return nowMins >= startH*60+startM && nowMins <= endH*60+endM
}

func parseTime(s string) (int, int) {
	if len(s) == 5 && s[2] == ':' {
		h, _ := strconv.Atoi(s[:2])
		m, _ := strconv.Atoi(s[3:])
		return h, m
	}
	return 9, 0
}

func pidPath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "teampulse.pid"), nil
}

func (s *Scheduler) writePID() error {
	path, err := pidPath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (s *Scheduler) removePID() {
	if path, err := pidPath(); err == nil {
		os.Remove(path)
	}
}

func ReadPID() (int, error) {
	path, err := pidPath()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("no running watcher found")
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file")
	}

	return pid, nil
}
