package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	naturaldate "github.com/tj/go-naturaldate"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/clickup"
	"github.com/teampulse/teampulse/internal/config"
	"github.com/teampulse/teampulse/internal/metrics"
	"github.com/teampulse/teampulse/internal/render"
	"github.com/teampulse/teampulse/internal/scheduler"
	"github.com/teampulse/teampulse/internal/store"
	syncer "github.com/teampulse/teampulse/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "teampulse",
	Short: "Team dashboard mirroring ClickUp activity",
	Long:  "teampulse syncs your team's ClickUp timers, time entries and tasks into a local database and derives per-member status and score metrics.",
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print the dashboard",
	RunE:  runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the periodic sync loop",
	RunE:  runWatch,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running watch loop",
	RunE:  runStop,
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List tracked members",
	RunE:  runMembers,
}

var membersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import members from the ClickUp team",
	RunE:  runMembersImport,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and process the remote-mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending queue items",
	RunE:  runQueueList,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Replay pending queue items against ClickUp",
	RunE:  runQueueProcess,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old completed queue items",
	RunE:  runQueuePurge,
}

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Start or stop a member's ClickUp timer",
}

var timerStartCmd = &cobra.Command{
	Use:   "start <taskID>",
	Short: "Start a timer on a task, queuing the intent if ClickUp is unreachable",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimerStart,
}

var timerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the member's running timer, queuing the intent if ClickUp is unreachable",
	RunE:  runTimerStop,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Open config file in your editor",
	RunE:  runConfig,
}

func init() {
	syncCmd.Flags().String("range", "", `Date range in natural language ("yesterday", "last week")`)
	syncCmd.Flags().Bool("verbose", false, "Log sync internals")
	queuePurgeCmd.Flags().Int("days", 7, "Purge completed items older than this many days")
	timerStartCmd.Flags().Int64("user", 0, "ClickUp user id of the member")
	timerStopCmd.Flags().Int64("user", 0, "ClickUp user id of the member")

	membersCmd.AddCommand(membersImportCmd)
	timerCmd.AddCommand(timerStartCmd)
	timerCmd.AddCommand(timerStopCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueProcessCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePurgeCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(timerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ClickUp.APIToken == "" {
		return nil, fmt.Errorf("ClickUp API token not configured — run 'teampulse config' or set CLICKUP_API_TOKEN")
	}
	if cfg.ClickUp.TeamID == "" {
		return nil, fmt.Errorf("ClickUp team id not configured — run 'teampulse config' or set CLICKUP_TEAM_ID")
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient(cfg *config.Config, logger *slog.Logger) *clickup.Client {
	return clickup.NewClient(cfg.ClickUp.APIToken, cfg.ClickUp.TeamID, cfg.ClickUp.BaseURL, logger)
}

func loadMembers(db *store.DB) ([]metrics.Member, error) {
	rows, err := db.ListMembers()
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

func parseRange(expr string, now time.Time) (*metrics.DateRange, error) {
	if expr == "" {
		return nil, nil
	}
	start, err := naturaldate.Parse(expr, now, naturaldate.WithDirection(naturaldate.Past))
	if err != nil {
		return nil, fmt.Errorf("parsing range %q: %w", expr, err)
	}
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		Add(24*time.Hour - time.Second)
	return &metrics.DateRange{Start: dayStart, End: dayEnd}, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	rangeExpr, _ := cmd.Flags().GetString("range")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	members, err := loadMembers(db)
	if err != nil {
		return fmt.Errorf("loading members: %w", err)
	}
	if len(members) == 0 {
		return fmt.Errorf("no members configured — run 'teampulse members import' first")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	window, err := parseRange(rangeExpr, time.Now())
	if err != nil {
		return err
	}

	client := newClient(cfg, logger)
	taskCache := cache.New(client, db, logger)
	taskCache.Initialize()
	orch := syncer.NewOrchestrator(client, taskCache, logger)

	baseline, err := syncer.RefreshBaseline(ctx, db, client, members)
	if err != nil {
		logger.Warn("baseline refresh failed, scoring without throughput baseline", "error", err)
	}

	onProgress := func(p syncer.Progress) {
		if verbose {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p.Percent, p.Message)
		}
	}

	result, err := orch.Sync(ctx, members, baseline, cfg.Settings(), window, onProgress)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Print(render.Dashboard(result))

	if verbose {
		stats := taskCache.Stats()
		fmt.Fprintf(os.Stderr, "cache: %d tasks, %d hits, %d misses\n", stats.Size, stats.Hits, stats.Misses)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(true)

	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	client := newClient(cfg, logger)
	taskCache := cache.New(client, db, logger)
	orch := syncer.NewOrchestrator(client, taskCache, logger)
	queue := syncer.NewQueue(db, client, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(cfg, client, db, taskCache, orch, queue, logger)
	return sched.Run(ctx)
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := scheduler.ReadPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending stop signal: %w", err)
	}

	fmt.Printf("Sent stop signal to teampulse (PID %d)\n", pid)
	return nil
}

func runMembers(cmd *cobra.Command, args []string) error {
	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	rows, err := db.ListMembers()
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No members. Run 'teampulse members import' to seed from ClickUp.")
		return nil
	}

	for _, m := range rows {
		mapped := "unmapped"
		if m.ClickUpID != 0 {
			mapped = strconv.FormatInt(m.ClickUpID, 10)
		}
		fmt.Printf("  %-20s clickup=%-12s target=%.1fh status=%s\n", m.Name, mapped, m.TargetHours, m.Status)
	}
	return nil
}

func runMembersImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(false)

	db, err := store.Open()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	client := newClient(cfg, logger)
	users, err := client.GetTeamMembers(context.Background())
	if err != nil {
		return fmt.Errorf("fetching team members: %w", err)
	}

	imported := 0
	for _, u := range users {
		row := store.MemberRow{
			ID:          strconv.FormatInt(u.ID, 10),
			ClickUpID:   u.ID,
			Name:        u.Username,
			Initials:    u.Initials,
			TargetHours: cfg.Tracking.DailyTargetHours,
		}
		if existing, err := db.GetMember(row.ID); err == nil && existing != nil {
			continue // don't clobber locally edited members
		}
		if err := db.SaveMember(row); err != nil {
			return fmt.Errorf("saving member %s: %w", row.Name, err)
		}
		imported++
	}

	fmt.Printf("Imported %d members (%d total on team)\n", imported, len(users))
	return nil
}

func runTimerStart(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetInt64("user")
	if userID == 0 {
		return fmt.Errorf("--user is required")
	}

	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queued, err := queue.StartTimer(ctx, userID, args[0])
	if err != nil {
		return fmt.Errorf("starting timer: %w", err)
	}
	if queued {
		fmt.Printf("ClickUp unreachable; timer start on %s queued for replay\n", args[0])
		return nil
	}
	fmt.Printf("Timer started on task %s\n", args[0])
	return nil
}

func runTimerStop(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetInt64("user")
	if userID == 0 {
		return fmt.Errorf("--user is required")
	}

	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queued, err := queue.StopTimer(ctx, userID)
	if err != nil {
		return fmt.Errorf("stopping timer: %w", err)
	}
	if queued {
		fmt.Println("ClickUp unreachable; timer stop queued for replay")
		return nil
	}
	fmt.Println("Timer stopped")
	return nil
}

func newQueue() (*syncer.Queue, *store.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(false)

	db, err := store.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return syncer.NewQueue(db, newClient(cfg, logger), logger), db, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := queue.ListPending()
	if err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}
	for _, item := range items {
		fmt.Printf("  %s  %-12s user=%-10d retries=%d  %s\n",
			item.CreatedAt.Format("2006-01-02 15:04"), item.Type, item.UserID, item.Retries, item.ID)
	}
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	processed, failed, err := queue.ProcessPending(ctx)
	if err != nil {
		return fmt.Errorf("processing queue: %w", err)
	}
	fmt.Printf("Processed %d items, %d failed permanently\n", processed, failed)
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := queue.Stats()
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}
	fmt.Printf("  pending:    %d\n  processing: %d\n  completed:  %d\n  failed:     %d\n",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed)
	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")

	queue, db, err := newQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	deleted, err := queue.PurgeCompleted(days)
	if err != nil {
		return fmt.Errorf("purging queue: %w", err)
	}
	fmt.Printf("Purged %d completed items\n", deleted)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data := fmt.Sprintf(`[clickup]
api_token = "%s"
team_id = "%s"

[schedule]
interval_seconds = %d
work_start = "%s"
work_end = "%s"
weekend_days = [5, 6]

[tracking]
daily_target_hours = %.1f
break_threshold_minutes = %d
break_gap_minutes = %d

[score]
tracked_weight = %d
throughput_weight = %d
completion_weight = %d
compliance_weight = %d

[calendar]
enabled = false
source = ""

[notifications]
enabled = %t
`,
			cfg.ClickUp.APIToken,
			cfg.ClickUp.TeamID,
			cfg.Schedule.IntervalSeconds,
			cfg.Schedule.WorkStart,
			cfg.Schedule.WorkEnd,
			cfg.Tracking.DailyTargetHours,
			cfg.Tracking.BreakThresholdMinutes,
			cfg.Tracking.BreakGapMinutes,
			cfg.Score.TrackedWeight,
			cfg.Score.ThroughputWeight,
			cfg.Score.CompletionWeight,
			cfg.Score.ComplianceWeight,
			cfg.Notifications.Enabled,
		)
		if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	fmt.Printf("Opening %s with %s...\n", configPath, editor)

	proc := os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	}
	process, err := os.StartProcess(editor, []string{editor, configPath}, &proc)
	if err != nil {
		fmt.Printf("Could not open editor. Config file is at: %s\n", configPath)
		return nil
	}
	_, err = process.Wait()
	return err
}
