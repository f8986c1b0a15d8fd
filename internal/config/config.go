package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/teampulse/teampulse/internal/metrics"
)

type Config struct {
	ClickUp       ClickUpConfig  `toml:"clickup"`
	Schedule      ScheduleConfig `toml:"schedule"`
	Tracking      TrackingConfig `toml:"tracking"`
	Score         ScoreConfig    `toml:"score"`
	Calendar      CalendarConfig `toml:"calendar"`
	Notifications NotifyConfig   `toml:"notifications"`
}

type ClickUpConfig struct {
	APIToken string `toml:"api_token"`
	TeamID   string `toml:"team_id"`
	BaseURL  string `toml:"base_url"`
}

type ScheduleConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	WorkStart       string `toml:"work_start"`
	WorkEnd         string `toml:"work_end"`
	// Weekend days as time.Weekday values (0=Sunday … 6=Saturday).
	// Default is the Sun–Thu work week: Friday and Saturday off.
	WeekendDays []int `toml:"weekend_days"`
}

type TrackingConfig struct {
	DailyTargetHours      float64 `toml:"daily_target_hours"`
	BreakThresholdMinutes int     `toml:"break_threshold_minutes"`
	BreakGapMinutes       int     `toml:"break_gap_minutes"`
}

// ScoreConfig weights must sum to 100; invalid sets fall back to defaults.
type ScoreConfig struct {
	TrackedWeight    int `toml:"tracked_weight"`
	ThroughputWeight int `toml:"throughput_weight"`
	CompletionWeight int `toml:"completion_weight"`
	ComplianceWeight int `toml:"compliance_weight"`
}

type CalendarConfig struct {
	Enabled bool   `toml:"enabled"`
	Source  string `toml:"source"` // ICS URL or file path for the team leave calendar
}

type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
}

func DefaultConfig() Config {
	return Config{
		Schedule: ScheduleConfig{
			IntervalSeconds: 60,
			WorkStart:       "09:00",
			WorkEnd:         "17:00",
			WeekendDays:     []int{5, 6},
		},
		Tracking: TrackingConfig{
			DailyTargetHours:      8,
			BreakThresholdMinutes: metrics.DefaultBreakThresholdMinutes,
			BreakGapMinutes:       metrics.DefaultBreakGapMinutes,
		},
		Score: ScoreConfig{
			TrackedWeight:    metrics.DefaultScoreWeights.Tracked,
			ThroughputWeight: metrics.DefaultScoreWeights.Throughput,
			CompletionWeight: metrics.DefaultScoreWeights.Completion,
			ComplianceWeight: metrics.DefaultScoreWeights.Compliance,
		},
		Notifications: NotifyConfig{Enabled: true},
	}
}

// Settings converts the config into the calculation settings consumed by
// the transform and the orchestrator.
func (c *Config) Settings() metrics.Settings {
	weekend := make([]time.Weekday, 0, len(c.Schedule.WeekendDays))
	for _, d := range c.Schedule.WeekendDays {
		if d >= 0 && d <= 6 {
			weekend = append(weekend, time.Weekday(d))
		}
	}
	return metrics.Settings{
		Thresholds: metrics.Thresholds{
			BreakThresholdMinutes: c.Tracking.BreakThresholdMinutes,
			BreakGapMinutes:       c.Tracking.BreakGapMinutes,
		},
		WorkStart: c.Schedule.WorkStart,
		WorkEnd:   c.Schedule.WorkEnd,
		Weekend:   weekend,
		Weights: metrics.ScoreWeights{
			Tracked:    c.Score.TrackedWeight,
			Throughput: c.Score.ThroughputWeight,
			Completion: c.Score.CompletionWeight,
			Compliance: c.Score.ComplianceWeight,
		},
	}
}

func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "teampulse"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLICKUP_API_TOKEN"); v != "" {
		cfg.ClickUp.APIToken = v
	}
	if v := os.Getenv("CLICKUP_TEAM_ID"); v != "" {
		cfg.ClickUp.TeamID = v
	}
	if v := os.Getenv("CLICKUP_BASE_URL"); v != "" {
		cfg.ClickUp.BaseURL = v
	}
}

func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
