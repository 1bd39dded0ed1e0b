package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// DispatcherConfig holds all dispatcher settings
type DispatcherConfig struct {
	Server        ServerConfig        `toml:"server"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Storage       StorageConfig       `toml:"storage"`
	Notifications NotificationsConfig `toml:"notifications"`
	Log           LogConfig           `toml:"log"`
	Recurring     []RecurringJob      `toml:"recurring" ignored:"true"`
}

// SchedulerConfig holds the dispatch loop settings
type SchedulerConfig struct {
	TickInterval  Duration `toml:"tick_interval" split_words:"true"`
	WatchVersions bool     `toml:"watch_versions" split_words:"true"`
}

// StorageConfig holds the dispatcher's on-disk locations
type StorageConfig struct {
	VersionsDir string `toml:"versions_dir" split_words:"true"`
	JobsDir     string `toml:"jobs_dir" split_words:"true"`
	RunnersDir  string `toml:"runners_dir" split_words:"true"`
	EventsDB    string `toml:"events_db" split_words:"true"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook" split_words:"true"`
}

// RecurringJob submits a job for the newest matching build on a cron schedule
type RecurringJob struct {
	Name          string `toml:"name"`
	Cron          string `toml:"cron"`
	OS            string `toml:"os"`
	TestcaseMark  string `toml:"testcase_mark"`
	VersionPrefix string `toml:"version_prefix"`
}

// DefaultDispatcher returns a DispatcherConfig with sensible defaults
func DefaultDispatcher() *DispatcherConfig {
	return &DispatcherConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Scheduler: SchedulerConfig{
			TickInterval:  Dur(time.Second),
			WatchVersions: true,
		},
		Storage: StorageConfig{
			VersionsDir: dataDir("dispatcher", "versions"),
			JobsDir:     dataDir("dispatcher", "jobs"),
			RunnersDir:  dataDir("dispatcher", "runners"),
			EventsDB:    dataDir("dispatcher", "events.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDispatcher reads the TOML file at path (missing file means defaults)
// and applies environment overrides.
func LoadDispatcher(path string) (*DispatcherConfig, error) {
	cfg := DefaultDispatcher()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Storage.VersionsDir = ExpandPath(cfg.Storage.VersionsDir)
	cfg.Storage.JobsDir = ExpandPath(cfg.Storage.JobsDir)
	cfg.Storage.RunnersDir = ExpandPath(cfg.Storage.RunnersDir)
	cfg.Storage.EventsDB = ExpandPath(cfg.Storage.EventsDB)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently
func (c *DispatcherConfig) Validate() error {
	if c.Scheduler.TickInterval.Duration <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	seen := make(map[string]bool)
	for _, r := range c.Recurring {
		if r.Name == "" {
			return fmt.Errorf("recurring job without name")
		}
		if seen[r.Name] {
			return fmt.Errorf("recurring job %q defined twice", r.Name)
		}
		seen[r.Name] = true
		if _, err := cron.ParseStandard(r.Cron); err != nil {
			return fmt.Errorf("recurring job %q: invalid cron %q: %w", r.Name, r.Cron, err)
		}
		if !domain.ValidOS(r.OS) {
			return fmt.Errorf("recurring job %q: %w: %q", r.Name, domain.ErrUnsupportedOS, r.OS)
		}
		if r.TestcaseMark == "" {
			return fmt.Errorf("recurring job %q: testcase_mark is required", r.Name)
		}
	}
	return nil
}

// DefaultDispatcherConfigPath returns the default config file location
func DefaultDispatcherConfigPath() string {
	return dataDir("dispatcher.toml")
}
