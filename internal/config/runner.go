package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// RunnerConfig holds all runner settings
type RunnerConfig struct {
	Server     ServerConfig           `toml:"server"`
	Runner     RunnerSection          `toml:"runner"`
	Core       CoreConfig             `toml:"core"`
	Harness    HarnessConfig          `toml:"harness"`
	Dispatcher DispatcherClientConfig `toml:"dispatcher"`
	Log        LogConfig              `toml:"log"`
}

// RunnerSection identifies the runner and its working directories
type RunnerSection struct {
	ID             string   `toml:"id"`
	OS             string   `toml:"os"`
	PublicURL      string   `toml:"public_url" split_words:"true"`
	JobsDir        string   `toml:"jobs_dir" split_words:"true"`
	BuildsDir      string   `toml:"builds_dir" split_words:"true"`
	OutputDir      string   `toml:"output_dir" split_words:"true"`
	TestcaseFolder string   `toml:"testcase_folder" split_words:"true"`
	SuiteDir       string   `toml:"suite_dir" split_words:"true"`
	AcceptLease    Duration `toml:"accept_lease" split_words:"true"`
}

// CoreConfig describes the system-under-test process
type CoreConfig struct {
	ExecSubdir     string   `toml:"exec_subdir" split_words:"true"`
	Executable     string   `toml:"executable"`
	ProcessNames   []string `toml:"process_names" split_words:"true"`
	Port           int      `toml:"port"`
	HealthURL      string   `toml:"health_url" split_words:"true"`
	ConfirmTimeout Duration `toml:"confirm_timeout" split_words:"true"`
	PollInterval   Duration `toml:"poll_interval" split_words:"true"`
	ConfirmChecks  int      `toml:"confirm_checks" split_words:"true"`
}

// HarnessConfig describes the external test harness
type HarnessConfig struct {
	Command      string   `toml:"command"`
	MergeCommand string   `toml:"merge_command" split_words:"true"`
	ExtraArgs    []string `toml:"extra_args" split_words:"true"`
}

// DispatcherClientConfig points the runner at a dispatcher for self-registration
type DispatcherClientConfig struct {
	URL           string   `toml:"url"`
	RetryInterval Duration `toml:"retry_interval" split_words:"true"`
}

// DefaultRunner returns a RunnerConfig with sensible defaults for the host OS
func DefaultRunner() *RunnerConfig {
	hostname, _ := os.Hostname()
	executable := "rbk"
	if runtime.GOOS == domain.OSWindows {
		executable = "rbk.exe"
	}
	return &RunnerConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8001,
		},
		Runner: RunnerSection{
			ID:          hostname,
			OS:          runtime.GOOS,
			JobsDir:     dataDir("runner", "jobs"),
			BuildsDir:   dataDir("runner", "builds"),
			OutputDir:   dataDir("runner", "runs"),
			SuiteDir:    "test_rdscore",
			AcceptLease: Dur(60 * time.Second),
		},
		Core: CoreConfig{
			ExecSubdir:     "data/rdscore",
			Executable:     executable,
			ProcessNames:   []string{"rbk", "logger23"},
			Port:           8088,
			HealthURL:      "http://localhost:8088/ping",
			ConfirmTimeout: Dur(30 * time.Second),
			PollInterval:   Dur(time.Second),
			ConfirmChecks:  3,
		},
		Harness: HarnessConfig{
			Command:      "pytest",
			MergeCommand: "pytest_html_merger",
			ExtraArgs:    []string{"-x", "--timeout=120"},
		},
		Dispatcher: DispatcherClientConfig{
			RetryInterval: Dur(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadRunner reads the TOML file at path (missing file means defaults)
// and applies environment overrides.
func LoadRunner(path string) (*RunnerConfig, error) {
	cfg := DefaultRunner()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Runner.JobsDir = ExpandPath(cfg.Runner.JobsDir)
	cfg.Runner.BuildsDir = ExpandPath(cfg.Runner.BuildsDir)
	cfg.Runner.OutputDir = ExpandPath(cfg.Runner.OutputDir)
	cfg.Runner.TestcaseFolder = ExpandPath(cfg.Runner.TestcaseFolder)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently
func (c *RunnerConfig) Validate() error {
	if c.Runner.ID == "" {
		return fmt.Errorf("runner.id is required")
	}
	if !domain.ValidOS(c.Runner.OS) {
		return fmt.Errorf("runner.os: %w: %q", domain.ErrUnsupportedOS, c.Runner.OS)
	}
	if c.Core.ConfirmChecks < 1 {
		return fmt.Errorf("core.confirm_checks must be at least 1")
	}
	if c.Core.PollInterval.Duration <= 0 || c.Core.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("core.poll_interval and core.confirm_timeout must be positive")
	}
	return nil
}

// BaseAddress is the URL the dispatcher uses to reach this runner
func (c *RunnerConfig) BaseAddress() string {
	if c.Runner.PublicURL != "" {
		return c.Runner.PublicURL
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host, _ = os.Hostname()
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// DefaultRunnerConfigPath returns the default config file location
func DefaultRunnerConfigPath() string {
	return dataDir("runner.toml")
}
