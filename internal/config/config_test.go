package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDispatcher_Defaults(t *testing.T) {
	cfg := DefaultDispatcher()

	if cfg.Scheduler.TickInterval.Duration != time.Second {
		t.Errorf("TickInterval = %s, want 1s", cfg.Scheduler.TickInterval)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadDispatcher_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadDispatcher(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoadDispatcher_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[server]
port = 9000

[scheduler]
tick_interval = "250ms"

[storage]
versions_dir = "/srv/coreci/versions"

[notifications]
slack_webhook = "https://hooks.example/abc"

[[recurring]]
name = "nightly-linux"
cron = "0 2 * * *"
os = "linux"
testcase_mark = "nightly"
version_prefix = "0.2"
`)

	cfg, err := LoadDispatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scheduler.TickInterval.Duration != 250*time.Millisecond {
		t.Errorf("TickInterval = %s, want 250ms", cfg.Scheduler.TickInterval)
	}
	if cfg.Storage.VersionsDir != "/srv/coreci/versions" {
		t.Errorf("VersionsDir = %q", cfg.Storage.VersionsDir)
	}
	if cfg.Notifications.SlackWebhook != "https://hooks.example/abc" {
		t.Errorf("SlackWebhook = %q", cfg.Notifications.SlackWebhook)
	}
	if len(cfg.Recurring) != 1 || cfg.Recurring[0].TestcaseMark != "nightly" {
		t.Errorf("Recurring = %+v", cfg.Recurring)
	}
}

func TestLoadDispatcher_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
[server]
port = 9000
`)
	t.Setenv("CORECI_SERVER_PORT", "9100")
	t.Setenv("CORECI_SCHEDULER_TICK_INTERVAL", "2s")
	t.Setenv("CORECI_STORAGE_EVENTS_DB", "/tmp/events.db")

	cfg, err := LoadDispatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Scheduler.TickInterval.Duration != 2*time.Second {
		t.Errorf("TickInterval = %s, want 2s", cfg.Scheduler.TickInterval)
	}
	if cfg.Storage.EventsDB != "/tmp/events.db" {
		t.Errorf("EventsDB = %q", cfg.Storage.EventsDB)
	}
}

func TestLoadDispatcher_RejectsBadRecurring(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad cron", `[[recurring]]
name = "x"
cron = "not a cron"
os = "linux"
testcase_mark = "m"`},
		{"bad os", `[[recurring]]
name = "x"
cron = "@daily"
os = "plan9"
testcase_mark = "m"`},
		{"duplicate", `[[recurring]]
name = "x"
cron = "@daily"
os = "linux"
testcase_mark = "m"

[[recurring]]
name = "x"
cron = "@hourly"
os = "linux"
testcase_mark = "m"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadDispatcher(writeTempConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRunner_FromFileAndEnv(t *testing.T) {
	path := writeTempConfig(t, `
[runner]
id = "bench-01"
os = "windows"
testcase_folder = "/opt/cases"

[core]
process_names = ["rbk"]
confirm_timeout = "10s"
`)
	t.Setenv("CORECI_DISPATCHER_URL", "http://dispatcher:8000")

	cfg, err := LoadRunner(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runner.ID != "bench-01" || cfg.Runner.OS != "windows" {
		t.Errorf("Runner = %+v", cfg.Runner)
	}
	if len(cfg.Core.ProcessNames) != 1 || cfg.Core.ProcessNames[0] != "rbk" {
		t.Errorf("ProcessNames = %v", cfg.Core.ProcessNames)
	}
	if cfg.Core.ConfirmTimeout.Duration != 10*time.Second {
		t.Errorf("ConfirmTimeout = %s", cfg.Core.ConfirmTimeout)
	}
	if cfg.Core.ConfirmChecks != 3 {
		t.Errorf("ConfirmChecks = %d, want default 3", cfg.Core.ConfirmChecks)
	}
	if cfg.Dispatcher.URL != "http://dispatcher:8000" {
		t.Errorf("Dispatcher.URL = %q", cfg.Dispatcher.URL)
	}
}

func TestLoadRunner_RejectsUnsupportedOS(t *testing.T) {
	path := writeTempConfig(t, `
[runner]
id = "x"
os = "darwin"
`)
	if _, err := LoadRunner(path); err == nil {
		t.Error("expected error for unsupported os")
	}
}

func TestRunnerConfig_BaseAddress(t *testing.T) {
	cfg := DefaultRunner()
	cfg.Server.Host = "10.0.0.5"
	cfg.Server.Port = 8001
	if got := cfg.BaseAddress(); got != "http://10.0.0.5:8001" {
		t.Errorf("BaseAddress() = %q", got)
	}
	cfg.Runner.PublicURL = "http://bench-01.lab:8001"
	if got := cfg.BaseAddress(); got != "http://bench-01.lab:8001" {
		t.Errorf("BaseAddress() = %q, want public url", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	os.WriteFile(envPath, []byte("CORECI_TEST_ENVFILE_MARKER=loaded\n"), 0644)
	t.Cleanup(func() { os.Unsetenv("CORECI_TEST_ENVFILE_MARKER") })

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CORECI_TEST_ENVFILE_MARKER"); got != "loaded" {
		t.Errorf("env = %q, want loaded", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
