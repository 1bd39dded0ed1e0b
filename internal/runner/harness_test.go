package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/domain"
)

func TestPytest_Args(t *testing.T) {
	p := NewPytest(config.HarnessConfig{Command: "pytest", ExtraArgs: []string{"-x", "--timeout=120"}})
	run := CaseRun{Mark: "smoke", Case: "test_login", CaseDir: "/cases/test_login", OutputDir: "/out/j1/test_login"}

	got := strings.Join(p.Args(run), " ")
	want := "-m smoke --html=" + filepath.Join("/out/j1/test_login", "test_login.html") + " -x --timeout=120 /cases/test_login"
	if got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script")
	}
	path := filepath.Join(t.TempDir(), "fake.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPytest_RunCaseCapturesOutputAndExitCode(t *testing.T) {
	script := writeScript(t, "echo \"args: $@\"\nexit 3\n")
	p := NewPytest(config.HarnessConfig{Command: script})
	run := CaseRun{Mark: "smoke", Case: "test_a", CaseDir: "/cases/test_a", OutputDir: filepath.Join(t.TempDir(), "test_a")}

	code, err := p.RunCase(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	log, _ := os.ReadFile(run.LogPath())
	if !strings.Contains(string(log), "-m smoke") {
		t.Errorf("log = %q", log)
	}
}

func TestPytest_RunCaseMissingCommand(t *testing.T) {
	p := NewPytest(config.HarnessConfig{Command: filepath.Join(t.TempDir(), "no-such-pytest")})
	run := CaseRun{Case: "test_a", OutputDir: filepath.Join(t.TempDir(), "test_a")}

	if _, err := p.RunCase(context.Background(), run); !errors.Is(err, domain.ErrHarnessInvocation) {
		t.Errorf("err = %v, want ErrHarnessInvocation", err)
	}
}

func TestPytest_Merge(t *testing.T) {
	script := writeScript(t, "while [ $# -gt 0 ]; do [ \"$1\" = -o ] && echo merged > \"$2\"; shift; done\n")
	p := NewPytest(config.HarnessConfig{MergeCommand: script})
	runDir := t.TempDir()

	if err := p.Merge(context.Background(), runDir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(runDir, MergedReport)); err != nil {
		t.Errorf("merged report missing: %v", err)
	}

	if err := NewPytest(config.HarnessConfig{}).Merge(context.Background(), t.TempDir()); !errors.Is(err, ErrMergeDisabled) {
		t.Errorf("Merge without command = %v, want ErrMergeDisabled", err)
	}
}

func TestListCases(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"test_b", "test_a", "conftest_dir", "data"} {
		os.MkdirAll(filepath.Join(root, d), 0755)
	}
	os.WriteFile(filepath.Join(root, "test_file.py"), nil, 0644)

	cases, err := listCases(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 || cases[0] != "test_a" || cases[1] != "test_b" {
		t.Errorf("cases = %v", cases)
	}
}
