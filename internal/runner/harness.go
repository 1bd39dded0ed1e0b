package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/domain"
)

// MergedReport is the file name of a run's merged HTML report
const MergedReport = "merged.html"

// ErrMergeDisabled is returned by Merge when no merge command is configured
var ErrMergeDisabled = errors.New("report merging is not configured")

// CaseRun describes one harness invocation
type CaseRun struct {
	JobID     string
	Mark      string
	Case      string
	CaseDir   string // test case directory passed to the harness
	OutputDir string // per-case output directory
}

// ReportPath is where the harness writes the case's HTML report
func (c CaseRun) ReportPath() string {
	return filepath.Join(c.OutputDir, c.Case+".html")
}

// LogPath is where the harness output goes
func (c CaseRun) LogPath() string {
	return filepath.Join(c.OutputDir, "pytest.log")
}

// Harness runs test cases and merges their reports
type Harness interface {
	// RunCase returns the harness exit code. A non-zero exit code is not an
	// error; err is set only when the harness could not be run at all.
	RunCase(ctx context.Context, run CaseRun) (int, error)
	Merge(ctx context.Context, runDir string) error
}

// Pytest drives pytest and pytest_html_merger
type Pytest struct {
	cfg config.HarnessConfig
}

// NewPytest creates a harness from config
func NewPytest(cfg config.HarnessConfig) *Pytest {
	return &Pytest{cfg: cfg}
}

// Args returns the harness command line for run, without the command itself
func (p *Pytest) Args(run CaseRun) []string {
	args := []string{"-m", run.Mark, "--html=" + run.ReportPath()}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args, run.CaseDir)
}

// RunCase runs pytest for a single case with output captured to pytest.log
func (p *Pytest) RunCase(ctx context.Context, run CaseRun) (int, error) {
	if err := os.MkdirAll(run.OutputDir, 0755); err != nil {
		return -1, fmt.Errorf("%w: creating output dir: %v", domain.ErrHarnessInvocation, err)
	}
	logFile, err := os.Create(run.LogPath())
	if err != nil {
		return -1, fmt.Errorf("%w: creating log: %v", domain.ErrHarnessInvocation, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.Args(run)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("%w: %s: %v", domain.ErrHarnessInvocation, p.cfg.Command, err)
	}
}

// Merge combines all case reports under runDir into merged.html
func (p *Pytest) Merge(ctx context.Context, runDir string) error {
	if p.cfg.MergeCommand == "" {
		return ErrMergeDisabled
	}
	out, err := exec.CommandContext(ctx, p.cfg.MergeCommand,
		"-i", runDir,
		"-o", filepath.Join(runDir, MergedReport),
	).CombinedOutput()
	if err != nil {
		log.WithField("dir", runDir).WithField("output", string(out)).
			WithError(err).Warn("harness: report merge failed")
		return fmt.Errorf("%w: %s: %v", domain.ErrHarnessInvocation, p.cfg.MergeCommand, err)
	}
	return nil
}
