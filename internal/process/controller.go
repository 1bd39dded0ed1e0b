// Package process starts, stops and confirms the state of the
// system-under-test ("core") on a runner host.
package process

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/domain"
)

// State is the core state WaitUntil waits for
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Controller manages the core process
type Controller struct {
	cfg    config.CoreConfig
	goos   string
	client *http.Client
}

// NewController creates a controller for the host OS
func NewController(cfg config.CoreConfig) *Controller {
	return &Controller{
		cfg:    cfg,
		goos:   runtime.GOOS,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Stop kills the core. On windows every process matching a configured
// name is killed; elsewhere the process listening on the core port. A core
// that is already down is not an error.
func (c *Controller) Stop(ctx context.Context) error {
	var pids []int32
	var err error
	if c.goos == domain.OSWindows {
		pids, err = c.pidsByName(ctx)
	} else {
		pids, err = c.pidsByPort(ctx)
	}
	if err != nil {
		return fmt.Errorf("finding core processes: %w", err)
	}

	self := int32(os.Getpid())
	for _, pid := range pids {
		if pid == self {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			// exited in the meantime
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			if ok, _ := p.IsRunningWithContext(ctx); !ok {
				continue
			}
			return fmt.Errorf("killing pid %d: %w", pid, err)
		}
		log.WithField("pid", pid).Info("process: killed core process")
	}
	return nil
}

func (c *Controller) pidsByName(ctx context.Context) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if c.matchesName(name) {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

func (c *Controller) matchesName(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	for _, want := range c.cfg.ProcessNames {
		if name == strings.TrimSuffix(strings.ToLower(want), ".exe") {
			return true
		}
	}
	return false
}

func (c *Controller) pidsByPort(ctx context.Context) ([]int32, error) {
	if c.cfg.Port <= 0 {
		return nil, nil
	}
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool)
	var pids []int32
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(c.cfg.Port) || conn.Pid == 0 || seen[conn.Pid] {
			continue
		}
		seen[conn.Pid] = true
		pids = append(pids, conn.Pid)
	}
	return pids, nil
}

// Executable returns the core binary path inside an installed build
func (c *Controller) Executable(installPath string) string {
	return filepath.Join(installPath, filepath.FromSlash(c.cfg.ExecSubdir), c.cfg.Executable)
}

// Start launches the core from installPath detached from the runner, so
// it survives runner restarts. It does not wait for the core to come up.
func (c *Controller) Start(ctx context.Context, installPath string) error {
	if _, err := os.Stat(installPath); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrPathNotFound, installPath)
	}
	exe := c.Executable(installPath)
	if _, err := os.Stat(exe); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrPathNotFound, exe)
	}

	var cmd *exec.Cmd
	if c.goos == domain.OSWindows {
		cmd = exec.Command("cmd", "/c", "start", "", exe)
	} else {
		cmd = exec.Command(exe)
	}
	cmd.Dir = filepath.Dir(exe)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", exe, err)
	}
	log.WithField("exe", exe).WithField("pid", cmd.Process.Pid).Info("process: core launched")
	return cmd.Process.Release()
}

// IsRunning checks the health URL once
func (c *Controller) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitUntil polls once per interval until the configured number of
// consecutive checks agree with want. A disagreeing check resets the count.
func (c *Controller) WaitUntil(ctx context.Context, want State, timeout time.Duration) error {
	interval := c.cfg.PollInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	needed := c.cfg.ConfirmChecks
	if needed < 1 {
		needed = 1
	}

	deadline := time.Now().Add(timeout)
	consecutive := 0
	for {
		if c.IsRunning(ctx) == (want == Running) {
			consecutive++
			if consecutive >= needed {
				return nil
			}
		} else {
			consecutive = 0
		}

		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("%w: core not %s after %s", domain.ErrProcessConfirmationTimeout, want, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
