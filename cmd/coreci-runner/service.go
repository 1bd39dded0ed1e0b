// cmd/coreci-runner/service.go
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/coreci/internal/config"
)

const (
	serviceName     = "coreci-runner"
	systemdUnitPath = "/etc/systemd/system/coreci-runner.service"
)

// KillMode=process leaves a core started by the runner running across
// runner restarts.
const systemdUnitTemplate = `[Unit]
Description=coreci test bench runner
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
KillMode=process
{{if .User}}User={{.User}}{{end}}
{{if .Group}}Group={{.Group}}{{end}}
{{if .EnvFile}}EnvironmentFile=-{{.EnvFile}}{{end}}

NoNewPrivileges=true
PrivateTmp=true
ReadWritePaths={{join .WritableDirs " "}}

LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=coreci-runner

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart    string
	User         string
	Group        string
	EnvFile      string
	WritableDirs []string
}

var (
	serviceUser    string
	serviceGroup   string
	serviceEnvFile string
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the coreci-runner systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install coreci-runner as a systemd service",
		Long: `Writes a systemd unit running "coreci-runner serve" with the current
--config, creates the runner's jobs, builds and output directories and
enables the service. Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")
	installCmd.Flags().StringVar(&serviceEnvFile, "unit-env-file", "/etc/coreci/runner.env", "EnvironmentFile for the unit")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the systemd unit",
		RunE:  runServiceUninstall,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLinux(); err != nil {
				return err
			}
			if !serviceInstalled() {
				fmt.Println("Service not installed. Install with: coreci-runner service install")
				return nil
			}
			return runCmdInteractive("systemctl", "status", serviceName, "--no-pager")
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs via journalctl",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLinux(); err != nil {
				return err
			}
			follow, _ := cmd.Flags().GetBool("follow")
			lines, _ := cmd.Flags().GetInt("lines")
			jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
			if follow {
				jArgs = append(jArgs, "-f")
			}
			return runCmdInteractive("journalctl", jArgs...)
		},
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")

	serviceCmd.AddCommand(installCmd, uninstallCmd, statusCmd, logsCmd)
	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(systemctlCmd(action))
	}
	return serviceCmd
}

// systemctlCmd builds a subcommand forwarding action to systemctl
func systemctlCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("%s the coreci-runner service", strings.ToUpper(action[:1])+action[1:]),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLinux(); err != nil {
				return err
			}
			if !serviceInstalled() {
				return fmt.Errorf("service not installed. Run: coreci-runner service install")
			}
			if !isRoot() {
				return runCmdInteractive("sudo", "systemctl", action, serviceName)
			}
			if err := runCmd("systemctl", action, serviceName); err != nil {
				return fmt.Errorf("%s service: %w", action, err)
			}
			fmt.Printf("systemctl %s %s done\n", action, serviceName)
			return nil
		},
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	cfg, err := config.LoadRunner(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	execPath, err := findBinary()
	if err != nil {
		return err
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	dirs := []string{cfg.Runner.JobsDir, cfg.Runner.BuildsDir, cfg.Runner.OutputDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		if serviceUser != "" {
			if err := runCmd("chown", "-R", serviceUser+":"+serviceGroup, dir); err != nil {
				fmt.Printf("Warning: could not set ownership on %s: %v\n", dir, err)
			}
		}
	}

	unit, err := renderUnit(unitConfig{
		ExecStart:    fmt.Sprintf("%s serve --config %s", execPath, absConfig),
		User:         serviceUser,
		Group:        serviceGroup,
		EnvFile:      serviceEnvFile,
		WritableDirs: dirs,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Println("\nService installed and enabled. Start it with: coreci-runner service start")
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	fmt.Printf("Service uninstalled. Config at %s and run output were kept.\n", configPath)
	return nil
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Funcs(template.FuncMap{"join": strings.Join}).Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			return resolved, nil
		}
	}
	if path, err := exec.LookPath(serviceName); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("could not find %s binary. Ensure it is in PATH", serviceName)
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
