// cmd/coreci-runner/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/coreci/internal/client"
	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/httpapi"
	"github.com/hochfrequenz/coreci/internal/logging"
	"github.com/hochfrequenz/coreci/internal/process"
	"github.com/hochfrequenz/coreci/internal/protocol"
	"github.com/hochfrequenz/coreci/internal/runner"
)

var (
	configPath    string
	envFile       string
	logLevel      string
	port          int
	runnerID      string
	dispatcherURL string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coreci-runner",
		Short: "Test bench agent executing pytest jobs against the core process",
		Long: `coreci-runner runs on a test bench. It receives build archives and jobs
from the dispatcher, restarts the core process on the requested build and
runs the marked test cases one at a time.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultRunnerConfigPath(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runner API and execute jobs",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port")
	serveCmd.Flags().StringVar(&runnerID, "id", "", "Runner id")
	serveCmd.Flags().StringVar(&dispatcherURL, "dispatcher", "", "Dispatcher URL to register with")

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List builds installed on this bench",
		RunE:  runVersions,
	}

	rootCmd.AddCommand(serveCmd, versionsCmd, newServiceCmd())
	addRemoteCmds(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.RunnerConfig, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadRunner(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("id") {
		cfg.Runner.ID = runnerID
	}
	if cmd.Flags().Changed("dispatcher") {
		cfg.Dispatcher.URL = dispatcherURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	builds, err := runner.NewBuilds(cfg.Runner.BuildsDir)
	if err != nil {
		return fmt.Errorf("opening builds dir: %w", err)
	}
	if cfg.Runner.TestcaseFolder == "" {
		log.Warn("runner.testcase_folder is not set, every job will fail")
	}

	executor, err := runner.NewExecutor(runner.ExecutorConfig{
		OS:             cfg.Runner.OS,
		JobsDir:        cfg.Runner.JobsDir,
		OutputDir:      cfg.Runner.OutputDir,
		TestcaseFolder: cfg.Runner.TestcaseFolder,
		SuiteDir:       cfg.Runner.SuiteDir,
		ConfirmTimeout: cfg.Core.ConfirmTimeout.Duration,
		FilesURL:       cfg.BaseAddress() + "/files",
	},
		builds,
		process.NewController(cfg.Core),
		runner.NewPytest(cfg.Harness),
		runner.NewAdmission(cfg.Runner.AcceptLease.Duration),
	)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	hub := runner.NewHub()
	executor.SetPublisher(hub)
	api := runner.NewAPI(cfg.Runner.ID, cfg.Runner.OS, executor, builds, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// interrupted jobs take the slot before the API can hand it out
	resumable := executor.Prepare()

	log.WithFields(log.Fields{
		"id":        cfg.Runner.ID,
		"os":        cfg.Runner.OS,
		"addr":      cfg.Server.Addr(),
		"resumable": resumable,
	}).Info("coreci-runner starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Serve(ctx, cfg.Server.Addr(), api.Handler())
	})
	g.Go(func() error {
		return executor.Run(ctx)
	})
	if cfg.Dispatcher.URL != "" {
		g.Go(func() error {
			req := protocol.RegisterRunnerRequest{
				ID:          cfg.Runner.ID,
				BaseAddress: cfg.BaseAddress(),
				OS:          cfg.Runner.OS,
			}
			d := client.NewDispatcher(cfg.Dispatcher.URL, nil)
			if err := runner.Register(ctx, d, req, cfg.Dispatcher.RetryInterval.Duration); err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("registration with dispatcher failed")
				}
				return nil
			}
			log.WithField("dispatcher", cfg.Dispatcher.URL).Info("registered with dispatcher")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("coreci-runner stopped")
	return nil
}

func runVersions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	builds, err := runner.NewBuilds(cfg.Runner.BuildsDir)
	if err != nil {
		return err
	}
	names, err := builds.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No builds installed.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Version", "Installed", "Path"})
	for _, name := range names {
		path, _ := builds.Path(name)
		installed := "-"
		if fi, err := os.Stat(path); err == nil {
			installed = humanize.Time(fi.ModTime())
		}
		t.AppendRow(table.Row{name, installed, path})
	}
	t.Render()
	return nil
}
