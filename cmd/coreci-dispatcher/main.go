// cmd/coreci-dispatcher/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/dispatcher"
	"github.com/hochfrequenz/coreci/internal/eventlog"
	"github.com/hochfrequenz/coreci/internal/httpapi"
	"github.com/hochfrequenz/coreci/internal/jobstore"
	"github.com/hochfrequenz/coreci/internal/logging"
	"github.com/hochfrequenz/coreci/internal/notify"
	"github.com/hochfrequenz/coreci/internal/versionstore"
)

var (
	configPath string
	envFile    string
	logLevel   string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coreci-dispatcher",
		Short: "Central coordinator for coreci test runners",
		Long: `coreci-dispatcher stores build archives, queues test jobs and hands
them to idle runners of the matching operating system.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultDispatcherConfigPath(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatcher API and run the scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port")

	rootCmd.AddCommand(serveCmd, newCtlCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.DispatcherConfig, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadDispatcher(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
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

	versions, err := versionstore.New(cfg.Storage.VersionsDir)
	if err != nil {
		return fmt.Errorf("opening version store: %w", err)
	}
	jobs, err := jobstore.New(cfg.Storage.JobsDir)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	runners, err := dispatcher.NewRegistry(cfg.Storage.RunnersDir)
	if err != nil {
		return fmt.Errorf("opening runner registry: %w", err)
	}
	events, err := eventlog.New(cfg.Storage.EventsDB)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer events.Close()

	svc := dispatcher.NewService(jobs, runners, versions)
	svc.SetEventRecorder(events)
	notifiers := []notify.Notifier{notify.NewLogNotifier(logging.Component("notify"))}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	svc.SetNotifier(notify.NewMultiNotifier(notifiers...))

	scheduler := dispatcher.NewScheduler(svc, cfg.Scheduler.TickInterval.Duration)
	recurring, err := dispatcher.NewRecurring(svc, cfg.Recurring)
	if err != nil {
		return fmt.Errorf("recurring jobs: %w", err)
	}
	api := dispatcher.NewAPI(svc, versions, events)
	api.SetRecurring(recurring)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"addr":      cfg.Server.Addr(),
		"runners":   len(runners.List()),
		"jobs":      len(jobs.List()),
		"recurring": len(cfg.Recurring),
	}).Info("coreci-dispatcher starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Serve(ctx, cfg.Server.Addr(), api.Handler())
	})
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return recurring.Run(ctx)
	})
	if cfg.Scheduler.WatchVersions {
		watcher, err := versionstore.NewWatcher(versions, nil)
		if err != nil {
			log.WithError(err).Warn("cannot watch version directory, changes need an upload or restart")
		} else {
			g.Go(func() error {
				return watcher.Run(ctx)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("coreci-dispatcher stopped")
	return nil
}
