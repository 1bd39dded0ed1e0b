// cmd/coreci-runner/remote.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/coreci/internal/client"
	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

var remoteURL string

// addRemoteCmds registers the commands that talk to a running runner
func addRemoteCmds(root *cobra.Command) {
	defaultURL := os.Getenv("CORECI_RUNNER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8001"
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running runner's identity, current job and cached builds",
		RunE:  runRemoteStatus,
	}
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the current job after the running case",
		RunE:  runRemoteStop,
	}
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runner's run history",
		RunE:  runRemoteRuns,
	}
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream progress events of the runner",
		RunE:  runRemoteWatch,
	}

	for _, c := range []*cobra.Command{statusCmd, stopCmd, runsCmd, watchCmd} {
		c.Flags().StringVar(&remoteURL, "url", defaultURL, "Runner URL")
		root.AddCommand(c)
	}
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func runRemoteStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := remoteContext()
	defer cancel()
	r := client.NewRunner(remoteURL, nil)

	if err := r.Ping(ctx); err != nil {
		if client.IsUnreachable(err) {
			return fmt.Errorf("no runner answering at %s, is it started?", r.BaseURL())
		}
		return err
	}
	info, err := r.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Runner %s (%s) at %s\n", info.ID, info.OS, r.BaseURL())

	job, err := r.CurrentJob(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		fmt.Println("Current job: none")
	case err != nil:
		return err
	default:
		current := "-"
		if job.CurrentCase != nil {
			current = *job.CurrentCase
		}
		fmt.Printf("Current job: %s [%s] mark=%s version=%s case=%s done=%d\n",
			job.ID, job.Status, job.TestcaseMark, job.RdscoreVersion, current, len(job.FinishedCases))
	}

	names, err := r.ListVersions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Cached builds (%d): %s\n", len(names), strings.Join(names, ", "))
	return nil
}

func runRemoteStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := remoteContext()
	defer cancel()
	resp, err := client.NewRunner(remoteURL, nil).StopCurrent(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Println("No job running.")
			return nil
		}
		return err
	}
	fmt.Printf("Stop requested for %s\n", resp.JobID)
	return nil
}

func runRemoteRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := remoteContext()
	defer cancel()
	runs, err := client.NewRunner(remoteURL, nil).Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Updated", "Report"})
	for _, run := range runs {
		t.AppendRow(table.Row{run.ID, humanize.Time(run.UpdatedAt), orDash(run.ReportURL)})
	}
	t.Render()
	return nil
}

// watchURL turns the runner's http(s) base address into its websocket
// progress endpoint
func watchURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/jobs/current/watch"
}

func runRemoteWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, watchURL(remoteURL), nil)
	if err != nil {
		return fmt.Errorf("connecting to runner: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(formatEvent(data))
	}
}

// formatEvent renders one progress envelope as a log line
func formatEvent(data []byte) string {
	var env protocol.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		return string(data)
	}
	stamp := time.Now().Format(time.TimeOnly)
	if len(env.Payload) == 0 {
		return fmt.Sprintf("%s %s", stamp, env.Type)
	}
	return fmt.Sprintf("%s %-14s %s", stamp, env.Type, env.Payload)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
