// cmd/coreci-dispatcher/ctl.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/coreci/internal/client"
	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
	"github.com/hochfrequenz/coreci/internal/versionstore"
)

var ctlURL string

func newCtlCmd() *cobra.Command {
	ctlCmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running dispatcher",
	}
	defaultURL := os.Getenv("CORECI_DISPATCHER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	ctlCmd.PersistentFlags().StringVar(&ctlURL, "url", defaultURL, "Dispatcher URL")

	runnersCmd := &cobra.Command{
		Use:   "runners",
		Short: "List registered runners",
		RunE:  runCtlRunners,
	}

	addRunnerCmd := &cobra.Command{
		Use:   "add-runner <base-address>",
		Short: "Register a runner by its base address",
		Args:  cobra.ExactArgs(1),
		RunE:  runCtlAddRunner,
	}
	addRunnerCmd.Flags().String("os", "", "Runner operating system (linux, windows)")
	addRunnerCmd.Flags().String("id", "", "Runner id (generated when empty)")
	addRunnerCmd.MarkFlagRequired("os")

	removeRunnerCmd := &cobra.Command{
		Use:   "remove-runner <id>",
		Short: "Remove a runner from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := ctlContext()
			defer cancel()
			if err := dispatcherClient().RemoveRunner(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed runner %s\n", args[0])
			return nil
		},
	}

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE:  runCtlJobs,
	}
	jobsCmd.Flags().String("status", "", "Only jobs with this status (waiting, running, finished, failed)")

	submitCmd := &cobra.Command{
		Use:   "submit <version>",
		Short: "Queue a job running the cases marked --mark against <version>",
		Args:  cobra.ExactArgs(1),
		RunE:  runCtlSubmit,
	}
	submitCmd.Flags().String("mark", "", "pytest mark selecting the cases")
	submitCmd.Flags().String("os", "", "Target OS (derived from the version when empty)")
	submitCmd.Flags().String("id", "", "Job id (generated when empty)")
	submitCmd.MarkFlagRequired("mark")

	eventsCmd := &cobra.Command{
		Use:   "events [job-id]",
		Short: "Show the recorded transitions of a job, or the newest of all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCtlEvents,
	}
	eventsCmd.Flags().Int("limit", 20, "Number of events shown without a job id")

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List stored build versions",
		RunE:  runCtlVersions,
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <archive.zip>",
		Short: "Upload a build archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runCtlUpload,
	}

	recurringCmd := &cobra.Command{
		Use:   "recurring",
		Short: "List recurring jobs and their next run",
		RunE:  runCtlRecurring,
	}
	recurringCmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Fire a recurring job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := ctlContext()
			defer cancel()
			job, err := dispatcherClient().RunRecurring(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s [%s] for %s\n", job.ID, job.Status, job.RdscoreVersion)
			return nil
		},
	})

	ctlCmd.AddCommand(runnersCmd, addRunnerCmd, removeRunnerCmd, jobsCmd, submitCmd, eventsCmd, versionsCmd, uploadCmd, recurringCmd)
	return ctlCmd
}

func dispatcherClient() *client.Dispatcher {
	return client.NewDispatcher(ctlURL, nil)
}

func ctlContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func newTable(out io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func runCtlRunners(cmd *cobra.Command, args []string) error {
	ctx, cancel := ctlContext()
	defer cancel()
	runners, err := dispatcherClient().ListRunners(ctx)
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		fmt.Println("No runners registered.")
		return nil
	}
	t := newTable(os.Stdout, table.Row{"ID", "OS", "Status", "Address", "Last seen"})
	for _, r := range runners {
		seen := "never"
		if !r.LastSeen.IsZero() {
			seen = humanize.Time(r.LastSeen)
		}
		t.AppendRow(table.Row{r.ID, r.OS, r.Status, r.BaseAddress, seen})
	}
	t.Render()
	return nil
}

func runCtlAddRunner(cmd *cobra.Command, args []string) error {
	osName, _ := cmd.Flags().GetString("os")
	id, _ := cmd.Flags().GetString("id")

	ctx, cancel := ctlContext()
	defer cancel()
	r, err := dispatcherClient().RegisterRunner(ctx, protocol.RegisterRunnerRequest{
		ID:          id,
		BaseAddress: args[0],
		OS:          osName,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Registered runner %s (%s) at %s\n", r.ID, r.OS, r.BaseAddress)
	return nil
}

func runCtlJobs(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")

	ctx, cancel := ctlContext()
	defer cancel()
	jobs, err := dispatcherClient().ListJobs(ctx, domain.JobStatus(status))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	t := newTable(os.Stdout, table.Row{"ID", "Status", "OS", "Mark", "Version", "Runner", "Cases", "Updated"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID, j.Status, j.OS, j.TestcaseMark, j.RdscoreVersion,
			orDash(j.RunnerID), len(j.TestedCases), humanize.Time(j.UpdatedAt),
		})
	}
	t.Render()

	for _, j := range jobs {
		if j.Error != "" {
			fmt.Printf("%s: %s\n", j.ID, j.Error)
		}
	}
	return nil
}

func runCtlSubmit(cmd *cobra.Command, args []string) error {
	mark, _ := cmd.Flags().GetString("mark")
	osName, _ := cmd.Flags().GetString("os")
	id, _ := cmd.Flags().GetString("id")

	ctx, cancel := ctlContext()
	defer cancel()
	job, err := dispatcherClient().SubmitJob(ctx, protocol.SubmitJobRequest{
		ID:             id,
		OS:             osName,
		TestcaseMark:   mark,
		RdscoreVersion: strings.TrimSuffix(args[0], ".zip"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Queued job %s (%s on %s)\n", job.ID, job.TestcaseMark, job.OS)
	return nil
}

func runCtlEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := ctlContext()
	defer cancel()
	if len(args) == 1 {
		events, err := dispatcherClient().JobEvents(ctx, args[0])
		if err != nil {
			return err
		}
		t := newTable(os.Stdout, table.Row{"At", "Status", "Runner", "Message"})
		for _, e := range events {
			t.AppendRow(table.Row{e.At.Local().Format(time.DateTime), e.Status, orDash(e.RunnerID), e.Message})
		}
		t.Render()
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	events, err := dispatcherClient().RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	t := newTable(os.Stdout, table.Row{"At", "Job", "Status", "Runner", "Message"})
	for _, e := range events {
		t.AppendRow(table.Row{e.At.Local().Format(time.DateTime), e.JobID, e.Status, orDash(e.RunnerID), e.Message})
	}
	t.Render()
	return nil
}

func runCtlVersions(cmd *cobra.Command, args []string) error {
	ctx, cancel := ctlContext()
	defer cancel()
	versions, err := dispatcherClient().ListVersions(ctx)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No versions stored.")
		return nil
	}
	t := newTable(os.Stdout, table.Row{"Name", "OS", "Prefix", "Size", "Uploaded"})
	for _, v := range versions {
		t.AppendRow(table.Row{v.Name, v.OS, v.VersionPrefix, humanize.Bytes(uint64(v.Size)), humanize.Time(v.UploadDate)})
	}
	t.Render()
	return nil
}

func runCtlUpload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	filename := filepath.Base(args[0])
	if _, err := versionstore.ParseName(filename); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	v, err := dispatcherClient().UploadVersion(ctx, filename, versionstore.Checksum(data), data)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s (%s, checksum %s)\n", v.Name, humanize.Bytes(uint64(v.Size)), v.Checksum)
	return nil
}

func runCtlRecurring(cmd *cobra.Command, args []string) error {
	ctx, cancel := ctlContext()
	defer cancel()
	jobs, err := dispatcherClient().ListRecurring(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No recurring jobs configured.")
		return nil
	}
	t := newTable(os.Stdout, table.Row{"Name", "Cron", "OS", "Mark", "Prefix", "Next run"})
	for _, j := range jobs {
		next := "-"
		if !j.NextRun.IsZero() {
			next = humanize.Time(j.NextRun)
		}
		t.AppendRow(table.Row{j.Name, j.Cron, j.OS, j.TestcaseMark, orDash(j.VersionPrefix), next})
	}
	t.Render()
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
