package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/filestore"
	"github.com/hochfrequenz/coreci/internal/metrics"
	"github.com/hochfrequenz/coreci/internal/process"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// Core is the process control the executor needs
type Core interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context, installPath string) error
	WaitUntil(ctx context.Context, want process.State, timeout time.Duration) error
	IsRunning(ctx context.Context) bool
}

// Publisher receives progress events
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, interface{}) {}

// ExecutorConfig configures the executor
type ExecutorConfig struct {
	OS             string
	JobsDir        string
	OutputDir      string
	TestcaseFolder string
	SuiteDir       string
	ConfirmTimeout time.Duration
	// FilesURL is the public URL under which OutputDir is served
	FilesURL string
}

// Executor runs accepted jobs one at a time. Each job's context is
// persisted after every case so an interrupted job resumes where it left off.
type Executor struct {
	cfg       ExecutorConfig
	store     *filestore.Dir[domain.RunnerJobContext]
	builds    *Builds
	core      Core
	harness   Harness
	admission *Admission
	events    Publisher

	queue chan string
	stop  atomic.Bool

	prepareOnce sync.Once

	mu      sync.RWMutex
	current *domain.RunnerJobContext
	pending []*domain.RunnerJobContext // interrupted jobs waiting for the slot
}

// resumeRetry is how often a deferred resume tries to claim the slot when
// no queued job wakes the loop
const resumeRetry = 5 * time.Second

// NewExecutor opens the job context directory
func NewExecutor(cfg ExecutorConfig, builds *Builds, core Core, harness Harness, admission *Admission) (*Executor, error) {
	store, err := filestore.Open[domain.RunnerJobContext](cfg.JobsDir)
	if err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		builds:    builds,
		core:      core,
		harness:   harness,
		admission: admission,
		events:    noopPublisher{},
		queue:     make(chan string, 16),
	}, nil
}

// SetPublisher sets where progress events go
func (e *Executor) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	e.events = p
}

// Accept answers a dispatcher offer, leasing the slot on success
func (e *Executor) Accept(req protocol.JobRequest) protocol.AcceptResponse {
	if req.ID == "" {
		return protocol.AcceptResponse{Error: "job id is required"}
	}
	if req.OS != "" && req.OS != e.cfg.OS {
		return protocol.AcceptResponse{Error: fmt.Sprintf("runner os is %s, job needs %s", e.cfg.OS, req.OS)}
	}
	if err := e.admission.Offer(req.ID); err != nil {
		if errors.Is(err, domain.ErrBusy) {
			return protocol.AcceptResponse{Error: "busy"}
		}
		return protocol.AcceptResponse{Error: err.Error()}
	}
	return protocol.AcceptResponse{Accepted: true}
}

// Submit claims the slot for req and queues it. It fails with ErrBusy
// when another job holds the slot or the lease.
func (e *Executor) Submit(req protocol.JobRequest) (*domain.RunnerJobContext, error) {
	if err := filestore.ValidateID(req.ID); err != nil {
		return nil, err
	}
	if req.TestcaseMark == "" || req.RdscoreVersion == "" {
		return nil, fmt.Errorf("%w: testcase_mark and rdscore_version are required", domain.ErrInvalidRequest)
	}
	if e.store.Exists(req.ID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobAlreadyExists, req.ID)
	}
	if err := e.admission.Claim(req.ID); err != nil {
		return nil, err
	}
	e.stop.Store(false)

	now := time.Now().UTC()
	job := &domain.RunnerJobContext{
		ID:             req.ID,
		OS:             e.cfg.OS,
		TestcaseMark:   req.TestcaseMark,
		RdscoreVersion: req.RdscoreVersion,
		TestcaseFolder: e.cfg.TestcaseFolder,
		FinishedCases:  []string{},
		Status:         domain.ExecPending,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Save(job.ID, job); err != nil {
		e.admission.Release(job.ID)
		return nil, fmt.Errorf("saving job %s: %w", job.ID, err)
	}

	e.mu.Lock()
	e.current = job.Clone()
	e.mu.Unlock()

	e.queue <- job.ID
	log.WithField("job", job.ID).WithField("version", job.RdscoreVersion).Info("executor: job queued")
	return job.Clone(), nil
}

// Prepare loads the contexts of interrupted jobs and claims the slot for
// the oldest one. Call it before the API starts accepting offers so a new
// job cannot take the slot ahead of an interrupted one. Run calls it when
// it was not called before.
func (e *Executor) Prepare() int {
	e.prepareOnce.Do(func() {
		pending := e.resumable()
		e.mu.Lock()
		e.pending = pending
		e.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		head := pending[0]
		if err := e.admission.Claim(head.ID); err != nil {
			log.WithField("job", head.ID).WithError(err).Warn("executor: cannot reserve slot for interrupted job")
			return
		}
		e.stop.Store(false)
		e.mu.Lock()
		e.current = head.Clone()
		e.mu.Unlock()
	})
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// claimResumable returns the oldest pending job once it holds the slot.
// It returns nil while another job occupies or leases the slot; the
// pending job is tried again after that job is released.
func (e *Executor) claimResumable() *domain.RunnerJobContext {
	e.mu.RLock()
	if len(e.pending) == 0 {
		e.mu.RUnlock()
		return nil
	}
	job := e.pending[0]
	e.mu.RUnlock()

	if id, ok := e.admission.Current(); !ok || id != job.ID {
		if err := e.admission.Claim(job.ID); err != nil {
			log.WithField("job", job.ID).WithError(err).Debug("executor: resume deferred, slot taken")
			return nil
		}
		e.stop.Store(false)
	}

	e.mu.Lock()
	e.pending = e.pending[1:]
	e.current = job.Clone()
	e.mu.Unlock()
	return job
}

// Run resumes interrupted jobs, then executes queued jobs until ctx is
// cancelled. A job interrupted by cancellation stays resumable.
func (e *Executor) Run(ctx context.Context) error {
	e.Prepare()

	retry := time.NewTicker(resumeRetry)
	defer retry.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if job := e.claimResumable(); job != nil {
			log.WithField("job", job.ID).WithField("finished", len(job.FinishedCases)).Info("executor: resuming job")
			e.execute(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
		case id := <-e.queue:
			e.mu.RLock()
			var job *domain.RunnerJobContext
			if e.current != nil && e.current.ID == id {
				job = e.current.Clone()
			}
			e.mu.RUnlock()
			if job == nil {
				continue
			}
			e.execute(ctx, job)
		}
	}
}

// StopCurrent asks the current job to stop before its next case
func (e *Executor) StopCurrent() (string, bool) {
	id, ok := e.admission.Current()
	if !ok {
		return "", false
	}
	e.stop.Store(true)
	log.WithField("job", id).Info("executor: stop requested")
	return id, true
}

// Current returns a copy of the job occupying the slot
func (e *Executor) Current() (*domain.RunnerJobContext, bool) {
	id, ok := e.admission.Current()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil || e.current.ID != id {
		return nil, false
	}
	return e.current.Clone(), true
}

// Get returns the context of any job this runner has seen
func (e *Executor) Get(id string) (*domain.RunnerJobContext, error) {
	e.mu.RLock()
	if e.current != nil && e.current.ID == id {
		c := e.current.Clone()
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	job, err := e.store.Load(id)
	if err != nil {
		return nil, err
	}
	job.ID = id
	return job, nil
}

// Runs lists output directories, newest first
func (e *Executor) Runs() ([]protocol.RunSummary, error) {
	entries, err := os.ReadDir(e.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	runs := []protocol.RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		run := protocol.RunSummary{ID: entry.Name(), UpdatedAt: info.ModTime().UTC()}
		if _, err := os.Stat(filepath.Join(e.cfg.OutputDir, entry.Name(), MergedReport)); err == nil {
			run.ReportURL = e.reportURL(entry.Name())
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

func (e *Executor) reportURL(jobID string) string {
	if e.cfg.FilesURL == "" {
		return ""
	}
	return strings.TrimRight(e.cfg.FilesURL, "/") + "/" + jobID + "/" + MergedReport
}

// execute runs job to a terminal state, or leaves it resumable when ctx is
// cancelled. The slot is released either way.
func (e *Executor) execute(ctx context.Context, job *domain.RunnerJobContext) {
	defer e.admission.Release(job.ID)

	entry := log.WithField("job", job.ID)
	err := e.run(ctx, job, entry)
	if ctx.Err() != nil {
		entry.Info("executor: interrupted, job stays resumable")
		return
	}

	if err != nil {
		job.Status = domain.ExecFailed
		job.Error = err.Error()
		job.CurrentCase = nil
		entry.WithError(err).Warn("executor: job failed")
	} else {
		job.Status = domain.ExecFinished
		entry.WithField("cases", len(job.FinishedCases)).Info("executor: job finished")
	}
	e.persist(job)
	metrics.RecordRunnerJob(string(job.Status))
	e.events.Publish(protocol.TypeJobFinished, protocol.JobFinishedEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
		ReportURL: job.ReportURL,
	})
}

func (e *Executor) run(ctx context.Context, job *domain.RunnerJobContext, entry *log.Entry) error {
	if job.TestcaseFolder == "" {
		return errors.New("testcase folder is not configured")
	}
	buildPath, err := e.builds.Path(job.RdscoreVersion)
	if err != nil {
		return fmt.Errorf("build %s is not installed: %w", job.RdscoreVersion, err)
	}
	job.BuildPath = buildPath

	runDir := filepath.Join(e.cfg.OutputDir, job.ID)
	job.LogPath = runDir
	job.ReportPath = filepath.Join(runDir, MergedReport)
	job.Status = domain.ExecRunning
	e.persist(job)

	if err := e.restartCore(ctx, job.BuildPath); err != nil {
		return err
	}

	caseRoot := filepath.Join(job.TestcaseFolder, e.cfg.SuiteDir)
	cases, err := listCases(caseRoot)
	if err != nil {
		return fmt.Errorf("listing cases in %s: %w", caseRoot, err)
	}
	e.events.Publish(protocol.TypeJobStarted, protocol.JobStartedEvent{
		JobID:   job.ID,
		Cases:   cases,
		Resumed: append([]string(nil), job.FinishedCases...),
	})
	entry.WithField("cases", len(cases)).WithField("already_finished", len(job.FinishedCases)).Info("executor: running cases")

	for _, name := range cases {
		if job.HasFinished(name) {
			entry.WithField("case", name).Debug("executor: skipping finished case")
			continue
		}
		if e.stop.Swap(false) {
			return errors.New("stopped by user")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.runCase(ctx, job, name, caseRoot, runDir, entry); err != nil {
			return err
		}
	}
	return nil
}

// restartCore stops any running core and starts the job's build
func (e *Executor) restartCore(ctx context.Context, buildPath string) error {
	if err := e.core.Stop(ctx); err != nil {
		return fmt.Errorf("stopping core: %w", err)
	}
	if err := e.core.WaitUntil(ctx, process.Stopped, e.cfg.ConfirmTimeout); err != nil {
		return fmt.Errorf("core did not stop within %s: %w", e.cfg.ConfirmTimeout, err)
	}
	return e.startCore(ctx, buildPath)
}

func (e *Executor) startCore(ctx context.Context, buildPath string) error {
	if err := e.core.Start(ctx, buildPath); err != nil {
		return fmt.Errorf("starting core: %w", err)
	}
	if err := e.core.WaitUntil(ctx, process.Running, e.cfg.ConfirmTimeout); err != nil {
		return fmt.Errorf("core did not start within %s: %w", e.cfg.ConfirmTimeout, err)
	}
	return nil
}

func (e *Executor) runCase(ctx context.Context, job *domain.RunnerJobContext, name, caseRoot, runDir string, entry *log.Entry) error {
	current := name
	job.CurrentCase = &current
	e.persist(job)

	if !e.core.IsRunning(ctx) {
		entry.WithField("case", name).Warn("executor: core is down, restarting")
		if err := e.startCore(ctx, job.BuildPath); err != nil {
			return err
		}
	}

	e.events.Publish(protocol.TypeCaseStarted, protocol.CaseStartedEvent{JobID: job.ID, Case: name})
	run := CaseRun{
		JobID:     job.ID,
		Mark:      job.TestcaseMark,
		Case:      name,
		CaseDir:   filepath.Join(caseRoot, name),
		OutputDir: filepath.Join(runDir, name),
	}
	start := time.Now()
	exitCode, err := e.harness.RunCase(ctx, run)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		// the harness was killed; the case is run again on resume
		return ctx.Err()
	}
	elapsed := time.Since(start)
	metrics.RecordCase(exitCode, elapsed.Seconds())
	entry.WithField("case", name).WithField("exit_code", exitCode).
		WithField("duration", elapsed.Round(time.Millisecond)).Info("executor: case finished")

	job.CurrentCase = nil
	job.FinishedCases = append(job.FinishedCases, name)
	e.persist(job)

	e.mergeReport(ctx, job, runDir, entry)
	e.events.Publish(protocol.TypeCaseFinished, protocol.CaseFinishedEvent{
		JobID:      job.ID,
		Case:       name,
		ExitCode:   exitCode,
		DurationMs: elapsed.Milliseconds(),
	})
	return nil
}

// mergeReport refreshes the merged report and publishes its URL once the
// file exists
func (e *Executor) mergeReport(ctx context.Context, job *domain.RunnerJobContext, runDir string, entry *log.Entry) {
	err := e.harness.Merge(ctx, runDir)
	switch {
	case errors.Is(err, ErrMergeDisabled):
		return
	case err != nil:
		entry.WithError(err).Debug("executor: merged report not updated")
		return
	}
	if _, err := os.Stat(job.ReportPath); err != nil {
		entry.WithField("path", job.ReportPath).Warn("executor: merge succeeded but wrote no report")
		return
	}
	if url := e.reportURL(job.ID); url != job.ReportURL {
		job.ReportURL = url
		e.persist(job)
	}
}

// persist saves job and publishes the new state to Current/Get readers
func (e *Executor) persist(job *domain.RunnerJobContext) {
	job.UpdatedAt = time.Now().UTC()
	e.mu.Lock()
	if e.current != nil && e.current.ID == job.ID {
		e.current = job.Clone()
	}
	e.mu.Unlock()
	if err := e.store.Save(job.ID, job); err != nil {
		log.WithField("job", job.ID).WithError(err).Error("executor: cannot persist job context")
		metrics.RecordErrorDetails("runner_store", err)
	}
}

// listCases returns the case directories under root whose names start with "test"
func listCases(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	cases := []string{}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "test") {
			cases = append(cases, entry.Name())
		}
	}
	return cases, nil
}
