package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/client"
	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/metrics"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// healthTimeout bounds the health and reconcile calls of one tick. Version
// pushes and the accept/submit handshake are not bounded.
const healthTimeout = 5 * time.Second

// RunnerAPI is what the scheduler needs from a runner
type RunnerAPI interface {
	Info(ctx context.Context) (*protocol.InfoResponse, error)
	UploadVersion(ctx context.Context, filename, checksum string, data []byte) error
	Accept(ctx context.Context, job protocol.JobRequest) (*protocol.AcceptResponse, error)
	Submit(ctx context.Context, job protocol.JobRequest) (*protocol.CreateJobResponse, error)
	GetJob(ctx context.Context, id string) (*domain.RunnerJobContext, error)
}

// ClientFunc builds a RunnerAPI for a runner's base address
type ClientFunc func(baseAddress string) RunnerAPI

// HTTPClients returns a ClientFunc backed by the HTTP runner client
func HTTPClients(httpClient *http.Client) ClientFunc {
	return func(baseAddress string) RunnerAPI {
		return client.NewRunner(baseAddress, httpClient)
	}
}

// Scheduler is the dispatcher's polling loop. Each tick refreshes runner
// health, reconciles running jobs and matches waiting jobs to runners.
type Scheduler struct {
	svc         *Service
	newClient   ClientFunc
	interval    time.Duration
	callTimeout time.Duration

	mu sync.Mutex // serializes ticks
}

// NewScheduler creates a scheduler ticking every interval
func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		svc:         svc,
		newClient:   HTTPClients(nil),
		interval:    interval,
		callTimeout: healthTimeout,
	}
}

// SetClientFunc replaces how runner clients are built
func (s *Scheduler) SetClientFunc(fn ClientFunc) {
	s.newClient = fn
}

// Run ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval).Info("scheduler: started")
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.RecordTick()
	busy := s.refreshHealth(ctx)
	metrics.SetRunnerCounts(s.svc.runners.StatusCounts())
	s.reconcile(ctx)
	s.dispatchWaiting(ctx, busy)
}

func (s *Scheduler) refreshHealth(ctx context.Context) map[string]bool {
	busy := make(map[string]bool)
	for _, r := range s.svc.runners.List() {
		if ctx.Err() != nil {
			return busy
		}
		status := domain.RunnerIdle
		reportedOS := ""

		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		info, err := s.newClient(r.BaseAddress).Info(callCtx)
		cancel()
		var se *client.StatusError
		switch {
		case err == nil:
			reportedOS = info.OS
			if info.CurrentJob != nil {
				busy[r.ID] = true
			}
		case errors.As(err, &se):
			status = domain.RunnerPingFailed
		default:
			status = domain.RunnerError
		}

		if status != r.Status {
			entry := log.WithField("runner", r.ID).WithField("from", r.Status).WithField("to", status)
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Info("scheduler: runner health changed")
		}
		if err := s.svc.runners.UpdateHealth(r.ID, status, reportedOS); err != nil {
			log.WithField("runner", r.ID).WithError(err).Warn("scheduler: cannot update runner health")
		}
	}
	return busy
}

// reconcile copies terminal runner-side state back onto running jobs.
// A job whose runner no longer knows it stays running.
func (s *Scheduler) reconcile(ctx context.Context) {
	for _, job := range s.svc.jobs.ListByStatus(domain.JobRunning) {
		if ctx.Err() != nil {
			return
		}
		r, ok := s.svc.runners.Get(job.RunnerID)
		if !ok || r.Status != domain.RunnerIdle {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		remote, err := s.newClient(r.BaseAddress).GetJob(callCtx, job.ID)
		cancel()
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.WithField("job", job.ID).WithField("runner", r.ID).
					Debug("scheduler: runner does not know running job")
			}
			continue
		}

		progressed := len(remote.FinishedCases) != len(job.TestedCases)
		job.TestedCases = append([]string{}, remote.FinishedCases...)
		if remote.ReportURL != "" {
			job.ReportURL = remote.ReportURL
		}

		switch remote.Status {
		case domain.ExecFinished:
			job.Status = domain.JobFinished
			job.Error = ""
			s.persistTransition(job, "finished on runner")
		case domain.ExecFailed:
			job.Status = domain.JobFailed
			job.Error = remote.Error
			if job.Error == "" {
				job.Error = "runner reported failure without a reason"
			}
			s.persistTransition(job, "failed on runner")
		default:
			if progressed {
				if err := s.svc.jobs.Update(job); err != nil {
					log.WithField("job", job.ID).WithError(err).Warn("scheduler: cannot save progress")
				}
			}
		}
	}
}

// dispatchWaiting offers waiting jobs to idle runners. Runners that
// reported a current job this tick start out claimed and get no upload.
func (s *Scheduler) dispatchWaiting(ctx context.Context, busy map[string]bool) {
	claimed := make(map[string]bool, len(busy))
	for id := range busy {
		claimed[id] = true
	}

	for _, job := range s.svc.jobs.ListByStatus(domain.JobWaiting) {
		if ctx.Err() != nil {
			return
		}
		candidates := s.candidates(job.OS, claimed)
		if len(candidates) == 0 {
			continue
		}

		data, checksum, ok := s.svc.versions.FetchBytesAndChecksum(job.RdscoreVersion, job.OS)
		if !ok {
			job.Status = domain.JobFailed
			job.Error = fmt.Sprintf("version %s for os %s not found", job.RdscoreVersion, job.OS)
			s.persistTransition(job, "failed to match")
			continue
		}

		for _, r := range candidates {
			if s.offer(ctx, job, r, data, checksum, claimed) {
				break
			}
		}
	}
}

// candidates returns idle runners for osName not yet claimed this tick
func (s *Scheduler) candidates(osName string, claimed map[string]bool) []domain.RunnerHandle {
	var out []domain.RunnerHandle
	for _, r := range s.svc.runners.List() {
		if r.OS == osName && r.Status == domain.RunnerIdle && !claimed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// offer runs the upload, accept, submit handshake against one runner and
// reports whether the job was handed off.
func (s *Scheduler) offer(ctx context.Context, job *domain.TestJob, r domain.RunnerHandle, data []byte, checksum string, claimed map[string]bool) bool {
	entry := log.WithField("job", job.ID).WithField("runner", r.ID)
	c := s.newClient(r.BaseAddress)
	req := protocol.JobRequestFor(job)

	if err := c.UploadVersion(ctx, job.RdscoreVersion+".zip", checksum, data); err != nil {
		entry.WithError(err).Warn("scheduler: version upload failed")
		metrics.RecordDispatchAttempt("upload_failed")
		skipIfUnreachable(r, err, claimed)
		return false
	}

	acc, err := c.Accept(ctx, req)
	if err != nil {
		entry.WithError(err).Warn("scheduler: accept call failed")
		skipIfUnreachable(r, err, claimed)
		metrics.RecordDispatchAttempt("rejected")
		return false
	}
	if !acc.Accepted {
		entry.WithField("reason", acc.Error).Debug("scheduler: runner declined job")
		metrics.RecordDispatchAttempt("rejected")
		return false
	}
	claimed[r.ID] = true

	created, err := c.Submit(ctx, req)
	if err != nil || !created.Created {
		if err == nil {
			err = errors.New(created.Error)
		}
		entry.WithError(err).Warn("scheduler: runner accepted but did not create job")
		metrics.RecordDispatchAttempt("submit_failed")
		return false
	}

	job.Status = domain.JobRunning
	job.RunnerID = r.ID
	job.Error = ""
	metrics.RecordDispatchAttempt("dispatched")
	s.persistTransition(job, "dispatched")
	return true
}

// skipIfUnreachable keeps a runner that dropped off the network out of the
// rest of the tick. The next health refresh records its status.
func skipIfUnreachable(r domain.RunnerHandle, err error, claimed map[string]bool) {
	if client.IsUnreachable(err) {
		claimed[r.ID] = true
	}
}

func (s *Scheduler) persistTransition(job *domain.TestJob, message string) {
	if err := s.svc.transition(job, message); err != nil {
		log.WithField("job", job.ID).WithError(err).Error("scheduler: cannot persist job")
		metrics.RecordErrorDetails("jobstore", err)
	}
}
