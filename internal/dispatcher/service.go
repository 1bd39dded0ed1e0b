package dispatcher

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/jobstore"
	"github.com/hochfrequenz/coreci/internal/metrics"
	"github.com/hochfrequenz/coreci/internal/notify"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// VersionSource is the part of the version store the dispatcher reads
type VersionSource interface {
	Get(name string) (domain.BuildVersion, bool)
	FetchBytesAndChecksum(name, os string) ([]byte, string, bool)
	Latest(os, prefix string) (domain.BuildVersion, bool)
}

// EventRecorder stores job transitions
type EventRecorder interface {
	RecordJob(job *domain.TestJob, message string) error
}

// Service owns the dispatcher's shared state. It is constructed once at
// startup and handed to the scheduler, the recurring submitter and the
// HTTP API.
type Service struct {
	jobs     *jobstore.Store
	runners  *Registry
	versions VersionSource
	events   EventRecorder
	notifier notify.Notifier
	feed     *Feed
}

// NewService wires the stores together. Events and notifications are
// disabled until set.
func NewService(jobs *jobstore.Store, runners *Registry, versions VersionSource) *Service {
	return &Service{
		jobs:     jobs,
		runners:  runners,
		versions: versions,
		feed:     NewFeed(),
	}
}

// SetEventRecorder enables the job event log
func (s *Service) SetEventRecorder(ev EventRecorder) {
	s.events = ev
}

// SetNotifier sets where terminal job notices go. Nil disables them.
func (s *Service) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// Jobs returns the job store
func (s *Service) Jobs() *jobstore.Store {
	return s.jobs
}

// Feed returns the live stream of job transitions
func (s *Service) Feed() *Feed {
	return s.feed
}

// Runners returns the runner registry
func (s *Service) Runners() *Registry {
	return s.runners
}

// SubmitJob validates req and queues a waiting job. When req.OS is empty
// it is taken from the referenced version; a version that cannot be
// resolved rejects the job before anything is persisted.
func (s *Service) SubmitJob(req protocol.SubmitJobRequest) (*domain.TestJob, error) {
	req.TestcaseMark = strings.TrimSpace(req.TestcaseMark)
	req.RdscoreVersion = strings.TrimSpace(req.RdscoreVersion)
	if req.TestcaseMark == "" {
		return nil, fmt.Errorf("%w: testcase_mark is required", domain.ErrInvalidRequest)
	}
	if req.RdscoreVersion == "" {
		return nil, fmt.Errorf("%w: rdscore_version is required", domain.ErrInvalidRequest)
	}

	osName := strings.ToLower(strings.TrimSpace(req.OS))
	if osName == "" {
		v, ok := s.versions.Get(req.RdscoreVersion)
		if !ok {
			return nil, fmt.Errorf("%w: cannot derive os from %q", domain.ErrVersionNotFound, req.RdscoreVersion)
		}
		osName = v.OS
	}
	if !domain.ValidOS(osName) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedOS, req.OS)
	}

	job := &domain.TestJob{
		ID:             req.ID,
		OS:             osName,
		TestcaseMark:   req.TestcaseMark,
		RdscoreVersion: req.RdscoreVersion,
		Status:         domain.JobWaiting,
	}
	if err := s.jobs.Create(job); err != nil {
		return nil, err
	}

	log.WithField("job", job.ID).WithField("version", job.RdscoreVersion).
		WithField("os", job.OS).Info("dispatcher: job submitted")
	metrics.RecordJobTransition(string(domain.JobWaiting))
	s.recordEvent(job, "submitted")
	return job, nil
}

// ActiveJobs returns waiting and running jobs
func (s *Service) ActiveJobs() []*domain.TestJob {
	return s.jobs.ListByStatus(domain.JobWaiting, domain.JobRunning)
}

// transition persists job in its new state, records the event and, for
// terminal states, sends a notification.
func (s *Service) transition(job *domain.TestJob, message string) error {
	if err := s.jobs.Update(job); err != nil {
		return err
	}
	metrics.RecordJobTransition(string(job.Status))
	s.recordEvent(job, message)

	entry := log.WithField("job", job.ID).WithField("status", job.Status)
	if job.RunnerID != "" {
		entry = entry.WithField("runner", job.RunnerID)
	}
	if job.Error != "" {
		entry = entry.WithField("error", job.Error)
	}
	entry.Info("dispatcher: job " + message)

	if job.Status.IsTerminal() && s.notifier != nil {
		if err := s.notifier.Send(notify.JobFinished(job)); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("dispatcher: notification failed")
			metrics.RecordErrorDetails("notify", err)
		}
	}
	return nil
}

func (s *Service) recordEvent(job *domain.TestJob, message string) {
	s.feed.Publish(FeedEvent{Message: message, Job: *job.Clone()})
	if s.events == nil {
		return
	}
	if err := s.events.RecordJob(job, message); err != nil {
		log.WithField("job", job.ID).WithError(err).Warn("dispatcher: cannot record event")
		metrics.RecordErrorDetails("eventlog", err)
	}
}
