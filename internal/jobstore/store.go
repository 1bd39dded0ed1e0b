// Package jobstore keeps the dispatcher's test jobs, one JSON file per job.
package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/filestore"
)

// Store is an in-memory index of jobs backed by a filestore directory.
// Jobs are never deleted.
type Store struct {
	dir *filestore.Dir[domain.TestJob]

	mu    sync.RWMutex
	jobs  map[string]*domain.TestJob
	order []string
}

// New opens the job directory and loads every readable record
func New(path string) (*Store, error) {
	dir, err := filestore.Open[domain.TestJob](path)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, jobs: make(map[string]*domain.TestJob)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	records, err := s.dir.LoadAll()
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	jobs := make([]*domain.TestJob, 0, len(records))
	for _, r := range records {
		job := r.Value
		if job.ID != r.ID {
			log.WithField("file", r.ID).WithField("id", job.ID).
				Warn("jobstore: record id does not match file name, using file name")
			job.ID = r.ID
		}
		if job.TestedCases == nil {
			job.TestedCases = []string{}
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}
	log.WithField("count", len(jobs)).Debug("jobstore: loaded jobs")
	return nil
}

// Create persists a new job. An empty id is replaced with a generated one.
func (s *Store) Create(job *domain.TestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := filestore.ValidateID(job.ID); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrJobAlreadyExists, job.ID)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobWaiting
	}
	if job.TestedCases == nil {
		job.TestedCases = []string{}
	}

	stored := job.Clone()
	if err := s.dir.Save(stored.ID, stored); err != nil {
		return fmt.Errorf("saving job %s: %w", stored.ID, err)
	}
	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return nil
}

// Get returns a copy of the job with the given id
func (s *Store) Get(id string) (*domain.TestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

// Update replaces a stored job with job and persists it
func (s *Store) Update(job *domain.TestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrNotFound)
	}
	job.UpdatedAt = time.Now().UTC()
	stored := job.Clone()
	if err := s.dir.Save(stored.ID, stored); err != nil {
		return fmt.Errorf("saving job %s: %w", stored.ID, err)
	}
	s.jobs[stored.ID] = stored
	return nil
}

// List returns copies of all jobs in store order
func (s *Store) List() []*domain.TestJob {
	return s.ListByStatus()
}

// ListByStatus returns copies of the jobs in any of the given statuses,
// in store order. No statuses means all jobs.
func (s *Store) ListByStatus(statuses ...domain.JobStatus) []*domain.TestJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.TestJob, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if len(statuses) > 0 && !hasStatus(statuses, job.Status) {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

func hasStatus(statuses []domain.JobStatus, status domain.JobStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
