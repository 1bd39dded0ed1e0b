package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/config"
	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// Recurring submits jobs for the newest matching build on cron schedules
type Recurring struct {
	svc     *Service
	cron    *cron.Cron
	configs map[string]config.RecurringJob
	entries map[string]cron.EntryID
	mu      sync.RWMutex
}

// NewRecurring validates and schedules every recurring job
func NewRecurring(svc *Service, jobs []config.RecurringJob) (*Recurring, error) {
	r := &Recurring{
		svc:     svc,
		cron:    cron.New(),
		configs: make(map[string]config.RecurringJob),
		entries: make(map[string]cron.EntryID),
	}

	for _, cfg := range jobs {
		if _, dup := r.configs[cfg.Name]; dup {
			return nil, fmt.Errorf("recurring job %q defined twice", cfg.Name)
		}
		cfg := cfg
		id, err := r.cron.AddFunc(cfg.Cron, func() {
			if _, err := r.Fire(cfg.Name); err != nil {
				log.WithField("recurring", cfg.Name).WithError(err).Warn("recurring: nothing submitted")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("recurring job %q: invalid cron expression: %w", cfg.Name, err)
		}
		r.configs[cfg.Name] = cfg
		r.entries[cfg.Name] = id
	}
	return r, nil
}

// Names returns the configured recurring job names, sorted
func (r *Recurring) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes every recurring job with its next fire time
func (r *Recurring) List() []protocol.RecurringJobInfo {
	names := r.Names()
	out := make([]protocol.RecurringJobInfo, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		cfg := r.configs[name]
		r.mu.RUnlock()
		out = append(out, protocol.RecurringJobInfo{
			Name:          cfg.Name,
			Cron:          cfg.Cron,
			OS:            cfg.OS,
			TestcaseMark:  cfg.TestcaseMark,
			VersionPrefix: cfg.VersionPrefix,
			NextRun:       r.NextRun(name),
		})
	}
	return out
}

// NextRun returns when the named job fires next (zero if unknown or not started)
func (r *Recurring) NextRun(name string) time.Time {
	r.mu.RLock()
	id, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return r.cron.Entry(id).Next
}

// Fire submits the named job now. Returns ErrVersionNotFound when no
// build matches; an identical job that is still active is not duplicated.
func (r *Recurring) Fire(name string) (*domain.TestJob, error) {
	r.mu.RLock()
	cfg, ok := r.configs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("recurring job %s: %w", name, domain.ErrNotFound)
	}

	v, ok := r.svc.versions.Latest(cfg.OS, cfg.VersionPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: no %s build with prefix %q", domain.ErrVersionNotFound, cfg.OS, cfg.VersionPrefix)
	}

	for _, active := range r.svc.ActiveJobs() {
		if active.RdscoreVersion == v.Name && active.TestcaseMark == cfg.TestcaseMark && active.OS == cfg.OS {
			log.WithField("recurring", name).WithField("job", active.ID).
				Info("recurring: identical job still active, skipping")
			return active, nil
		}
	}

	job, err := r.svc.SubmitJob(protocol.SubmitJobRequest{
		OS:             cfg.OS,
		TestcaseMark:   cfg.TestcaseMark,
		RdscoreVersion: v.Name,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("recurring", name).WithField("job", job.ID).
		WithField("version", v.Name).Info("recurring: job submitted")
	return job, nil
}

// Run starts the cron scheduler and blocks until ctx is cancelled
func (r *Recurring) Run(ctx context.Context) error {
	if len(r.configs) == 0 {
		<-ctx.Done()
		return nil
	}
	r.cron.Start()
	log.WithField("jobs", len(r.configs)).Info("recurring: scheduler started")
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}
