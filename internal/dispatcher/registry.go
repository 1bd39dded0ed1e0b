// Package dispatcher matches waiting test jobs to runners. It holds the
// runner registry, the scheduling loop, recurring job submission and the
// dispatcher's HTTP API.
package dispatcher

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/filestore"
)

// Registry tracks known runners, one JSON file per runner
type Registry struct {
	dir *filestore.Dir[domain.RunnerHandle]

	runners map[string]*domain.RunnerHandle
	order   []string
	mu      sync.RWMutex
}

// NewRegistry opens the runner directory and loads it
func NewRegistry(path string) (*Registry, error) {
	dir, err := filestore.Open[domain.RunnerHandle](path)
	if err != nil {
		return nil, err
	}
	r := &Registry{dir: dir}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the in-memory set with the contents of the directory
func (r *Registry) Load() error {
	records, err := r.dir.LoadAll()
	if err != nil {
		return fmt.Errorf("loading runners: %w", err)
	}

	runners := make(map[string]*domain.RunnerHandle, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		h := rec.Value
		h.ID = rec.ID
		runners[h.ID] = h
		order = append(order, h.ID)
	}

	r.mu.Lock()
	r.runners = runners
	r.order = order
	r.mu.Unlock()

	log.WithField("count", len(order)).Info("registry: loaded runners")
	return nil
}

// Add registers a runner, generating an id when none is given. An
// existing runner with the same id is replaced.
func (r *Registry) Add(h domain.RunnerHandle) (domain.RunnerHandle, error) {
	h.OS = strings.ToLower(strings.TrimSpace(h.OS))
	if !domain.ValidOS(h.OS) {
		return h, fmt.Errorf("%w: %q", domain.ErrUnsupportedOS, h.OS)
	}
	u, err := url.Parse(h.BaseAddress)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return h, fmt.Errorf("%w: base address %q must be an http(s) URL", domain.ErrInvalidRequest, h.BaseAddress)
	}
	h.BaseAddress = strings.TrimRight(h.BaseAddress, "/")
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = domain.RunnerIdle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dir.Save(h.ID, &h); err != nil {
		return h, fmt.Errorf("saving runner %s: %w", h.ID, err)
	}
	if _, exists := r.runners[h.ID]; !exists {
		r.order = append(r.order, h.ID)
	}
	stored := h
	r.runners[h.ID] = &stored

	log.WithField("runner", h.ID).WithField("address", h.BaseAddress).
		WithField("os", h.OS).Info("registry: runner added")
	return h, nil
}

// Remove deletes a runner from memory and disk
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[id]; !ok {
		return fmt.Errorf("runner %s: %w", id, domain.ErrNotFound)
	}
	if err := r.dir.Remove(id); err != nil {
		return fmt.Errorf("removing runner %s: %w", id, err)
	}
	delete(r.runners, id)
	for i, rid := range r.order {
		if rid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.WithField("runner", id).Info("registry: runner removed")
	return nil
}

// Get returns a copy of the runner with the given id
func (r *Registry) Get(id string) (domain.RunnerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runners[id]
	if !ok {
		return domain.RunnerHandle{}, false
	}
	return *h, true
}

// List returns copies of all runners in registration order
func (r *Registry) List() []domain.RunnerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RunnerHandle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.runners[id])
	}
	return out
}

// Count returns the number of registered runners
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// UpdateHealth records the result of a health check. reportedOS is the
// runner's self-reported os (empty when unknown); a valid, different value
// replaces the stored one. The record is persisted only when status or os
// changed.
func (r *Registry) UpdateHealth(id string, status domain.RunnerStatus, reportedOS string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.runners[id]
	if !ok {
		return fmt.Errorf("runner %s: %w", id, domain.ErrNotFound)
	}

	updated := *h
	changed := false
	if updated.Status != status {
		updated.Status = status
		changed = true
	}
	reportedOS = strings.ToLower(reportedOS)
	if reportedOS != "" && reportedOS != updated.OS {
		if domain.ValidOS(reportedOS) {
			log.WithField("runner", id).WithField("stored", updated.OS).
				WithField("reported", reportedOS).Warn("registry: runner reports a different os, updating")
			updated.OS = reportedOS
			changed = true
		} else {
			log.WithField("runner", id).WithField("reported", reportedOS).
				Warn("registry: runner reports unsupported os, ignoring")
		}
	}
	if status == domain.RunnerIdle {
		updated.LastSeen = time.Now().UTC()
	}

	if changed {
		if err := r.dir.Save(id, &updated); err != nil {
			return fmt.Errorf("saving runner %s: %w", id, err)
		}
	}
	*h = updated
	return nil
}

// StatusCounts returns how many runners are in each status
func (r *Registry) StatusCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, h := range r.runners {
		counts[string(h.Status)]++
	}
	return counts
}
