// Package runner executes test jobs pushed by the dispatcher against a
// locally managed core process, one job at a time.
package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// Admission guards the runner's single job slot. An accepted offer holds a
// lease for that job id until it is claimed or the lease expires, so the
// dispatcher can follow an accept with a submit without racing other offers.
type Admission struct {
	lease time.Duration
	now   func() time.Time

	mu         sync.Mutex
	current    string
	leasedTo   string
	leaseUntil time.Time

	onChange func(current string)
}

// NewAdmission creates an idle admission with the given accept lease
func NewAdmission(lease time.Duration) *Admission {
	if lease <= 0 {
		lease = 60 * time.Second
	}
	return &Admission{lease: lease, now: time.Now}
}

// SetOnChange sets a callback invoked with the current job id (empty when
// idle) after every change of the slot
func (a *Admission) SetOnChange(fn func(current string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Offer asks whether jobID can run now and, if so, leases the slot to it
func (a *Admission) Offer(jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != "" {
		return fmt.Errorf("%w: running %s", domain.ErrBusy, a.current)
	}
	if a.leaseHeldByOther(jobID) {
		return fmt.Errorf("%w: reserved for %s", domain.ErrBusy, a.leasedTo)
	}
	a.leasedTo = jobID
	a.leaseUntil = a.now().Add(a.lease)
	return nil
}

// Claim occupies the slot for jobID. It succeeds when jobID holds the
// lease or when the slot is free and unleased.
func (a *Admission) Claim(jobID string) error {
	a.mu.Lock()
	if a.current != "" {
		current := a.current
		a.mu.Unlock()
		if current == jobID {
			return fmt.Errorf("%w: %s", domain.ErrJobAlreadyExists, jobID)
		}
		return fmt.Errorf("%w: running %s", domain.ErrBusy, current)
	}
	if a.leaseHeldByOther(jobID) {
		leased := a.leasedTo
		a.mu.Unlock()
		return fmt.Errorf("%w: reserved for %s", domain.ErrBusy, leased)
	}
	a.current = jobID
	a.leasedTo = ""
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb(jobID)
	}
	return nil
}

// Release frees the slot if jobID holds it
func (a *Admission) Release(jobID string) {
	a.mu.Lock()
	if a.current != jobID {
		a.mu.Unlock()
		return
	}
	a.current = ""
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb("")
	}
}

// Current returns the job occupying the slot
func (a *Admission) Current() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != ""
}

func (a *Admission) leaseHeldByOther(jobID string) bool {
	return a.leasedTo != "" && a.leasedTo != jobID && a.now().Before(a.leaseUntil)
}
