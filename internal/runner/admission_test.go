package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
)

func TestAdmission_BusyRejectsOffer(t *testing.T) {
	a := NewAdmission(time.Minute)

	if err := a.Offer("j1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Claim("j1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Offer("j2"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("Offer while running = %v, want ErrBusy", err)
	}
	if err := a.Claim("j1"); !errors.Is(err, domain.ErrJobAlreadyExists) {
		t.Errorf("second Claim = %v, want ErrJobAlreadyExists", err)
	}

	a.Release("j2") // not the holder, no effect
	if cur, ok := a.Current(); !ok || cur != "j1" {
		t.Errorf("Current = %q, %v", cur, ok)
	}
	a.Release("j1")
	if err := a.Offer("j2"); err != nil {
		t.Errorf("Offer after release = %v", err)
	}
}

func TestAdmission_LeaseBlocksOthersUntilExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAdmission(time.Minute)
	a.now = func() time.Time { return now }

	if err := a.Offer("j1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Offer("j2"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("Offer during lease = %v, want ErrBusy", err)
	}
	if err := a.Claim("j2"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("Claim during foreign lease = %v, want ErrBusy", err)
	}
	// re-offering the leased job refreshes the lease
	if err := a.Offer("j1"); err != nil {
		t.Errorf("re-Offer = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := a.Claim("j2"); err != nil {
		t.Errorf("Claim after lease expiry = %v", err)
	}
}

func TestAdmission_ClaimWithoutOffer(t *testing.T) {
	a := NewAdmission(0)
	var changes []string
	a.SetOnChange(func(cur string) { changes = append(changes, cur) })

	if err := a.Claim("resumed"); err != nil {
		t.Fatal(err)
	}
	a.Release("resumed")
	if len(changes) != 2 || changes[0] != "resumed" || changes[1] != "" {
		t.Errorf("changes = %v", changes)
	}
}
