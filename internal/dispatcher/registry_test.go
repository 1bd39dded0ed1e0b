package dispatcher

import (
	"errors"
	"testing"

	"github.com/hochfrequenz/coreci/internal/domain"
)

func TestRegistry_AddRemove(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h, err := reg.Add(domain.RunnerHandle{BaseAddress: "http://bench-01:8001/", OS: "Linux"})
	if err != nil {
		t.Fatal(err)
	}
	if h.ID == "" {
		t.Error("expected generated id")
	}
	if h.BaseAddress != "http://bench-01:8001" {
		t.Errorf("BaseAddress = %q, want trailing slash trimmed", h.BaseAddress)
	}
	if h.OS != domain.OSLinux || h.Status != domain.RunnerIdle {
		t.Errorf("handle = %+v", h)
	}
	if got := reg.Count(); got != 1 {
		t.Errorf("got count=%d, want 1", got)
	}

	if err := reg.Remove(h.ID); err != nil {
		t.Fatal(err)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("got count=%d, want 0", got)
	}
	if err := reg.Remove(h.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_AddRejectsInvalid(t *testing.T) {
	reg, _ := NewRegistry(t.TempDir())

	if _, err := reg.Add(domain.RunnerHandle{BaseAddress: "http://x:1", OS: "darwin"}); !errors.Is(err, domain.ErrUnsupportedOS) {
		t.Errorf("err = %v, want ErrUnsupportedOS", err)
	}
	if _, err := reg.Add(domain.RunnerHandle{BaseAddress: "bench-01:8001", OS: "linux"}); err == nil {
		t.Error("expected error for address without scheme")
	}
	if reg.Count() != 0 {
		t.Error("rejected runners must not be stored")
	}
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	reg, _ := NewRegistry(dir)
	reg.Add(domain.RunnerHandle{ID: "a", BaseAddress: "http://a:8001", OS: "linux"})
	reg.Add(domain.RunnerHandle{ID: "b", BaseAddress: "http://b:8001", OS: "windows"})
	reg.Add(domain.RunnerHandle{ID: "a", BaseAddress: "http://a2:8001", OS: "linux"})

	reopened, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("got count=%d, want 2", reopened.Count())
	}
	a, ok := reopened.Get("a")
	if !ok || a.BaseAddress != "http://a2:8001" {
		t.Errorf("runner a = %+v, want replaced address", a)
	}
}

func TestRegistry_UpdateHealth(t *testing.T) {
	dir := t.TempDir()
	reg, _ := NewRegistry(dir)
	reg.Add(domain.RunnerHandle{ID: "r1", BaseAddress: "http://r1:8001", OS: "linux"})

	if err := reg.UpdateHealth("r1", domain.RunnerPingFailed, ""); err != nil {
		t.Fatal(err)
	}
	h, _ := reg.Get("r1")
	if h.Status != domain.RunnerPingFailed {
		t.Errorf("status = %s, want ping-failed", h.Status)
	}

	// self-reported os replaces the stored one
	reg.UpdateHealth("r1", domain.RunnerIdle, "windows")
	h, _ = reg.Get("r1")
	if h.OS != domain.OSWindows || h.Status != domain.RunnerIdle || h.LastSeen.IsZero() {
		t.Errorf("handle = %+v", h)
	}

	// unsupported reports are ignored
	reg.UpdateHealth("r1", domain.RunnerIdle, "plan9")
	h, _ = reg.Get("r1")
	if h.OS != domain.OSWindows {
		t.Errorf("os = %s, want windows kept", h.OS)
	}

	reopened, _ := NewRegistry(dir)
	h, _ = reopened.Get("r1")
	if h.OS != domain.OSWindows {
		t.Errorf("persisted os = %s, want windows", h.OS)
	}

	if err := reg.UpdateHealth("missing", domain.RunnerIdle, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_StatusCounts(t *testing.T) {
	reg, _ := NewRegistry(t.TempDir())
	reg.Add(domain.RunnerHandle{ID: "a", BaseAddress: "http://a:1", OS: "linux"})
	reg.Add(domain.RunnerHandle{ID: "b", BaseAddress: "http://b:1", OS: "linux"})
	reg.UpdateHealth("b", domain.RunnerError, "")

	counts := reg.StatusCounts()
	if counts["idle"] != 1 || counts["error"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
