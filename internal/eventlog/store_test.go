package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/coreci/internal/domain"
)

func TestStore_RecordAndList(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	job := &domain.TestJob{ID: "job-1", Status: domain.JobWaiting}
	if err := store.RecordJob(job, "submitted"); err != nil {
		t.Fatal(err)
	}
	job.Status = domain.JobRunning
	job.RunnerID = "runner-a"
	if err := store.RecordJob(job, "dispatched"); err != nil {
		t.Fatal(err)
	}
	store.Record(Event{JobID: "job-2", Status: domain.JobWaiting})

	events, err := store.ForJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Status != domain.JobWaiting || events[0].Message != "submitted" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].RunnerID != "runner-a" || events[1].Status != domain.JobRunning {
		t.Errorf("second event = %+v", events[1])
	}
	if events[0].At.IsZero() {
		t.Error("At not set")
	}
}

func TestStore_ForUnknownJobIsEmpty(t *testing.T) {
	store, _ := New(":memory:")
	defer store.Close()

	events, err := store.ForJob("nope")
	if err != nil {
		t.Fatal(err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("got %v, want empty slice", events)
	}
}

func TestStore_Recent(t *testing.T) {
	store, _ := New(":memory:")
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		store.Record(Event{JobID: id, Status: domain.JobWaiting})
	}
	events, err := store.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].JobID != "c" || events[1].JobID != "b" {
		t.Errorf("got %+v, want c then b", events)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Record(Event{JobID: "job-1", Status: domain.JobFailed, Message: "version missing"})
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	events, _ := reopened.ForJob("job-1")
	if len(events) != 1 || events[0].Message != "version missing" {
		t.Errorf("got %+v", events)
	}
}
