package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/jobstore"
	"github.com/hochfrequenz/coreci/internal/notify"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// fakeVersions is an in-memory VersionSource
type fakeVersions struct {
	byName map[string]domain.BuildVersion
}

func newFakeVersions(names ...string) *fakeVersions {
	f := &fakeVersions{byName: make(map[string]domain.BuildVersion)}
	for i, name := range names {
		parts := strings.SplitN(name, "-", 2)
		f.byName[name] = domain.BuildVersion{
			Name:          name,
			OS:            parts[0],
			VersionPrefix: parts[1],
			UploadDate:    time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		}
	}
	return f
}

func (f *fakeVersions) Get(name string) (domain.BuildVersion, bool) {
	v, ok := f.byName[name]
	return v, ok
}

func (f *fakeVersions) FetchBytesAndChecksum(name, osName string) ([]byte, string, bool) {
	v, ok := f.byName[name]
	if !ok || v.OS != osName {
		return nil, "", false
	}
	return []byte("zip:" + name), "sum-" + name, true
}

func (f *fakeVersions) Latest(osName, prefix string) (domain.BuildVersion, bool) {
	var best domain.BuildVersion
	found := false
	for _, v := range f.byName {
		if v.OS == osName && strings.HasPrefix(v.VersionPrefix, prefix) && (!found || v.UploadDate.After(best.UploadDate)) {
			best, found = v, true
		}
	}
	return best, found
}

// fakeRunner records calls and answers from its fields
type fakeRunner struct {
	mu        sync.Mutex
	os        string
	infoErr   error
	current   string
	hang      bool
	reject    bool
	uploadErr error
	submitErr error
	jobs      map[string]*domain.RunnerJobContext
	uploads   []string
	accepted  []string
	submitted []string
}

func (f *fakeRunner) Info(ctx context.Context) (*protocol.InfoResponse, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := &protocol.InfoResponse{OS: f.os}
	if f.current != "" {
		current := f.current
		info.CurrentJob = &current
	}
	return info, nil
}

func (f *fakeRunner) UploadVersion(ctx context.Context, filename, checksum string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return f.uploadErr
}

func (f *fakeRunner) Accept(ctx context.Context, job protocol.JobRequest) (*protocol.AcceptResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return &protocol.AcceptResponse{Accepted: false, Error: "busy"}, nil
	}
	f.accepted = append(f.accepted, job.ID)
	return &protocol.AcceptResponse{Accepted: true}, nil
}

func (f *fakeRunner) Submit(ctx context.Context, job protocol.JobRequest) (*protocol.CreateJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, job.ID)
	ctxJob := &domain.RunnerJobContext{ID: job.ID, Status: domain.ExecPending, FinishedCases: []string{}}
	if f.jobs == nil {
		f.jobs = make(map[string]*domain.RunnerJobContext)
	}
	f.jobs[job.ID] = ctxJob
	return &protocol.CreateJobResponse{Created: true, Job: ctxJob}, nil
}

func (f *fakeRunner) GetJob(ctx context.Context, id string) (*domain.RunnerJobContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (f *fakeRunner) setJob(ctx *domain.RunnerJobContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[ctx.ID] = ctx
}

func (f *fakeRunner) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// recordingNotifier collects notifications
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Send(notif notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notif)
	return nil
}

// recordingEvents collects event messages per job
type recordingEvents struct {
	mu     sync.Mutex
	events map[string][]string
}

func (r *recordingEvents) RecordJob(job *domain.TestJob, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]string)
	}
	r.events[job.ID] = append(r.events[job.ID], message)
	return nil
}

type testEnv struct {
	svc     *Service
	sched   *Scheduler
	runners map[string]*fakeRunner // by base address
}

func newTestEnv(t *testing.T, versions VersionSource) *testEnv {
	t.Helper()
	dir := t.TempDir()
	jobs, err := jobstore.New(filepath.Join(dir, "jobs"))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(filepath.Join(dir, "runners"))
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		svc:     NewService(jobs, reg, versions),
		runners: make(map[string]*fakeRunner),
	}
	env.sched = NewScheduler(env.svc, time.Millisecond)
	env.sched.SetClientFunc(func(addr string) RunnerAPI {
		if r, ok := env.runners[addr]; ok {
			return r
		}
		return &fakeRunner{infoErr: domain.ErrRunnerUnreachable}
	})
	return env
}

func (e *testEnv) addRunner(t *testing.T, id, osName string) *fakeRunner {
	t.Helper()
	addr := "http://" + id + ":8001"
	if _, err := e.svc.Runners().Add(domain.RunnerHandle{ID: id, BaseAddress: addr, OS: osName}); err != nil {
		t.Fatal(err)
	}
	f := &fakeRunner{os: osName}
	e.runners[addr] = f
	return f
}

func (e *testEnv) job(t *testing.T, id string) *domain.TestJob {
	t.Helper()
	j, err := e.svc.Jobs().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}
