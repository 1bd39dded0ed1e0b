package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// Runner talks to one runner's HTTP API
type Runner struct {
	base
}

// NewRunner creates a client for the runner at baseURL. A nil httpClient
// means http.DefaultClient.
func NewRunner(baseURL string, httpClient *http.Client) *Runner {
	return &Runner{base: newBase(baseURL, httpClient)}
}

// BaseURL returns the runner's address
func (r *Runner) BaseURL() string {
	return r.url
}

// Ping checks that the runner answers at all
func (r *Runner) Ping(ctx context.Context) error {
	return r.getJSON(ctx, "/ping", nil)
}

// Info fetches the runner's self-report
func (r *Runner) Info(ctx context.Context) (*protocol.InfoResponse, error) {
	var info protocol.InfoResponse
	if err := r.getJSON(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadVersion pushes a build archive to the runner's cache
func (r *Runner) UploadVersion(ctx context.Context, filename, checksum string, data []byte) error {
	return r.uploadFile(ctx, "/versions/upload/"+url.PathEscape(checksum), filename, data, nil)
}

// ListVersions returns the build names cached on the runner
func (r *Runner) ListVersions(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.getJSON(ctx, "/versions", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Accept asks whether the runner can take job
func (r *Runner) Accept(ctx context.Context, job protocol.JobRequest) (*protocol.AcceptResponse, error) {
	var resp protocol.AcceptResponse
	if err := r.sendJSON(ctx, http.MethodPost, "/jobs/accept", job, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit hands job to the runner for execution
func (r *Runner) Submit(ctx context.Context, job protocol.JobRequest) (*protocol.CreateJobResponse, error) {
	var resp protocol.CreateJobResponse
	if err := r.sendJSON(ctx, http.MethodPost, "/jobs", job, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob fetches the runner's execution context for id.
// A job the runner does not know matches domain.ErrNotFound.
func (r *Runner) GetJob(ctx context.Context, id string) (*domain.RunnerJobContext, error) {
	var job domain.RunnerJobContext
	if err := r.getJSON(ctx, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CurrentJob fetches the active job, or ErrNotFound when idle
func (r *Runner) CurrentJob(ctx context.Context) (*domain.RunnerJobContext, error) {
	var job domain.RunnerJobContext
	if err := r.getJSON(ctx, "/jobs/current", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StopCurrent requests cooperative cancellation of the active job
func (r *Runner) StopCurrent(ctx context.Context) (*protocol.StopResponse, error) {
	var resp protocol.StopResponse
	if err := r.sendJSON(ctx, http.MethodPost, "/jobs/current/stop", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Runs lists the runner's run history
func (r *Runner) Runs(ctx context.Context) ([]protocol.RunSummary, error) {
	var runs []protocol.RunSummary
	if err := r.getJSON(ctx, "/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
