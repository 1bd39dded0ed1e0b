package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// Dispatcher talks to the dispatcher's HTTP API
type Dispatcher struct {
	base
}

// NewDispatcher creates a client for the dispatcher at baseURL
func NewDispatcher(baseURL string, httpClient *http.Client) *Dispatcher {
	return &Dispatcher{base: newBase(baseURL, httpClient)}
}

// RegisterRunner adds or replaces a runner
func (d *Dispatcher) RegisterRunner(ctx context.Context, req protocol.RegisterRunnerRequest) (*domain.RunnerHandle, error) {
	var runner domain.RunnerHandle
	if err := d.sendJSON(ctx, http.MethodPost, "/runners", req, &runner); err != nil {
		return nil, err
	}
	return &runner, nil
}

// ListRunners returns all registered runners
func (d *Dispatcher) ListRunners(ctx context.Context) ([]domain.RunnerHandle, error) {
	var runners []domain.RunnerHandle
	if err := d.getJSON(ctx, "/runners", &runners); err != nil {
		return nil, err
	}
	return runners, nil
}

// RemoveRunner deletes a runner from the registry
func (d *Dispatcher) RemoveRunner(ctx context.Context, id string) error {
	return d.sendJSON(ctx, http.MethodDelete, "/runners/"+url.PathEscape(id), nil, nil)
}

// SubmitJob queues a new job
func (d *Dispatcher) SubmitJob(ctx context.Context, req protocol.SubmitJobRequest) (*domain.TestJob, error) {
	var job domain.TestJob
	if err := d.sendJSON(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by status
func (d *Dispatcher) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.TestJob, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var jobs []domain.TestJob
	if err := d.getJSON(ctx, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob fetches one job
func (d *Dispatcher) GetJob(ctx context.Context, id string) (*domain.TestJob, error) {
	var job domain.TestJob
	if err := d.getJSON(ctx, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobEvents fetches the recorded transitions of a job
func (d *Dispatcher) JobEvents(ctx context.Context, id string) ([]domain.JobEvent, error) {
	var events []domain.JobEvent
	if err := d.getJSON(ctx, "/jobs/"+url.PathEscape(id)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// RecentEvents fetches the newest transitions across all jobs, newest
// first. limit <= 0 leaves the count to the dispatcher.
func (d *Dispatcher) RecentEvents(ctx context.Context, limit int) ([]domain.JobEvent, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []domain.JobEvent
	if err := d.getJSON(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListVersions returns all stored build versions
func (d *Dispatcher) ListVersions(ctx context.Context) ([]domain.BuildVersion, error) {
	var versions []domain.BuildVersion
	if err := d.getJSON(ctx, "/versions", &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// UploadVersion uploads a build archive with its declared checksum
func (d *Dispatcher) UploadVersion(ctx context.Context, filename, checksum string, data []byte) (*domain.BuildVersion, error) {
	var v domain.BuildVersion
	if err := d.uploadFile(ctx, "/versions/upload/"+url.PathEscape(checksum), filename, data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListRecurring returns the configured recurring jobs
func (d *Dispatcher) ListRecurring(ctx context.Context) ([]protocol.RecurringJobInfo, error) {
	var jobs []protocol.RecurringJobInfo
	if err := d.getJSON(ctx, "/recurring", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RunRecurring fires a recurring job now and returns the submitted (or
// still active identical) job
func (d *Dispatcher) RunRecurring(ctx context.Context, name string) (*domain.TestJob, error) {
	var job domain.TestJob
	if err := d.sendJSON(ctx, http.MethodPost, "/recurring/"+url.PathEscape(name)+"/run", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
