// Package protocol defines the JSON messages exchanged between clients,
// the dispatcher and runners over HTTP, plus the progress events a runner
// streams over its websocket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// Client -> Dispatcher

// SubmitJobRequest asks the dispatcher to queue a job. OS may be omitted
// when it can be derived from the version.
type SubmitJobRequest struct {
	ID             string `json:"id,omitempty"`
	OS             string `json:"os,omitempty"`
	TestcaseMark   string `json:"testcase_mark"`
	RdscoreVersion string `json:"rdscore_version"`
}

// RegisterRunnerRequest adds or replaces a runner in the registry
type RegisterRunnerRequest struct {
	ID          string `json:"id,omitempty"`
	BaseAddress string `json:"base_address"`
	OS          string `json:"os"`
}

// RecurringJobInfo describes a configured recurring job. NextRun is zero
// until the cron scheduler is started.
type RecurringJobInfo struct {
	Name          string    `json:"name"`
	Cron          string    `json:"cron"`
	OS            string    `json:"os"`
	TestcaseMark  string    `json:"testcase_mark"`
	VersionPrefix string    `json:"version_prefix"`
	NextRun       time.Time `json:"next_run,omitempty"`
}

// Dispatcher -> Runner

// JobRequest describes a job offered to (accept) or pushed to (submit) a runner
type JobRequest struct {
	ID             string `json:"id"`
	OS             string `json:"os"`
	TestcaseMark   string `json:"testcase_mark"`
	RdscoreVersion string `json:"rdscore_version"`
}

// JobRequestFor builds the runner-facing request for a dispatcher job
func JobRequestFor(job *domain.TestJob) JobRequest {
	return JobRequest{
		ID:             job.ID,
		OS:             job.OS,
		TestcaseMark:   job.TestcaseMark,
		RdscoreVersion: job.RdscoreVersion,
	}
}

// Runner -> Dispatcher

// InfoResponse is the runner's self-report used for health refresh
type InfoResponse struct {
	ID         string  `json:"id"`
	OS         string  `json:"os"`
	CurrentJob *string `json:"current_job"`
}

// AcceptResponse answers whether the runner can take the offered job
type AcceptResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// CreateJobResponse answers a job submission
type CreateJobResponse struct {
	Created bool                     `json:"created"`
	Job     *domain.RunnerJobContext `json:"job,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// StopResponse answers a stop request for the current job
type StopResponse struct {
	JobID    string `json:"job_id"`
	Stopping bool   `json:"stopping"`
}

// RunSummary is one entry of the runner's run history
type RunSummary struct {
	ID        string    `json:"id"`
	ReportURL string    `json:"report_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Progress events, Runner -> websocket watchers

// Envelope wraps all progress events with a type discriminator.
// When marshaling, Payload can be any event struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving events where the payload
// needs to be unmarshaled based on the event type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(eventType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: eventType, Payload: payload})
}

// JobStartedEvent is sent once the core is up and cases are enumerated
type JobStartedEvent struct {
	JobID   string   `json:"job_id"`
	Cases   []string `json:"cases"`
	Resumed []string `json:"resumed,omitempty"`
}

// CaseStartedEvent is sent before the harness runs a case
type CaseStartedEvent struct {
	JobID string `json:"job_id"`
	Case  string `json:"case"`
}

// CaseFinishedEvent is sent after the harness exits for a case
type CaseFinishedEvent struct {
	JobID      string `json:"job_id"`
	Case       string `json:"case"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// JobFinishedEvent is sent when the job reaches a terminal state
type JobFinishedEvent struct {
	JobID     string            `json:"job_id"`
	Status    domain.ExecStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	ReportURL string            `json:"report_url,omitempty"`
}

// Event type constants
const (
	TypeJobStarted   = "job_started"
	TypeCaseStarted  = "case_started"
	TypeCaseFinished = "case_finished"
	TypeJobFinished  = "job_finished"
)
