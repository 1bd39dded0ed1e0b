package domain

import "time"

// TestJob is the dispatcher's durable record of one test request
type TestJob struct {
	ID             string    `json:"id"`
	RunnerID       string    `json:"runner_id"`
	OS             string    `json:"os"`
	TestcaseMark   string    `json:"testcase_mark"`
	RdscoreVersion string    `json:"rdscore_version"`
	Status         JobStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	ReportURL      string    `json:"report_url,omitempty"`
	TestedCases    []string  `json:"tested_cases"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without racing the store
func (j *TestJob) Clone() *TestJob {
	c := *j
	c.TestedCases = append([]string(nil), j.TestedCases...)
	return &c
}

// RunnerJobContext is the runner's execution record for a job. FinishedCases
// is the resume checkpoint and only ever grows.
type RunnerJobContext struct {
	ID             string     `json:"id"`
	OS             string     `json:"os"`
	TestcaseMark   string     `json:"testcase_mark"`
	RdscoreVersion string     `json:"rdscore_version"`
	TestcaseFolder string     `json:"testcase_folder"`
	CurrentCase    *string    `json:"current_case"`
	FinishedCases  []string   `json:"finished_cases"`
	Status         ExecStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	BuildPath      string     `json:"build_path,omitempty"`
	ReportPath     string     `json:"report_path,omitempty"`
	ReportURL      string     `json:"report_url,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the context
func (c *RunnerJobContext) Clone() *RunnerJobContext {
	cp := *c
	cp.FinishedCases = append([]string(nil), c.FinishedCases...)
	if c.CurrentCase != nil {
		s := *c.CurrentCase
		cp.CurrentCase = &s
	}
	return &cp
}

// HasFinished reports whether the case is already in the checkpoint
func (c *RunnerJobContext) HasFinished(name string) bool {
	for _, f := range c.FinishedCases {
		if f == name {
			return true
		}
	}
	return false
}

// JobEvent is one recorded state transition of a TestJob
type JobEvent struct {
	ID       int64     `json:"id"`
	JobID    string    `json:"job_id"`
	At       time.Time `json:"at"`
	Status   JobStatus `json:"status"`
	RunnerID string    `json:"runner_id,omitempty"`
	Message  string    `json:"message,omitempty"`
}
