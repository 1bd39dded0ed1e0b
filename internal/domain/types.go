package domain

// JobStatus represents the lifecycle state of a dispatcher-side test job
type JobStatus string

const (
	JobWaiting  JobStatus = "waiting"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// IsTerminal reports whether no further transition can happen
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobFailed
}

// RunnerStatus is the last-known health of a registered runner.
// Idle means reachable, not free; freedom is decided by the runner's
// own admission check.
type RunnerStatus string

const (
	RunnerIdle       RunnerStatus = "idle"
	RunnerRunning    RunnerStatus = "running"
	RunnerError      RunnerStatus = "error"
	RunnerPingFailed RunnerStatus = "ping-failed"
)

// ExecStatus represents the state of a job inside a runner
type ExecStatus string

const (
	ExecPending  ExecStatus = "pending"
	ExecRunning  ExecStatus = "running"
	ExecFinished ExecStatus = "finished"
	ExecFailed   ExecStatus = "failed"
)

// IsTerminal reports whether the runner is done with the job
func (s ExecStatus) IsTerminal() bool {
	return s == ExecFinished || s == ExecFailed
}

// Supported operating systems for runners and builds
const (
	OSWindows = "windows"
	OSLinux   = "linux"
)

// ValidOS reports whether os names a supported platform
func ValidOS(os string) bool {
	return os == OSWindows || os == OSLinux
}
