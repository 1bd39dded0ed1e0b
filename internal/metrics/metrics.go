// Package metrics exposes Prometheus collectors shared by the dispatcher
// and the runner. Collectors register with the default registry, served
// by promhttp on /metrics.
package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "coreci"
)

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	schedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "scheduler_ticks_total",
		Help:      "Number of scheduler ticks run",
	})

	dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "dispatch_attempts_total",
		Help:      "Outcome of offering a job to a runner",
	}, []string{
		"result",
	})

	jobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "job_transitions_total",
		Help:      "Dispatcher job state transitions",
	}, []string{
		"status",
	})

	runnersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runners",
		Help:      "Registered runners by last-known health status",
	}, []string{
		"status",
	})

	versionUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "version_uploads_total",
		Help:      "Build archive uploads by result",
	}, []string{
		"result",
	})

	runnerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_jobs_total",
		Help:      "Jobs completed on this runner by final status",
	}, []string{
		"status",
	})

	runnerCases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_cases_total",
		Help:      "Test cases executed on this runner by harness result",
	}, []string{
		"result",
	})

	runnerCaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_case_duration_seconds",
		Help:      "Wall time of one harness invocation",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

// RecordError counts an error under a fixed label
func RecordError(label string) {
	errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails concats the error message to the label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(label + "." + errToLabel(err))
}

// RecordTick counts one scheduler tick
func RecordTick() {
	schedulerTicks.Inc()
}

// RecordDispatchAttempt counts the outcome of offering a job to one runner:
// upload_failed, rejected, submit_failed or dispatched.
func RecordDispatchAttempt(result string) {
	dispatchAttempts.WithLabelValues(result).Inc()
}

// RecordJobTransition counts a dispatcher job entering status
func RecordJobTransition(status string) {
	jobTransitions.WithLabelValues(status).Inc()
}

// SetRunnerCounts replaces the runner gauge with the given per-status counts
func SetRunnerCounts(counts map[string]int) {
	runnersByStatus.Reset()
	for status, n := range counts {
		runnersByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordVersionUpload counts an upload attempt (stored, rejected)
func RecordVersionUpload(result string) {
	versionUploads.WithLabelValues(result).Inc()
}

// RecordRunnerJob counts a job finishing on the runner
func RecordRunnerJob(status string) {
	runnerJobs.WithLabelValues(status).Inc()
}

// RecordCase counts one harness run and its duration
func RecordCase(exitCode int, seconds float64) {
	result := "passed"
	if exitCode != 0 {
		result = "failed"
	}
	runnerCases.WithLabelValues(result).Inc()
	runnerCaseDuration.Observe(seconds)
}
