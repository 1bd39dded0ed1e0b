// Package notify delivers job completion notices.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is a labelled detail shown next to the message
type Field struct {
	Name  string
	Value string
}

// Notification is one notice about a job
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	JobID     string
	ReportURL string
	Fields    []Field
	At        time.Time
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// JobFinished builds the notice for a job that reached a terminal state.
// The job's coordinates go into Fields; Message carries the outcome.
func JobFinished(job *domain.TestJob) Notification {
	n := Notification{
		JobID:     job.ID,
		ReportURL: job.ReportURL,
		At:        job.UpdatedAt,
		Fields: []Field{
			{Name: "Version", Value: job.RdscoreVersion},
			{Name: "Mark", Value: job.TestcaseMark},
			{Name: "OS", Value: job.OS},
			{Name: "Runner", Value: valueOr(job.RunnerID, "none")},
			{Name: "Cases run", Value: fmt.Sprintf("%d", len(job.TestedCases))},
		},
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	if job.Status == domain.JobFinished {
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s passed through %s", job.RdscoreVersion, job.TestcaseMark)
		n.Message = fmt.Sprintf("Job %s finished.", job.ID)
		return n
	}
	n.Type = NotifyError
	n.Title = fmt.Sprintf("%s failed on %s", job.RdscoreVersion, job.TestcaseMark)
	n.Message = valueOr(job.Error, "no reason reported")
	return n
}

// MultiNotifier sends to every notifier and joins their failures
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier fanning out to notifiers. Nil
// entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Send delivers n to all notifiers, even after one of them failed
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", notifier, err))
		}
	}
	return errors.Join(errs...)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
