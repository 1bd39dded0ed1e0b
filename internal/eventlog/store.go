// Package eventlog records job state transitions in SQLite so the history
// of a job survives restarts independently of its current JSON record.
package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// Event is one recorded transition of a job
type Event = domain.JobEvent

// Store provides SQLite-backed event persistence
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath. ":memory:" is accepted.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an event for job. At defaults to now.
func (s *Store) Record(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO job_events (job_id, at, status, runner_id, message)
		VALUES (?, ?, ?, ?, ?)
	`, e.JobID, e.At, string(e.Status), e.RunnerID, e.Message)
	if err != nil {
		return fmt.Errorf("recording event for %s: %w", e.JobID, err)
	}
	return nil
}

// RecordJob is a shorthand recording the job's current status and runner
func (s *Store) RecordJob(job *domain.TestJob, message string) error {
	return s.Record(Event{
		JobID:    job.ID,
		Status:   job.Status,
		RunnerID: job.RunnerID,
		Message:  message,
	})
}

// ForJob returns the events of one job, oldest first
func (s *Store) ForJob(jobID string) ([]Event, error) {
	return s.query(`SELECT id, job_id, at, status, runner_id, message
		FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
}

// Recent returns the newest events across all jobs, newest first
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(`SELECT id, job_id, at, status, runner_id, message
		FROM job_events ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) query(query string, args ...interface{}) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var status string
		var runnerID, message sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.At, &status, &runnerID, &message); err != nil {
			return nil, err
		}
		e.Status = domain.JobStatus(status)
		e.RunnerID = runnerID.String
		e.Message = message.String
		events = append(events, e)
	}
	return events, rows.Err()
}
