package eventlog

const schema = `
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    runner_id TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
CREATE INDEX IF NOT EXISTS idx_job_events_at ON job_events(at);
`
