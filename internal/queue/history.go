package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobRecord is one job execution as recorded in cache.db.
type JobRecord struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	JobType    string     `json:"job_type"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job history statuses.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// HistoryRepository records job executions in cache.db for the system API.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a job history repository.
func NewHistoryRepository(cacheDB *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  cacheDB,
		log: log.With().Str("repo", "job_history").Logger(),
	}
}

// Started records a job start.
func (r *HistoryRepository) Started(job *Job) error {
	_, err := r.db.Exec(`INSERT INTO job_history (job_id, job_type, status, started_at)
		VALUES (?, ?, ?, ?)`,
		job.ID, job.Type, StatusRunning, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record job start: %w", err)
	}
	return nil
}

// Finished records a job outcome.
func (r *HistoryRepository) Finished(job *Job, runErr error) error {
	status := StatusCompleted
	detail := ""
	if runErr != nil {
		status = StatusFailed
		detail = runErr.Error()
	}

	_, err := r.db.Exec(`UPDATE job_history SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ?`,
		status, detail, time.Now().UTC().Format(time.RFC3339Nano), job.ID)
	if err != nil {
		return fmt.Errorf("failed to record job finish: %w", err)
	}
	return nil
}

// Recent returns the latest job records, newest first.
func (r *HistoryRepository) Recent(limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`SELECT id, job_id, job_type, status, error, started_at, finished_at
		FROM job_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.JobType, &rec.Status, &rec.Error,
			&startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
