package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage journals jobs to disk so pending work survives a
// restart. Single-writer by design; the manager serializes mutations.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) a sqlite job journal
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job journal: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_attempt_ms INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_ms INTEGER NOT NULL,
		updated_ms INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs index: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// RecoverInFlight resets jobs stranded in processing by a crash back to
// pending. Called once at startup before the dispatcher starts.
func (s *SQLiteStorage) RecoverInFlight() (int, error) {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, updated_ms = ? WHERE status = ?",
		string(StatusPending), time.Now().UnixMilli(), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Store implements StorageBackend
func (s *SQLiteStorage) Store(job Job) error {
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, campaign_id, template_id, user_id, recipient, subject, body,
		 priority, status, attempts, max_attempts, next_attempt_ms, last_error,
		 created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CampaignID, job.TemplateID, job.UserID, job.Recipient,
		job.Subject, job.Body, int(job.Priority), string(job.Status),
		job.Attempts, job.MaxAttempts, timeToMs(job.NextAttemptAt),
		job.LastError, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// Retrieve implements StorageBackend
func (s *SQLiteStorage) Retrieve(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT id, campaign_id, template_id, user_id,
		recipient, subject, body, priority, status, attempts, max_attempts,
		next_attempt_ms, last_error, created_ms, updated_ms
		FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// Update implements StorageBackend
func (s *SQLiteStorage) Update(job Job) error {
	res, err := s.db.Exec(`UPDATE jobs SET
		campaign_id = ?, template_id = ?, user_id = ?, recipient = ?,
		subject = ?, body = ?, priority = ?, status = ?, attempts = ?,
		max_attempts = ?, next_attempt_ms = ?, last_error = ?, updated_ms = ?
		WHERE id = ?`,
		job.CampaignID, job.TemplateID, job.UserID, job.Recipient,
		job.Subject, job.Body, int(job.Priority), string(job.Status),
		job.Attempts, job.MaxAttempts, timeToMs(job.NextAttemptAt),
		job.LastError, job.UpdatedAt.UnixMilli(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Delete implements StorageBackend
func (s *SQLiteStorage) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List implements StorageBackend
func (s *SQLiteStorage) List() ([]Job, error) {
	rows, err := s.db.Query(`SELECT id, campaign_id, template_id, user_id,
		recipient, subject, body, priority, status, attempts, max_attempts,
		next_attempt_ms, last_error, created_ms, updated_ms FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close implements StorageBackend
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job                            Job
		priority                       int
		status                         string
		nextMs, createdMs, updatedMs   int64
	)
	err := row.Scan(&job.ID, &job.CampaignID, &job.TemplateID, &job.UserID,
		&job.Recipient, &job.Subject, &job.Body, &priority, &status,
		&job.Attempts, &job.MaxAttempts, &nextMs, &job.LastError,
		&createdMs, &updatedMs)
	if err != nil {
		return Job{}, err
	}

	job.Priority = Priority(priority)
	job.Status = Status(status)
	if nextMs > 0 {
		job.NextAttemptAt = time.UnixMilli(nextMs)
	}
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	return job, nil
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
