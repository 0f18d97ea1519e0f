// Package store keeps the history of build attempts in sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"
)

var ErrNotFound = xerrors.New("not found")

// Job is one recorded build attempt.
type Job struct {
	AttemptID int64 `json:"attempt_id,string"`
	// JobID is only set for successful builds.
	JobID      uuid.UUID `json:"job_id"`
	ClientKey  string    `json:"-"`
	SourceHash string    `json:"source_hash"`
	Ok         bool      `json:"ok"`
	Reason     string    `json:"reason,omitempty"`
	Errors     int       `json:"errors"`
	Warnings   int       `json:"warnings"`
	Cached     bool      `json:"cached"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store struct {
	db *sql.DB
}

// Open
//
//	Opens or creates the sqlite database at path and brings its schema up
//	to date.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, xerrors.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordJob inserts a finished attempt.
func (s *Store) RecordJob(ctx context.Context, job Job) error {
	jobID := ""
	if job.Ok {
		jobID = job.JobID.String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(attempt_id, job_id, client_key, source_hash, ok, reason, errors, warnings, cached, queued_at, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.AttemptID, jobID, job.ClientKey, job.SourceHash, boolInt(job.Ok), job.Reason,
		job.Errors, job.Warnings, boolInt(job.Cached), ts(job.QueuedAt), ts(job.StartedAt), ts(job.FinishedAt),
	)
	if err != nil {
		return xerrors.Errorf("insert job %d: %w", job.AttemptID, err)
	}
	return nil
}

// GetJob returns the first attempt that produced jobID.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT attempt_id, job_id, client_key, source_hash, ok, reason, errors, warnings, cached, queued_at, started_at, finished_at
FROM jobs WHERE job_id = ? ORDER BY attempt_id ASC LIMIT 1`, jobID.String())

	job, err := scanJob(row)
	if xerrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// RecentJobs returns up to limit attempts, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT attempt_id, job_id, client_key, source_hash, ok, reason, errors, warnings, cached, queued_at, started_at, finished_at
FROM jobs ORDER BY finished_at DESC, attempt_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                          Job
		jobID                        string
		ok, cached                   int
		queuedAt, startedAt, endedAt string
	)
	err := row.Scan(&job.AttemptID, &jobID, &job.ClientKey, &job.SourceHash, &ok, &job.Reason,
		&job.Errors, &job.Warnings, &cached, &queuedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	job.Ok = ok != 0
	job.Cached = cached != 0
	if jobID != "" {
		if job.JobID, err = uuid.Parse(jobID); err != nil {
			return nil, xerrors.Errorf("parse job id: %w", err)
		}
	}
	if job.QueuedAt, err = parseTS(queuedAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseTS(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseTS(endedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
