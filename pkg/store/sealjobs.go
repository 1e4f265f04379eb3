package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

const sealJobColumns = `job_id, case_id, request_json, payload_hash, status,
	attempts, response_json, last_error, created_at, updated_at`

// CreateSealJobIfAbsent inserts a queued job for a case. A case carries at
// most one job, so a second enqueue returns the existing row untouched.
func (s *Store) CreateSealJobIfAbsent(ctx context.Context, job *court.SealJob) (*court.SealJob, error) {
	now := formatTime(job.CreatedAt)
	_, err := s.db.ExecContext(ctx, `INSERT INTO seal_jobs (
		job_id, case_id, request_json, payload_hash, status, attempts,
		response_json, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, 0, '', '', ?, ?)
	ON CONFLICT(case_id) DO NOTHING`,
		job.JobID, job.CaseID, job.RequestJSON, job.PayloadHash,
		string(court.SealJobQueued), now, now)
	if err != nil {
		return nil, fmt.Errorf("create seal job: %w", err)
	}
	return s.GetSealJobByCase(ctx, job.CaseID)
}

// GetSealJob loads one job by id.
func (s *Store) GetSealJob(ctx context.Context, jobID string) (*court.SealJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sealJobColumns+`
		FROM seal_jobs WHERE job_id = ?`, jobID)
	return scanSealJob(row)
}

// GetSealJobByCase loads the job for a case.
func (s *Store) GetSealJobByCase(ctx context.Context, caseID string) (*court.SealJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sealJobColumns+`
		FROM seal_jobs WHERE case_id = ?`, caseID)
	return scanSealJob(row)
}

// ClaimSealJobMinting moves a queued or failed job to minting and bumps its
// attempt counter. Only one dispatcher wins the claim.
func (s *Store) ClaimSealJobMinting(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE seal_jobs
		SET status = 'minting', attempts = attempts + 1, updated_at = ?
		WHERE job_id = ? AND status IN ('queued', 'failed')`,
		formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("claim seal job: %w", err)
	}
	return requireRow(res)
}

// CompleteSealJobTx marks the job minted and stores the worker response, in
// the same transaction that stamps the case sealed.
func (s *Store) CompleteSealJobTx(ctx context.Context, tx *sql.Tx, jobID, responseJSON string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE seal_jobs
		SET status = 'minted', response_json = ?, last_error = '', updated_at = ?
		WHERE job_id = ? AND status != 'minted'`,
		responseJSON, formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("complete seal job: %w", err)
	}
	return requireRow(res)
}

// FailSealJob records a failed attempt. The job stays eligible for retry.
func (s *Store) FailSealJob(ctx context.Context, jobID, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE seal_jobs
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE job_id = ? AND status != 'minted'`,
		lastError, formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("fail seal job: %w", err)
	}
	return requireRow(res)
}

// ReleaseSealJob returns a minting job to queued, used when dispatch never
// reached the worker so no result can arrive.
func (s *Store) ReleaseSealJob(ctx context.Context, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE seal_jobs
		SET status = 'queued', updated_at = ?
		WHERE job_id = ? AND status = 'minting'`,
		formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("release seal job: %w", err)
	}
	return nil
}

// ReopenSealJob moves a failed job back to queued for a manual retry.
func (s *Store) ReopenSealJob(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE seal_jobs
		SET status = 'queued', updated_at = ?
		WHERE job_id = ? AND status = 'failed'`,
		formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("reopen seal job: %w", err)
	}
	return requireRow(res)
}

// ListStaleSealJobs returns the oldest non-terminal jobs, least recently
// touched first. Jobs stuck in minting are included so a crashed dispatch
// gets picked up again after it goes stale.
func (s *Store) ListStaleSealJobs(ctx context.Context, olderThan time.Time, limit int) ([]court.SealJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sealJobColumns+`
		FROM seal_jobs
		WHERE status IN ('queued', 'failed', 'minting') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		formatTime(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale seal jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []court.SealJob
	for rows.Next() {
		job, err := scanSealJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListRecentSealJobs returns the newest jobs for the admin surface.
func (s *Store) ListRecentSealJobs(ctx context.Context, limit int) ([]court.SealJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sealJobColumns+`
		FROM seal_jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list seal jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []court.SealJob
	for rows.Next() {
		job, err := scanSealJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountSealJobsByStatus reports the queue depth per status for metrics and
// the admin surface.
func (s *Store) CountSealJobsByStatus(ctx context.Context) (map[court.SealJobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM seal_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count seal jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[court.SealJobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[court.SealJobStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanSealJob(row *sql.Row) (*court.SealJob, error) {
	var (
		job                  court.SealJob
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&job.JobID, &job.CaseID, &job.RequestJSON, &job.PayloadHash,
		&status, &job.Attempts, &job.ResponseJSON, &job.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan seal job: %w", err)
	}
	job.Status = court.SealJobStatus(status)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func scanSealJobRow(rows *sql.Rows) (*court.SealJob, error) {
	var (
		job                  court.SealJob
		status               string
		createdAt, updatedAt string
	)
	err := rows.Scan(&job.JobID, &job.CaseID, &job.RequestJSON, &job.PayloadHash,
		&status, &job.Attempts, &job.ResponseJSON, &job.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan seal job: %w", err)
	}
	job.Status = court.SealJobStatus(status)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}
