package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGAvatarBot/internal/models"
)

type JobRepository struct {
	db  DBTX
	now Clock
}

func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db, now: defaultClock}
}

func (r *JobRepository) WithClock(now Clock) *JobRepository {
	r.now = now
	return r
}

const jobColumns = `id, user_id, mode, COALESCE(style, ''), credits_charged, status, COALESCE(external_id, ''), COALESCE(output_ref, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''), progress, created_at, updated_at, finished_at`

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	const query = `
INSERT INTO jobs (user_id, mode, style, credits_charged, status, progress, created_at, updated_at)
VALUES (?, ?, NULLIF(?, ''), ?, ?, 0, ?, ?)`
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := r.now().Unix()
	res, err := r.db.ExecContext(ctx, query, job.UserID, job.Mode, job.Style, job.CreditsCharged, job.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	job.ID = id
	job.CreatedAt = unixTime(now)
	job.UpdatedAt = job.CreatedAt
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) SetExternalID(ctx context.Context, id int64, externalID string) error {
	const query = `UPDATE jobs SET external_id = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, externalID, r.now().Unix(), id); err != nil {
		return fmt.Errorf("set job external id: %w", err)
	}
	return nil
}

// UpdateProgress stores the latest estimate for a pending job. It never lowers the stored value.
func (r *JobRepository) UpdateProgress(ctx context.Context, id int64, progress int) error {
	const query = `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND progress <= ?`
	if _, err := r.db.ExecContext(ctx, query, progress, r.now().Unix(), id, models.JobStatusPending, progress); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Finalize moves a pending job to a terminal status. Only one caller can win: it reports false
// when the job was already terminal.
func (r *JobRepository) Finalize(ctx context.Context, id int64, status models.JobStatus, outputRef, errorKind, errorMessage string) (bool, error) {
	const query = `
UPDATE jobs
SET status = ?, output_ref = NULLIF(?, ''), error_kind = NULLIF(?, ''), error_message = NULLIF(?, ''),
    progress = CASE WHEN ? = 'succeeded' THEN 100 ELSE progress END,
    updated_at = ?, finished_at = ?
WHERE id = ? AND status = ?`
	now := r.now().Unix()
	res, err := r.db.ExecContext(ctx, query, status, outputRef, errorKind, errorMessage, status, now, now, id, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *JobRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListPending returns every job that has not reached a terminal status, oldest first.
func (r *JobRepository) ListPending(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) Stats(ctx context.Context) ([]models.JobStats, error) {
	const query = `SELECT mode, status, COUNT(*) FROM jobs GROUP BY mode, status ORDER BY mode, status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JobStats
	for rows.Next() {
		var s models.JobStats
		if err := rows.Scan(&s.Mode, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func scanJob(s scanner) (*models.Job, error) {
	var job models.Job
	var created, updated int64
	var finished sql.NullInt64
	if err := s.Scan(&job.ID, &job.UserID, &job.Mode, &job.Style, &job.CreditsCharged, &job.Status, &job.ExternalID, &job.OutputRef, &job.ErrorKind, &job.ErrorMessage, &job.Progress, &created, &updated, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.CreatedAt = unixTime(created)
	job.UpdatedAt = unixTime(updated)
	if finished.Valid {
		t := unixTime(finished.Int64)
		job.FinishedAt = &t
	}
	return &job, nil
}
