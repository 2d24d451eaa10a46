package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

const jobColumns = `id, area, specialty, count_per_run, max_total, total_discovered,
	is_active, end_date, last_run_at, created_at`

func scanJob(row pgx.Row) (discovery.Job, error) {
	var job discovery.Job
	err := row.Scan(
		&job.ID,
		&job.Area,
		&job.Specialty,
		&job.CountPerRun,
		&job.MaxTotal,
		&job.TotalDiscovered,
		&job.IsActive,
		&job.EndDate,
		&job.LastRunAt,
		&job.CreatedAt,
	)
	return job, err
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job discovery.Job) error {
	const query = `
INSERT INTO discovery_jobs (
	id, area, specialty, count_per_run, max_total, total_discovered,
	is_active, end_date, last_run_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Area,
		job.Specialty,
		job.CountPerRun,
		job.MaxTotal,
		job.TotalDiscovered,
		job.IsActive,
		job.EndDate,
		job.LastRunAt,
		job.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert job %s", job.ID)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (discovery.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM discovery_jobs WHERE id = $1`, jobID))
	if err != nil {
		if nf := notFound(err, "job %s", jobID); nf != nil {
			return discovery.Job{}, nf
		}
		return discovery.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}
	return job, nil
}

// ListJobs returns every job ordered by creation time.
func (s *Store) ListJobs(ctx context.Context) ([]discovery.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM discovery_jobs ORDER BY created_at, id`)
}

// ListActiveJobs returns active jobs ordered by creation time.
func (s *Store) ListActiveJobs(ctx context.Context) ([]discovery.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM discovery_jobs WHERE is_active ORDER BY created_at, id`)
}

func (s *Store) queryJobs(ctx context.Context, query string) ([]discovery.Job, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]discovery.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return jobs, nil
}

// DeactivateJob flips is_active off.
func (s *Store) DeactivateJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE discovery_jobs SET is_active = FALSE WHERE id = $1`, jobID)
	if err != nil {
		return errors.Wrapf(err, "deactivate job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	return nil
}

// RecordJobProgress adds delta to total_discovered and stamps last_run_at.
func (s *Store) RecordJobProgress(ctx context.Context, jobID string, delta int, lastRunAt time.Time) error {
	const query = `
UPDATE discovery_jobs
SET total_discovered = total_discovered + $2, last_run_at = $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, delta, lastRunAt)
	if err != nil {
		return errors.Wrapf(err, "record progress for job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	return nil
}
