package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

const runColumns = `id, job_id, to_char(run_date, 'YYYY-MM-DD'), vendors_discovered, vendors_staged,
	duplicates_found, status, triggered_by, COALESCE(error, ''), started_at, finished_at`

func scanRun(row pgx.Row) (discovery.Run, error) {
	var run discovery.Run
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.RunDate,
		&run.VendorsDiscovered,
		&run.VendorsStaged,
		&run.DuplicatesFound,
		&run.Status,
		&run.TriggeredBy,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	return run, err
}

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, run discovery.Run) error {
	const query = `
INSERT INTO discovery_runs (
	id, job_id, run_date, vendors_discovered, vendors_staged, duplicates_found,
	status, triggered_by, error, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11)`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.JobID,
		run.RunDate,
		run.VendorsDiscovered,
		run.VendorsStaged,
		run.DuplicatesFound,
		string(run.Status),
		string(run.TriggeredBy),
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert run %s", run.ID)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (discovery.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM discovery_runs WHERE id = $1`, runID))
	if err != nil {
		if nf := notFound(err, "run %s", runID); nf != nil {
			return discovery.Run{}, nf
		}
		return discovery.Run{}, errors.Wrapf(err, "get run %s", runID)
	}
	return run, nil
}

// MarkRunRunning moves a queued run to running.
func (s *Store) MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	const query = `
UPDATE discovery_runs
SET status = 'running', started_at = $2
WHERE id = $1 AND status IN ('queued', 'running')`
	tag, err := s.pool.Exec(ctx, query, runID, startedAt)
	if err != nil {
		return errors.Wrapf(err, "mark run %s running", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMissedUpdate(ctx, runID)
	}
	return nil
}

// FinishRun moves a non-terminal run to a terminal status. The status guard
// in the WHERE clause lets exactly one concurrent finish win.
func (s *Store) FinishRun(
	ctx context.Context,
	runID string,
	status discovery.RunStatus,
	counters discovery.RunCounters,
	errText string,
	finishedAt time.Time,
) error {
	if !status.Terminal() {
		return errors.Newf("status %q is not terminal", status)
	}
	const query = `
UPDATE discovery_runs
SET status = $2,
	vendors_discovered = $3,
	vendors_staged = $4,
	duplicates_found = $5,
	error = NULLIF($6, ''),
	finished_at = $7
WHERE id = $1 AND status IN ('queued', 'running')`
	tag, err := s.pool.Exec(ctx, query,
		runID,
		string(status),
		counters.VendorsDiscovered,
		counters.VendorsStaged,
		counters.DuplicatesFound,
		errText,
		finishedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMissedUpdate(ctx, runID)
	}
	return nil
}

// explainMissedUpdate distinguishes a missing run from a terminal one after a
// guarded UPDATE touched no rows.
func (s *Store) explainMissedUpdate(ctx context.Context, runID string) error {
	var status discovery.RunStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM discovery_runs WHERE id = $1`, runID).Scan(&status)
	if err != nil {
		if nf := notFound(err, "run %s", runID); nf != nil {
			return nf
		}
		return errors.Wrapf(err, "get run %s status", runID)
	}
	return errors.Wrapf(discovery.ErrRunFinished, "run %s is %s", runID, status)
}

// ListRuns returns a job's runs newest first. A non-positive limit returns
// every run.
func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]discovery.Run, error) {
	if limit < 0 {
		limit = 0
	}
	query := `SELECT ` + runColumns + ` FROM discovery_runs
WHERE job_id = $1
ORDER BY started_at DESC, id DESC
LIMIT NULLIF($2, 0)`
	return s.queryRuns(ctx, query, jobID, limit)
}

// ListRunsForDate returns a job's runs on runDate.
func (s *Store) ListRunsForDate(ctx context.Context, jobID string, runDate string) ([]discovery.Run, error) {
	query := `SELECT ` + runColumns + ` FROM discovery_runs
WHERE job_id = $1 AND run_date = $2
ORDER BY started_at, id`
	return s.queryRuns(ctx, query, jobID, runDate)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]discovery.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := make([]discovery.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	return runs, nil
}

// CountStagedForDate sums vendors_staged across every run on runDate.
func (s *Store) CountStagedForDate(ctx context.Context, runDate string) (int, error) {
	const query = `
SELECT COALESCE(SUM(vendors_staged), 0)
FROM discovery_runs
WHERE run_date = $1`
	var total int
	if err := s.pool.QueryRow(ctx, query, runDate).Scan(&total); err != nil {
		return 0, errors.Wrapf(err, "count staged vendors on %s", runDate)
	}
	return total, nil
}
