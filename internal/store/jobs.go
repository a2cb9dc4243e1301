package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// claimJobSQL takes the oldest claimable job: either queued, or running with
// an expired lease (a crashed worker). FOR UPDATE SKIP LOCKED lets
// concurrent workers claim disjoint jobs without blocking each other.
const claimJobSQL = `UPDATE ingest_jobs
SET status = 'running', attempts = attempts + 1, started_at = now(), error = NULL
WHERE id = (
	SELECT id FROM ingest_jobs
	WHERE status = 'queued'
		OR (status = 'running' AND started_at < now() - make_interval(secs => $1))
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, project_id, source_id, status, attempts, error, started_at, completed_at, created_at`

// ClaimJob atomically claims the next runnable ingestion job and returns it
// with attempts already incremented. Returns ErrNotFound when the queue is
// empty.
func (s *Store) ClaimJob(ctx context.Context, leaseSeconds int) (Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx, claimJobSQL, leaseSeconds).Scan(
		&j.ID, &j.ProjectID, &j.SourceID, &j.Status, &j.Attempts,
		&j.Error, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return Job{}, notFound(err)
	}
	return j, nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'done', completed_at = now(), error = NULL
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// RequeueJob puts a failed attempt back in the queue with its error recorded.
// Attempts stay as incremented by the claim.
func (s *Store) RequeueJob(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'queued', started_at = NULL, error = $2
		WHERE id = $1`, jobID, jobErr)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

// FailJob marks a job terminally failed.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'failed', completed_at = now(), error = $2
		WHERE id = $1`, jobID, jobErr)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

// JobBacklog counts a project's running and queued jobs.
type JobBacklog struct {
	Running int
	Queued  int
}

// CountJobBacklog returns the project's current ingestion backlog.
func (s *Store) CountJobBacklog(ctx context.Context, projectID uuid.UUID) (JobBacklog, error) {
	var b JobBacklog
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'queued')
		FROM ingest_jobs WHERE project_id = $1`, projectID).Scan(&b.Running, &b.Queued)
	if err != nil {
		return JobBacklog{}, fmt.Errorf("counting job backlog: %w", err)
	}
	return b, nil
}

// enqueueJobsSQL inserts a queued job per requested source unless that source
// already has a queued or running job. The anti-join makes repeated resync
// calls idempotent.
const enqueueJobsSQL = `INSERT INTO ingest_jobs (project_id, source_id, status)
SELECT s.project_id, s.id, 'queued'
FROM project_sources s
WHERE s.project_id = $1
	AND s.id = ANY($2)
	AND NOT EXISTS (
		SELECT 1 FROM ingest_jobs j
		WHERE j.source_id = s.id AND j.status IN ('queued', 'running')
	)
RETURNING id, source_id`

// EnqueuedJob identifies one newly created job and the source it covers.
type EnqueuedJob struct {
	JobID    uuid.UUID
	SourceID uuid.UUID
}

// EnqueueJobs queues ingestion jobs for the given sources, skipping sources
// that already have a pending or running job.
func (s *Store) EnqueueJobs(ctx context.Context, projectID uuid.UUID, sourceIDs []uuid.UUID) ([]EnqueuedJob, error) {
	rows, err := s.pool.Query(ctx, enqueueJobsSQL, projectID, sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("enqueueing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []EnqueuedJob
	for rows.Next() {
		var j EnqueuedJob
		if err := rows.Scan(&j.JobID, &j.SourceID); err != nil {
			return nil, fmt.Errorf("scanning enqueued job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob looks up one job by id.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, source_id, status, attempts, error,
			started_at, completed_at, created_at
		FROM ingest_jobs WHERE id = $1`, jobID).Scan(
		&j.ID, &j.ProjectID, &j.SourceID, &j.Status, &j.Attempts,
		&j.Error, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return Job{}, notFound(err)
	}
	return j, nil
}

// ExtendJobLease refreshes started_at for a long-running job so the lease
// reclaim in ClaimJob does not steal it mid-run.
func (s *Store) ExtendJobLease(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs SET started_at = now()
		WHERE id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return fmt.Errorf("extending job lease: %w", err)
	}
	return nil
}
