package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sourceCols = `id, project_id, source_type, drive_file_id, title, status,
	error, last_ingested_at, created_at, updated_at`

func scanSource(row pgx.Row) (Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.ProjectID, &src.SourceType, &src.DriveFileID,
		&src.Title, &src.Status, &src.Error, &src.LastIngestedAt,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return Source{}, notFound(err)
	}
	return src, nil
}

// GetSource looks up one source by id.
func (s *Store) GetSource(ctx context.Context, sourceID uuid.UUID) (Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceCols+` FROM project_sources WHERE id = $1`, sourceID)
	return scanSource(row)
}

// ListSources returns a project's sources. When sourceIDs is non-empty the
// result is restricted to that subset; unknown ids are silently absent.
func (s *Store) ListSources(ctx context.Context, projectID uuid.UUID, sourceIDs []uuid.UUID) ([]Source, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(sourceIDs) > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+sourceCols+` FROM project_sources
			WHERE project_id = $1 AND id = ANY($2) ORDER BY created_at`,
			projectID, sourceIDs)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+sourceCols+` FROM project_sources
			WHERE project_id = $1 ORDER BY created_at`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// MarkSourceProcessing transitions a source into processing and clears its
// previous error.
func (s *Store) MarkSourceProcessing(ctx context.Context, sourceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		SET status = 'processing', error = NULL, updated_at = now()
		WHERE id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("marking source processing: %w", err)
	}
	return nil
}

// MarkSourceReady records a successful ingestion.
func (s *Store) MarkSourceReady(ctx context.Context, sourceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		SET status = 'ready', error = NULL, last_ingested_at = now(), updated_at = now()
		WHERE id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("marking source ready: %w", err)
	}
	return nil
}

// ResetSourcesPending returns sources to the pending state with their
// previous error cleared, ahead of a fresh ingestion run.
func (s *Store) ResetSourcesPending(ctx context.Context, sourceIDs []uuid.UUID) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		SET status = 'pending', error = NULL, updated_at = now()
		WHERE id = ANY($1)`, sourceIDs)
	if err != nil {
		return fmt.Errorf("resetting sources: %w", err)
	}
	return nil
}

// MarkSourceFailed records a terminal ingestion failure. The caller is
// responsible for truncating the message.
func (s *Store) MarkSourceFailed(ctx context.Context, sourceID uuid.UUID, srcErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1`, sourceID, srcErr)
	if err != nil {
		return fmt.Errorf("marking source failed: %w", err)
	}
	return nil
}
