package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Chunk is one embedded slice of a source document, ready for insert.
type Chunk struct {
	ChunkIndex int
	Content    string
	Metadata   map[string]any
	Embedding  pgvector.Vector
}

// ChunkMatch is a retrieval hit joined with its source.
type ChunkMatch struct {
	ID          int64
	SourceID    uuid.UUID
	SourceTitle string
	SourceType  string
	ChunkIndex  int
	Content     string
	Metadata    map[string]any
	Similarity  float64
}

// ReplaceChunks swaps a source's chunk set atomically: delete plus batched
// insert in one transaction, so concurrent searches see either the old set
// or the new set, never a mix.
func (s *Store) ReplaceChunks(ctx context.Context, projectID, sourceID uuid.UUID, chunks []Chunk) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM source_chunks WHERE source_id = $1`, sourceID); err != nil {
			return fmt.Errorf("deleting old chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(
				`INSERT INTO source_chunks (project_id, source_id, chunk_index, content, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				projectID, sourceID, c.ChunkIndex, c.Content, c.Metadata, c.Embedding)
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range chunks {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("inserting chunk: %w", err)
			}
		}
		return results.Close()
	})
}

// searchChunksSQL orders by cosine distance; similarity is reported as
// 1 - distance.
const searchChunksSQL = `SELECT c.id, c.source_id, s.title, s.source_type,
	c.chunk_index, c.content, c.metadata,
	1 - (c.embedding <=> $2) AS similarity
FROM source_chunks c
JOIN project_sources s ON s.id = c.source_id
WHERE c.project_id = $1
ORDER BY c.embedding <=> $2
LIMIT $3`

// SearchChunks returns the project's top-k chunks by cosine similarity to
// the query embedding.
func (s *Store) SearchChunks(ctx context.Context, projectID uuid.UUID, query pgvector.Vector, limit int) ([]ChunkMatch, error) {
	rows, err := s.pool.Query(ctx, searchChunksSQL, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(&m.ID, &m.SourceID, &m.SourceTitle, &m.SourceType,
			&m.ChunkIndex, &m.Content, &m.Metadata, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning chunk match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// CountProjectChunks returns the total chunk count across a project,
// optionally excluding one source (the one about to be replaced).
func (s *Store) CountProjectChunks(ctx context.Context, projectID uuid.UUID, excludeSourceID *uuid.UUID) (int, error) {
	var count int
	var err error
	if excludeSourceID != nil {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM source_chunks WHERE project_id = $1 AND source_id <> $2`,
			projectID, *excludeSourceID).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM source_chunks WHERE project_id = $1`,
			projectID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}
