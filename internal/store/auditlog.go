package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ProjectID *uuid.UUID
	EventType string
	Origin    string
	IPHash    string
	UserAgent string
	RequestID string
	Metadata  map[string]any
}

// InsertAuditLog appends one audit row. Sampling and error swallowing are
// the audit package's concern, not the store's.
func (s *Store) InsertAuditLog(ctx context.Context, e AuditEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs
			(project_id, event_type, origin, ip_hash, user_agent, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ProjectID, e.EventType, e.Origin, e.IPHash, e.UserAgent, e.RequestID, metadata)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}
