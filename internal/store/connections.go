package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetConnection returns a user's Google connection with the encrypted
// refresh token.
func (s *Store) GetConnection(ctx context.Context, userID uuid.UUID) (Connection, error) {
	var c Connection
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, google_subject, refresh_token_ciphertext, nonce,
			key_version, scopes, updated_at
		FROM google_connections WHERE user_id = $1`, userID).Scan(
		&c.UserID, &c.GoogleSubject, &c.Ciphertext, &c.Nonce,
		&c.KeyVersion, &c.Scopes, &c.UpdatedAt)
	if err != nil {
		return Connection{}, notFound(err)
	}
	return c, nil
}

// UpsertConnection stores or replaces a user's encrypted refresh token along
// with its identity metadata.
func (s *Store) UpsertConnection(ctx context.Context, c Connection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO google_connections
			(user_id, google_subject, refresh_token_ciphertext, nonce, key_version, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
			google_subject = EXCLUDED.google_subject,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			nonce = EXCLUDED.nonce,
			key_version = EXCLUDED.key_version,
			scopes = EXCLUDED.scopes,
			updated_at = now()`,
		c.UserID, c.GoogleSubject, c.Ciphertext, c.Nonce, c.KeyVersion, c.Scopes)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

// TouchConnection refreshes a connection's identity metadata without
// replacing the stored ciphertext. Used when a re-consent grant comes back
// without a refresh token: the previously captured token stays valid.
func (s *Store) TouchConnection(ctx context.Context, userID uuid.UUID, googleSubject string, scopes []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE google_connections
		SET google_subject = $2, scopes = $3, updated_at = now()
		WHERE user_id = $1`, userID, googleSubject, scopes)
	if err != nil {
		return fmt.Errorf("touching connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConnection removes a user's stored connection.
func (s *Store) DeleteConnection(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM google_connections WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}
