package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maidworks/maid/api/domain"
)

// InsertSession creates a new session owned by userID.
func (s *Store) InsertSession(ctx context.Context, userID string) (*domain.Session, error) {
	query := `
		INSERT INTO sessions (user_id)
		VALUES ($1)
		RETURNING id, user_id, title, metadata, created_at, updated_at`

	sess := &domain.Session{}
	err := s.conn(ctx).QueryRow(ctx, query, userID).Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Metadata,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// FindSession retrieves a session by ID, scoped to its owner.
func (s *Store) FindSession(ctx context.Context, sessionID int64, userID string) (*domain.Session, error) {
	query := `
		SELECT id, user_id, title, metadata, created_at, updated_at
		FROM sessions
		WHERE id = $1 AND user_id = $2`

	sess := &domain.Session{}
	err := s.conn(ctx).QueryRow(ctx, query, sessionID, userID).Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Metadata,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return sess, nil
}

// DeleteSession removes a session and, via FK cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64, userID string) error {
	query := `DELETE FROM sessions WHERE id = $1 AND user_id = $2`
	result, err := s.conn(ctx).Exec(ctx, query, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
