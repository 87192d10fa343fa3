package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maidworks/maid/api/domain"
)

// AppendMessage inserts a message at the tail of a session.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string, metadata map[string]any) (*domain.Message, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	query := `
		INSERT INTO messages (session_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, role, content, metadata, extracted_at, created_at, updated_at`

	msg := &domain.Message{}
	err := s.conn(ctx).QueryRow(ctx, query, sessionID, role, content, metadata).Scan(
		&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Metadata,
		&msg.ExtractedAt, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListSessionMessages returns the most recent messages of one session,
// newest first (created_at tiebroken by id).
func (s *Store) ListSessionMessages(ctx context.Context, sessionID int64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, metadata, extracted_at, created_at, updated_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListUserMessages returns the most recent messages across all sessions of a
// user, newest first.
func (s *Store) ListUserMessages(ctx context.Context, userID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.extracted_at, m.created_at, m.updated_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListPendingMessages returns all messages of a user that have not been
// through memory extraction yet, oldest first.
func (s *Store) ListPendingMessages(ctx context.Context, userID string) ([]*domain.Message, error) {
	query := `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.extracted_at, m.created_at, m.updated_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1 AND m.extracted_at IS NULL
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := s.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkMessagesExtracted stamps extracted_at on the given messages. Already
// stamped rows are left untouched so the timestamp is never reset.
func (s *Store) MarkMessagesExtracted(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE messages
		SET extracted_at = $2, updated_at = $2
		WHERE id = ANY($1) AND extracted_at IS NULL`

	if _, err := s.conn(ctx).Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("mark messages extracted: %w", err)
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Metadata,
			&msg.ExtractedAt, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
