package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/maidworks/maid/api/domain"
)

// InsertMemory creates a memory for a user.
func (s *Store) InsertMemory(ctx context.Context, userID, content string, embedding []float32) (*domain.Memory, error) {
	var vec *pgvector.Vector
	if len(embedding) > 0 {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	query := `
		INSERT INTO memories (user_id, content, embedding)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, content, metadata, created_at, updated_at`

	mem := &domain.Memory{}
	err := s.conn(ctx).QueryRow(ctx, query, userID, content, vec).Scan(
		&mem.ID, &mem.UserID, &mem.Content, &mem.Metadata,
		&mem.CreatedAt, &mem.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	mem.Embedding = embedding
	return mem, nil
}

// UpdateMemory replaces a memory's content and embedding.
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, at time.Time) error {
	var vec *pgvector.Vector
	if len(embedding) > 0 {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	query := `
		UPDATE memories
		SET content = $2, embedding = $3, updated_at = $4
		WHERE id = $1`

	result, err := s.conn(ctx).Exec(ctx, query, id, content, vec, at)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteMemory removes a memory.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	result, err := s.conn(ctx).Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindNearbyMemories returns a user's memories within maxDistance (cosine)
// of the query embedding, nearest first.
func (s *Store) FindNearbyMemories(ctx context.Context, userID string, embedding []float32, maxDistance float64, topK int) ([]*domain.RelatedMemory, error) {
	vec := pgvector.NewVector(embedding)

	query := `
		SELECT id, user_id, content, metadata, created_at, updated_at, embedding <=> $2 AS distance
		FROM memories
		WHERE user_id = $1 AND embedding IS NOT NULL AND embedding <=> $2 <= $3
		ORDER BY distance ASC, id ASC
		LIMIT $4`

	rows, err := s.conn(ctx).Query(ctx, query, userID, vec, maxDistance, topK)
	if err != nil {
		return nil, fmt.Errorf("find nearby memories: %w", err)
	}
	defer rows.Close()

	var mems []*domain.RelatedMemory
	for rows.Next() {
		rm := &domain.RelatedMemory{}
		var distance float64
		if err := rows.Scan(
			&rm.ID, &rm.UserID, &rm.Content, &rm.Metadata,
			&rm.CreatedAt, &rm.UpdatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scan nearby memory: %w", err)
		}
		rm.Similarity = 1 - distance
		mems = append(mems, rm)
	}
	return mems, rows.Err()
}

// ListRecentMemories returns a user's most recently updated memories.
func (s *Store) ListRecentMemories(ctx context.Context, userID string, limit int) ([]*domain.Memory, error) {
	query := `
		SELECT id, user_id, content, metadata, created_at, updated_at
		FROM memories
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

func scanMemories(rows pgx.Rows) ([]*domain.Memory, error) {
	var mems []*domain.Memory
	for rows.Next() {
		mem := &domain.Memory{}
		if err := rows.Scan(
			&mem.ID, &mem.UserID, &mem.Content, &mem.Metadata,
			&mem.CreatedAt, &mem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		mems = append(mems, mem)
	}
	return mems, rows.Err()
}
