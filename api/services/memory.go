package services

import (
	"context"
	"fmt"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/store"
)

// Embedder generates embedding vectors for text batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ExtractionSignaler schedules a debounced extraction run for a user.
type ExtractionSignaler interface {
	Signal(ctx context.Context, userID string) error
}

// MemoryService exposes memory retrieval scoped to a user, plus the
// extraction signal.
type MemoryService struct {
	store    *store.Store
	embedder Embedder
	queue    ExtractionSignaler

	// DefaultThreshold applies when RelatedMemories callers pass a
	// negative threshold.
	DefaultThreshold float64
}

func NewMemoryService(s *store.Store, embedder Embedder, queue ExtractionSignaler) *MemoryService {
	return &MemoryService{
		store:            s,
		embedder:         embedder,
		queue:            queue,
		DefaultThreshold: 0.7,
	}
}

// RelatedMemories embeds queryText and returns up to limit memories within
// cosine distance 1-threshold, nearest first. A threshold of 0 returns the
// nearest limit memories regardless of similarity; a negative threshold
// selects the service default.
func (svc *MemoryService) RelatedMemories(ctx context.Context, userID, queryText string, limit int, threshold float64) ([]*domain.RelatedMemory, error) {
	if threshold < 0 {
		threshold = svc.DefaultThreshold
	}

	vectors, err := svc.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: no vector returned")
	}

	return svc.store.FindNearbyMemories(ctx, userID, vectors[0], 1-threshold, limit)
}

// RecentMemories returns the user's most recently updated memories.
func (svc *MemoryService) RecentMemories(ctx context.Context, userID string, limit int) ([]*domain.Memory, error) {
	return svc.store.ListRecentMemories(ctx, userID, limit)
}

// SignalExtraction notifies the queue that the user has new unextracted
// messages.
func (svc *MemoryService) SignalExtraction(ctx context.Context, userID string) error {
	return svc.queue.Signal(ctx, userID)
}
