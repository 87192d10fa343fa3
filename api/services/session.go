package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/store"
)

// SessionService exposes session and message operations scoped to a user.
// Every call verifies ownership before touching session data.
type SessionService struct {
	store *store.Store
}

func NewSessionService(s *store.Store) *SessionService {
	return &SessionService{store: s}
}

// Ensure resolves an existing session or creates a new one. When sessionID
// is given the session must exist and belong to userID; the second return
// reports whether a session was created.
func (svc *SessionService) Ensure(ctx context.Context, userID string, sessionID *int64) (*domain.Session, bool, error) {
	if sessionID != nil {
		sess, err := svc.store.FindSession(ctx, *sessionID, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, false, fmt.Errorf("session %d: %w", *sessionID, domain.ErrSessionNotFound)
			}
			return nil, false, err
		}
		return sess, false, nil
	}

	sess, err := svc.store.InsertSession(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Find returns a session owned by userID.
func (svc *SessionService) Find(ctx context.Context, userID string, sessionID int64) (*domain.Session, error) {
	sess, err := svc.store.FindSession(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, err
	}
	return sess, nil
}

// SaveMessage appends a message to a session owned by userID.
func (svc *SessionService) SaveMessage(ctx context.Context, userID string, sessionID int64, role, content string, metadata map[string]any) (*domain.Message, error) {
	if _, err := svc.store.FindSession(ctx, sessionID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, err
	}
	return svc.store.AppendMessage(ctx, sessionID, role, content, metadata)
}

// ListRecent returns the newest messages, either within one session or
// across every session of the user, newest first.
func (svc *SessionService) ListRecent(ctx context.Context, userID string, sessionID int64, limit int, sameSession bool) ([]*domain.Message, error) {
	if !sameSession {
		return svc.store.ListUserMessages(ctx, userID, limit)
	}

	if _, err := svc.store.FindSession(ctx, sessionID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, err
	}
	return svc.store.ListSessionMessages(ctx, sessionID, limit)
}
