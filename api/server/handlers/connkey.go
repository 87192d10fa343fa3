package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/maidworks/maid/api/auth"
	"github.com/maidworks/maid/api/domain"
)

// SessionFinder verifies session ownership before a key is bound to one.
type SessionFinder interface {
	Find(ctx context.Context, userID string, sessionID int64) (*domain.Session, error)
}

// ConnectionKeyHandler exchanges a bearer token for a single-use WebSocket
// connection key.
type ConnectionKeyHandler struct {
	resolver auth.Resolver
	keys     *auth.KeyStore
	sessions SessionFinder
}

func NewConnectionKeyHandler(resolver auth.Resolver, keys *auth.KeyStore, sessions SessionFinder) *ConnectionKeyHandler {
	return &ConnectionKeyHandler{resolver: resolver, keys: keys, sessions: sessions}
}

type connectionKeyResponse struct {
	ConnectionKey string    `json:"connectionKey"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ExpiresInMs   int64     `json:"expiresInMs"`
	SessionID     *int64    `json:"sessionId,omitempty"`
}

// Issue handles GET /ws/connection-key.
func (h *ConnectionKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolver.ResolveRequest(r.Context(), r)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		slog.Error("connkey: resolve session failed", "error", err)
		http.Error(w, `{"error":"authentication unavailable"}`, http.StatusBadGateway)
		return
	}

	var sessionID *int64
	if raw := r.URL.Query().Get("sessionId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, `{"error":"invalid sessionId"}`, http.StatusBadRequest)
			return
		}
		if _, err := h.sessions.Find(r.Context(), userID, id); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
				return
			}
			slog.Error("connkey: find session failed", "error", err, "user_id", userID)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		sessionID = &id
	}

	key := h.keys.Issue(userID, sessionID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(connectionKeyResponse{
		ConnectionKey: key.Key,
		ExpiresAt:     key.ExpiresAt,
		ExpiresInMs:   time.Until(key.ExpiresAt).Milliseconds(),
		SessionID:     sessionID,
	})
}
