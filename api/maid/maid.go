// Package maid dispatches WebSocket events to named handlers. A maid is a
// dispatch target selected at connect time; the default "chat" maid
// implements the streaming conversation loop.
package maid

import (
	"context"
	"sync"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/llm"
)

// Stream is an in-flight LLM response.
type Stream interface {
	Deltas() <-chan string
	Abort()
	Outcome() (llm.Outcome, error)
}

// Gateway opens LLM streams.
type Gateway interface {
	StreamResponse(ctx context.Context, prompt, instructions string) (Stream, error)
}

// Sessions is the session-service surface handlers use.
type Sessions interface {
	Ensure(ctx context.Context, userID string, sessionID *int64) (*domain.Session, bool, error)
	SaveMessage(ctx context.Context, userID string, sessionID int64, role, content string, metadata map[string]any) (*domain.Message, error)
	ListRecent(ctx context.Context, userID string, sessionID int64, limit int, sameSession bool) ([]*domain.Message, error)
}

// Memories is the memory-service surface handlers use.
type Memories interface {
	RelatedMemories(ctx context.Context, userID, queryText string, limit int, threshold float64) ([]*domain.RelatedMemory, error)
	RecentMemories(ctx context.Context, userID string, limit int) ([]*domain.Memory, error)
	SignalExtraction(ctx context.Context, userID string) error
}

// Conn is the per-socket surface the runtime exposes to a handler.
type Conn interface {
	UserID() string
	// SessionID is the socket's current session: the one the client asked
	// to resume, or the one remembered via SetSessionID after the first
	// turn. Nil until either happens.
	SessionID() *int64
	SetSessionID(sessionID int64)
	// Send writes one server frame.
	Send(frame any) error
	// SendError writes an error frame unless the socket is closing.
	SendError(message string)
	// AnnounceSession emits session_created; the runtime enforces the
	// once-per-socket rule.
	AnnounceSession(sessionID int64) error
	// SetStream registers the active stream so abort can reach it;
	// ClearStream releases the slot.
	SetStream(s Stream)
	ClearStream()
	// Abort cancels the active stream and discards queued work.
	Abort()
	// Bye starts a graceful close.
	Bye()
	Closing() bool
}

// Handler reacts to the four client events.
type Handler interface {
	OnWelcome(ctx context.Context, c Conn) error
	OnInput(ctx context.Context, c Conn, content string) error
	OnAbort(c Conn)
	OnBye(c Conn)
}

// Registry maps maid ids to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}
