package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidworks/maid/api/auth"
	"github.com/maidworks/maid/api/config"
	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/llm"
	"github.com/maidworks/maid/api/maid"
)

type wsSessions struct {
	session   *domain.Session
	created   bool
	ensureErr error

	mu    sync.Mutex
	saved []string
}

func (s *wsSessions) Ensure(ctx context.Context, userID string, sessionID *int64) (*domain.Session, bool, error) {
	if s.ensureErr != nil {
		return nil, false, s.ensureErr
	}
	if sessionID != nil {
		return &domain.Session{ID: *sessionID, UserID: userID}, false, nil
	}
	return s.session, s.created, nil
}

func (s *wsSessions) SaveMessage(ctx context.Context, userID string, sessionID int64, role, content string, metadata map[string]any) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, role)
	return &domain.Message{ID: int64(len(s.saved)), SessionID: sessionID, Role: role, Content: content}, nil
}

func (s *wsSessions) ListRecent(ctx context.Context, userID string, sessionID int64, limit int, sameSession bool) ([]*domain.Message, error) {
	return nil, nil
}

func (s *wsSessions) savedRoles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

type wsMemories struct {
	mu      sync.Mutex
	signals int
}

func (m *wsMemories) RelatedMemories(ctx context.Context, userID, queryText string, limit int, threshold float64) ([]*domain.RelatedMemory, error) {
	return nil, nil
}

func (m *wsMemories) RecentMemories(ctx context.Context, userID string, limit int) ([]*domain.Memory, error) {
	return nil, nil
}

func (m *wsMemories) SignalExtraction(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals++
	return nil
}

func (m *wsMemories) signalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals
}

type wsGateway struct {
	next func() maid.Stream
}

func (g *wsGateway) StreamResponse(ctx context.Context, prompt, instructions string) (maid.Stream, error) {
	return g.next(), nil
}

// doneStream yields its deltas and completes.
type doneStream struct {
	deltas chan string
}

func newDoneStream(deltas ...string) *doneStream {
	ch := make(chan string, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return &doneStream{deltas: ch}
}

func (s *doneStream) Deltas() <-chan string         { return s.deltas }
func (s *doneStream) Abort()                        {}
func (s *doneStream) Outcome() (llm.Outcome, error) { return llm.OutcomeCompleted, nil }

// hangingStream emits one delta, then blocks until aborted.
type hangingStream struct {
	deltas  chan string
	aborted chan struct{}
	once    sync.Once
}

func newHangingStream(first string) *hangingStream {
	s := &hangingStream{
		deltas:  make(chan string, 1),
		aborted: make(chan struct{}),
	}
	s.deltas <- first
	go func() {
		<-s.aborted
		close(s.deltas)
	}()
	return s
}

func (s *hangingStream) Deltas() <-chan string { return s.deltas }

func (s *hangingStream) Abort() {
	s.once.Do(func() { close(s.aborted) })
}

func (s *hangingStream) Outcome() (llm.Outcome, error) {
	select {
	case <-s.aborted:
		return llm.OutcomeAborted, nil
	default:
		return llm.OutcomeCompleted, nil
	}
}

type frame struct {
	Type      string `json:"type"`
	SessionID int64  `json:"sessionId"`
	Delta     string `json:"delta"`
	Message   string `json:"message"`
}

func dialSocket(t *testing.T, handler maid.Handler, sessionID *int64) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		newSocket(conn, handler, "u1", sessionID).run(r.Context())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
}

func TestSocketInputTurn(t *testing.T) {
	sessions := &wsSessions{session: &domain.Session{ID: 5, UserID: "u1"}, created: true}
	memories := &wsMemories{}
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream("Hel", "lo") }}
	chat := maid.NewChat(sessions, memories, gateway)

	conn := dialSocket(t, chat, nil)
	send(t, conn, `{"type":"input","content":"hi"}`)

	assert.Equal(t, frame{Type: "session_created", SessionID: 5}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_start"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_text_delta", Delta: "Hel"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_text_delta", Delta: "lo"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_done", SessionID: 5}, readFrame(t, conn))

	send(t, conn, `{"type":"bye"}`)
	expectClose(t, conn, websocket.CloseNormalClosure)

	assert.Eventually(t, func() bool {
		roles := sessions.savedRoles()
		return len(roles) == 2 && roles[0] == domain.RoleUser && roles[1] == domain.RoleAssistant
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return memories.signalCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSocketWelcomeTurn(t *testing.T) {
	sessions := &wsSessions{session: &domain.Session{ID: 8, UserID: "u1"}, created: true}
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream("Welcome!") }}
	chat := maid.NewChat(sessions, &wsMemories{}, gateway)

	conn := dialSocket(t, chat, nil)
	send(t, conn, `{"type":"welcome"}`)

	assert.Equal(t, frame{Type: "session_created", SessionID: 8}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_start"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_text_delta", Delta: "Welcome!"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_done", SessionID: 8}, readFrame(t, conn))

	assert.Eventually(t, func() bool {
		roles := sessions.savedRoles()
		return len(roles) == 1 && roles[0] == domain.RoleAssistant
	}, time.Second, 10*time.Millisecond)
}

func TestSocketResumedSessionSkipsAnnounce(t *testing.T) {
	sid := int64(33)
	sessions := &wsSessions{}
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream("ok") }}
	chat := maid.NewChat(sessions, &wsMemories{}, gateway)

	conn := dialSocket(t, chat, &sid)
	send(t, conn, `{"type":"input","content":"hello again"}`)

	assert.Equal(t, frame{Type: "stream_start"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_text_delta", Delta: "ok"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_done", SessionID: 33}, readFrame(t, conn))
}

func TestSocketAbortDropsQueuedWork(t *testing.T) {
	sessions := &wsSessions{session: &domain.Session{ID: 5, UserID: "u1"}, created: true}
	memories := &wsMemories{}
	gateway := &wsGateway{next: func() maid.Stream { return newHangingStream("partial") }}
	chat := maid.NewChat(sessions, memories, gateway)

	conn := dialSocket(t, chat, nil)
	send(t, conn, `{"type":"input","content":"tell me a long story"}`)

	assert.Equal(t, frame{Type: "session_created", SessionID: 5}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_start"}, readFrame(t, conn))
	assert.Equal(t, frame{Type: "stream_text_delta", Delta: "partial"}, readFrame(t, conn))

	// A second input queued behind the active stream is discarded by the
	// abort; it must never start a turn of its own.
	send(t, conn, `{"type":"input","content":"queued"}`)
	send(t, conn, `{"type":"abort"}`)
	send(t, conn, `{"type":"bye"}`)

	// No stream_done, no error frame: the next read is the close.
	expectClose(t, conn, websocket.CloseNormalClosure)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{domain.RoleUser}, sessions.savedRoles(), "aborted output and queued input are not persisted")
	assert.Zero(t, memories.signalCount())
}

func TestSocketRejectsMalformedFrames(t *testing.T) {
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream() }}
	chat := maid.NewChat(&wsSessions{session: &domain.Session{ID: 1}}, &wsMemories{}, gateway)

	conn := dialSocket(t, chat, nil)

	send(t, conn, `not json at all`)
	assert.Equal(t, frame{Type: "error", Message: "invalid JSON"}, readFrame(t, conn))

	send(t, conn, `{"type":"input"}`)
	assert.Equal(t, frame{Type: "error", Message: "content: required"}, readFrame(t, conn))

	send(t, conn, `{"type":"dance"}`)
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "type: must be one of")

	send(t, conn, `{"type":"bye"}`)
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestSocketSessionNotFound(t *testing.T) {
	sessions := &wsSessions{ensureErr: fmt.Errorf("session 99: %w", domain.ErrSessionNotFound)}
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream() }}
	chat := maid.NewChat(sessions, &wsMemories{}, gateway)

	sid := int64(99)
	conn := dialSocket(t, chat, &sid)
	send(t, conn, `{"type":"input","content":"hi"}`)

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "not found")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestWSHandlerUnknownMaid(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}

	keys := auth.NewKeyStore(time.Minute)
	key := keys.Issue("u1", nil)

	h := NewWSHandler(cfg, maid.NewRegistry(), keys, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?connectionKey=" + key.Key + "&maidId=ghost"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "unknown maidId: ghost", f.Message)
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestWSHandlerRequiresCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}

	h := NewWSHandler(cfg, maid.NewRegistry(), auth.NewKeyStore(time.Minute), nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSHandlerConnectionKeyIsSingleUse(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}

	keys := auth.NewKeyStore(time.Minute)
	key := keys.Issue("u1", nil)

	registry := maid.NewRegistry()
	gateway := &wsGateway{next: func() maid.Stream { return newDoneStream() }}
	registry.Register("chat", maid.NewChat(&wsSessions{session: &domain.Session{ID: 1}}, &wsMemories{}, gateway))

	h := NewWSHandler(cfg, registry, keys, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?connectionKey=" + key.Key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
