package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maidworks/maid/api/domain"
	"github.com/maidworks/maid/api/maid"
	"github.com/maidworks/maid/api/protocol"
)

const (
	writeTimeout = 10 * time.Second
	taskBuffer   = 16
)

// socket is the per-connection runtime. A single consumer goroutine works
// through queued welcome/input tasks in receive order; abort and bye act
// inline from the read loop. Bumping the epoch invalidates every task
// queued before the bump, which is how abort clears the queue without
// draining it.
type socket struct {
	conn    *websocket.Conn
	handler maid.Handler
	userID  string

	writeMu sync.Mutex

	tasks chan socketTask
	epoch atomic.Int64

	mu        sync.Mutex
	sessionID *int64
	stream    maid.Stream
	closing   bool
	announced bool
}

type socketTask struct {
	epoch int64
	run   func(ctx context.Context) error
}

func newSocket(conn *websocket.Conn, handler maid.Handler, userID string, sessionID *int64) *socket {
	return &socket{
		conn:      conn,
		handler:   handler,
		userID:    userID,
		sessionID: sessionID,
		tasks:     make(chan socketTask, taskBuffer),
	}
}

// run blocks until the connection is done and the consumer has drained.
func (s *socket) run(ctx context.Context) {
	done := make(chan struct{})
	go s.consume(ctx, done)

	s.readLoop()

	s.shutdown()
	close(s.tasks)
	<-done
}

func (s *socket) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws: read error", "user_id", s.userID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.SendError(err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypeWelcome:
			s.enqueue(func(ctx context.Context) error {
				return s.handler.OnWelcome(ctx, s)
			})
		case protocol.TypeInput:
			content := msg.Content
			s.enqueue(func(ctx context.Context) error {
				return s.handler.OnInput(ctx, s, content)
			})
		case protocol.TypeAbort:
			s.handler.OnAbort(s)
		case protocol.TypeBye:
			s.handler.OnBye(s)
			return
		}
	}
}

func (s *socket) enqueue(run func(ctx context.Context) error) {
	s.tasks <- socketTask{epoch: s.epoch.Load(), run: run}
}

func (s *socket) consume(ctx context.Context, done chan struct{}) {
	defer close(done)

	for task := range s.tasks {
		// Stale tasks were queued before an abort or bye.
		if task.epoch != s.epoch.Load() {
			continue
		}
		s.runTask(ctx, task)
	}
}

func (s *socket) runTask(ctx context.Context, task socketTask) {
	err := task.run(ctx)
	if err == nil {
		return
	}

	if errors.Is(err, domain.ErrSessionNotFound) {
		s.SendError(err.Error())
		s.closeWith(websocket.ClosePolicyViolation, "session not found")
		return
	}

	slog.Error("ws: turn failed", "user_id", s.userID, "error", err)
	s.SendError("internal error")
}

// shutdown runs the implicit abort+bye for a transport-level close.
func (s *socket) shutdown() {
	s.mu.Lock()
	s.closing = true
	stream := s.stream
	s.mu.Unlock()

	s.epoch.Add(1)
	if stream != nil {
		stream.Abort()
	}
}

func (s *socket) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("ws: close frame failed", "user_id", s.userID, "error", err)
	}
	s.conn.Close()
}

// maid.Conn implementation.

func (s *socket) UserID() string { return s.userID }

func (s *socket) SessionID() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *socket) SetSessionID(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = &sessionID
}

func (s *socket) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(frame); err != nil {
		slog.Debug("ws: send failed", "user_id", s.userID, "error", err)
		return err
	}
	return nil
}

func (s *socket) SendError(message string) {
	if s.Closing() {
		return
	}
	if err := s.Send(protocol.NewError(message)); err != nil {
		slog.Debug("ws: error frame failed", "user_id", s.userID, "error", err)
	}
}

func (s *socket) AnnounceSession(sessionID int64) error {
	s.mu.Lock()
	if s.announced {
		s.mu.Unlock()
		return nil
	}
	s.announced = true
	s.mu.Unlock()

	return s.Send(protocol.NewSessionCreated(sessionID))
}

func (s *socket) SetStream(stream maid.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
}

func (s *socket) ClearStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = nil
}

// Abort discards queued work and cancels the active stream. Safe no-op
// when nothing is running.
func (s *socket) Abort() {
	s.epoch.Add(1)

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
}

// Bye starts a graceful close: abort everything, then close 1000.
func (s *socket) Bye() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.Abort()
	s.closeWith(websocket.CloseNormalClosure, "bye")
}

func (s *socket) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
