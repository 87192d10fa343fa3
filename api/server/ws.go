package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maidworks/maid/api/auth"
	"github.com/maidworks/maid/api/config"
	"github.com/maidworks/maid/api/maid"
	"github.com/maidworks/maid/api/protocol"
	"github.com/maidworks/maid/pkg/metrics"
)

const defaultMaidID = "chat"

// WSHandler authenticates and upgrades /ws requests, then hands the
// connection to a per-socket runtime.
type WSHandler struct {
	cfg      *config.Config
	registry *maid.Registry
	keys     *auth.KeyStore
	resolver auth.Resolver
	upgrader websocket.Upgrader
}

func NewWSHandler(cfg *config.Config, registry *maid.Registry, keys *auth.KeyStore, resolver auth.Resolver) *WSHandler {
	h := &WSHandler{cfg: cfg, registry: registry, keys: keys, resolver: resolver}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	allowedOrigins := h.cfg.Server.AllowedOrigins
	for _, o := range allowedOrigins {
		if o == "*" {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return h.cfg.Server.AllowEmptyOrigin
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		userID    string
		sessionID *int64
	)
	switch {
	case q.Get("connectionKey") != "":
		grant, ok := h.keys.Consume(q.Get("connectionKey"))
		if !ok {
			http.Error(w, `{"error":"invalid or expired connection key"}`, http.StatusUnauthorized)
			return
		}
		userID = grant.UserID
		sessionID = grant.SessionID

	case q.Get("token") != "":
		// Legacy path: bearer token in the URL. The key exchange is
		// preferred.
		id, err := h.resolver.ResolveToken(r.Context(), q.Get("token"))
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		userID = id

	default:
		http.Error(w, `{"error":"missing connectionKey"}`, http.StatusUnauthorized)
		return
	}

	if sessionID == nil {
		if raw := q.Get("sessionId"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				http.Error(w, `{"error":"invalid sessionId"}`, http.StatusBadRequest)
				return
			}
			sessionID = &id
		}
	}

	maidID := q.Get("maidId")
	if maidID == "" {
		maidID = defaultMaidID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade error", "error", err)
		return
	}
	defer conn.Close()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	handler, ok := h.registry.Lookup(maidID)
	if !ok {
		slog.Warn("ws: unknown maid", "maid_id", maidID, "user_id", userID)
		conn.WriteJSON(protocol.NewError(fmt.Sprintf("unknown maidId: %s", maidID)))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown maid")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return
	}

	slog.Info("ws: connected", "maid_id", maidID, "user_id", userID)
	sock := newSocket(conn, handler, userID, sessionID)
	sock.run(r.Context())
	slog.Info("ws: disconnected", "maid_id", maidID, "user_id", userID)
}
