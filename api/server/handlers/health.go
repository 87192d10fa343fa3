// Package handlers holds the plain HTTP endpoints next to the WebSocket
// surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct {
	dbPing    func(context.Context) error
	redisPing func(context.Context) error
}

func NewHealthHandler(dbPing, redisPing func(context.Context) error) *HealthHandler {
	return &HealthHandler{dbPing: dbPing, redisPing: redisPing}
}

// Root handles GET /.
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("maid api"))
}

// DBHealth handles GET /db/health.
func (h *HealthHandler) DBHealth(w http.ResponseWriter, r *http.Request) {
	h.ping(w, r, h.dbPing)
}

// RedisHealth handles GET /redis/health.
func (h *HealthHandler) RedisHealth(w http.ResponseWriter, r *http.Request) {
	h.ping(w, r, h.redisPing)
}

func (h *HealthHandler) ping(w http.ResponseWriter, r *http.Request, ping func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok := ping != nil && ping(ctx) == nil

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]bool{"ok": ok})
}
