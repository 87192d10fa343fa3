package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/maidworks/maid/api/auth"
	"github.com/maidworks/maid/api/config"
	"github.com/maidworks/maid/api/maid"
	"github.com/maidworks/maid/api/server/handlers"
	"github.com/maidworks/maid/api/services"
	"github.com/maidworks/maid/api/store"
	"github.com/maidworks/maid/pkg/otel"
)

const ReadTimeout = 30 * time.Second

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

func NewServer(
	cfg *config.Config,
	s *store.Store,
	rdb *redis.Client,
	sessionSvc *services.SessionService,
	registry *maid.Registry,
	keys *auth.KeyStore,
	resolver auth.Resolver,
) *Server {
	router := chi.NewRouter()

	router.Use(otel.Middleware("maid-api"))
	router.Use(Recovery)
	router.Use(Logger)
	router.Use(CORS(cfg.Server.AllowedOrigins))

	healthH := handlers.NewHealthHandler(
		func(ctx context.Context) error { return s.Pool().Ping(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)
	router.Get("/", healthH.Root)
	router.Get("/db/health", healthH.DBHealth)
	router.Get("/redis/health", healthH.RedisHealth)
	router.Handle("/metrics", promhttp.Handler())

	connKeyH := handlers.NewConnectionKeyHandler(resolver, keys, sessionSvc)
	router.Get("/ws/connection-key", connKeyH.Issue)

	wsHandler := NewWSHandler(cfg, registry, keys, resolver)
	router.Get("/ws", wsHandler.ServeHTTP)

	return &Server{
		cfg:    cfg,
		router: router,
	}
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
