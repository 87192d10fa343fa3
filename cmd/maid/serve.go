package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maidworks/maid/api/auth"
	"github.com/maidworks/maid/api/config"
	"github.com/maidworks/maid/api/extraction"
	"github.com/maidworks/maid/api/llm"
	"github.com/maidworks/maid/api/maid"
	"github.com/maidworks/maid/api/queue"
	"github.com/maidworks/maid/api/server"
	"github.com/maidworks/maid/api/services"
	"github.com/maidworks/maid/api/store"
	"github.com/maidworks/maid/pkg/otel"
	"github.com/maidworks/maid/shared/db"
	"github.com/maidworks/maid/shared/redis"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the extraction worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Enabled {
		shutdown, err := otel.Init(otel.Config{
			ServiceName: "maid-api",
			Environment: cfg.Otel.Environment,
		})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	pool, err := db.ConnectSimple(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	rdb, err := redis.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		ChatModel:      cfg.LLM.ChatModel,
		UtilityModel:   cfg.LLM.UtilityModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbeddingDim:   cfg.LLM.EmbeddingDim,
	})

	pipeline := extraction.New(st, llmClient, extraction.Config{
		Threshold:  cfg.Memory.Threshold,
		TopK:       cfg.Memory.TopK,
		MaxRetries: cfg.Memory.ExtractionRetries,
	})

	q := queue.New(rdb, queue.RunnerFunc(func(ctx context.Context, userID string) error {
		_, err := pipeline.Run(ctx, userID)
		return err
	}), queue.Options{
		Delay:    cfg.Memory.DebounceDelay,
		Attempts: cfg.Memory.QueueAttempts,
	})
	go q.Start(ctx)

	sessionSvc := services.NewSessionService(st)
	memorySvc := services.NewMemoryService(st, llmClient, q)
	memorySvc.DefaultThreshold = cfg.Memory.Threshold

	registry := maid.NewRegistry()
	registry.Register("chat", maid.NewChat(sessionSvc, memorySvc, maid.ClientGateway{Client: llmClient}))

	keys := auth.NewKeyStore(cfg.Server.ConnectionKeyTTL)
	resolver := auth.NewHTTPResolver(cfg.Auth.BaseURL, cfg.Auth.Origin)

	srv := server.NewServer(cfg, st, rdb, sessionSvc, registry, keys, resolver)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	slog.Info("serving", "host", cfg.Server.Host, "port", cfg.Server.Port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
