// Chatbot experiment server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/MingMingbee/chatbot-experiment/internal/api"
	"github.com/MingMingbee/chatbot-experiment/internal/chat"
	"github.com/MingMingbee/chatbot-experiment/internal/config"
	"github.com/MingMingbee/chatbot-experiment/internal/identity"
	"github.com/MingMingbee/chatbot-experiment/internal/llm"
	"github.com/MingMingbee/chatbot-experiment/internal/middleware"
	"github.com/MingMingbee/chatbot-experiment/internal/script"
	"github.com/MingMingbee/chatbot-experiment/internal/session"
	"github.com/MingMingbee/chatbot-experiment/internal/store"
	"github.com/MingMingbee/chatbot-experiment/internal/transcript"
	"github.com/MingMingbee/chatbot-experiment/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"model", cfg.Backend.Model,
		"temperature", cfg.Backend.Temperature,
		"type_code", cfg.Experiment.TypeCode,
	)

	s, err := script.Load()
	if err != nil {
		slog.Error("Failed to load behavioral script", "error", err)
		os.Exit(1)
	}

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         cfg.Backend.APIKey,
		BaseURL:        cfg.Backend.BaseURL,
		ConnectTimeout: cfg.Backend.ConnectTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// The archive is optional; chat keeps working without it.
	var recorder session.TurnRecorder
	var archive api.Pinger
	if cfg.Archive.Enabled {
		repo, err := store.NewSQLite(cfg.Archive.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		if err := repo.Ping(context.Background()); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		recorder = repo
		archive = repo
		slog.Info("Archive connected", "db_path", cfg.Archive.DBPath)
	}

	opts := session.Options{
		Script: s,
		Client: client,
		Settings: session.Settings{
			Model:         cfg.Backend.Model,
			Temperature:   cfg.Backend.Temperature,
			StreamTimeout: cfg.Experiment.StreamTimeout,
			Window:        transcript.Window{MaxTurns: cfg.Experiment.MaxTurns},
		},
		Recorder: recorder,
		Logger:   logger,
	}
	registry := session.NewRegistry(cfg.Experiment.MaxSessions, cfg.Experiment.SessionTTL,
		func(key, code string) *session.Controller {
			return session.NewController(key, code, opts)
		}, logger)

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	chatHandler := chat.NewHandler(registry, s, chat.NewHub(), conversationLogger, chat.HandlerConfig{
		DefaultTypeCode:   cfg.Experiment.TypeCode,
		Debug:             cfg.Experiment.DebugTranscript,
		MaxRequestBody:    cfg.Limits.MaxRequestBody,
		RateLimitRequests: cfg.Limits.RateLimitRequests,
		RateLimitWindow:   cfg.Limits.RateLimitWindow,
	})
	defer chatHandler.Close()

	wsHandler := chat.NewWebSocketHandler(chatHandler, cfg.FrontendURL, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(archive)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL, cfg.IsDevelopment())))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// SSE replies stream for up to STREAM_TIMEOUT, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
