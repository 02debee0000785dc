// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/app"
	"github.com/capitalize-ai/realtime-conversations/internal/config"
	"github.com/capitalize-ai/realtime-conversations/internal/handler"
	"github.com/capitalize-ai/realtime-conversations/internal/presence"
	"github.com/capitalize-ai/realtime-conversations/internal/reconcile"
	"github.com/capitalize-ai/realtime-conversations/internal/session"
	"github.com/capitalize-ai/realtime-conversations/internal/typing"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var log *logger.Logger
	if cfg.IsDevelopment() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-conversations", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	engine, err := app.New(ctx, cfg, log, app.Options{Previews: true})
	if err != nil {
		return err
	}
	defer engine.Close()

	if cfg.ReconcileEnabled {
		sched, err := reconcile.NewScheduler(reconcile.New(engine.Store, log), cfg.ReconcileCron, log)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	deps := session.Deps{
		Store:         engine.Store,
		Conversations: engine.Conversations,
		Messages:      engine.Messages,
		Presence: presence.Config{
			Heartbeat:  cfg.PresenceHeartbeat,
			StaleAfter: cfg.PresenceStaleAfter,
		},
		Typing: typing.Config{
			Debounce: cfg.TypingDebounce,
			Liveness: cfg.TypingLiveness,
		},
		Window: cfg.MessageWindow,
		Logger: log,
	}

	realtime := handler.NewRealtimeHandler(deps, cfg.CORSOrigins, log)
	stream := handler.NewStreamHandler(engine.Messages, engine.Conversations, cfg.MessageWindow, cfg.PresenceHeartbeat, log)
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(engine.Checks, log),
		Conversations: handler.NewConversationHandler(engine.Conversations, log),
		Messages:      handler.NewMessageHandler(engine.Messages, engine.Conversations, cfg.MessageWindow, log),
		Users:         handler.NewUserHandler(engine.Users, engine.Store, cfg.PresenceStaleAfter, log),
		Stream:        stream,
		Realtime:      realtime,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	server.RegisterOnShutdown(stream.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := realtime.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket sessions did not close in time", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
