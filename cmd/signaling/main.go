package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/handlers"
	"github.com/mossy-p/p2p-call-signaling/internal/logging"
	"github.com/mossy-p/p2p-call-signaling/internal/redis"
	"github.com/mossy-p/p2p-call-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()
	l := logging.Init(cfg.Environment, cfg.LogLevel)

	// Presence mirroring is optional; the server runs without Redis
	var presence signaling.Presence
	if cfg.Redis.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := redis.Connect(ctx, cfg.Redis)
		cancel()
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer store.Close()
		presence = store
		l.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	svc := signaling.NewService(presence, l)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(cfg, svc, l),
	}

	go func() {
		l.Info().Str("port", cfg.Port).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not closed by Shutdown; their
	// sessions end when the process exits.
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	l.Info().Msg("Server exited")
}
