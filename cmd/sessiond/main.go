package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/session-sync/config"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/handlers"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/redis"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.Environment)

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()

	log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")

	docs := docstore.New(rdb, docstore.Options{
		PollBlock: cfg.Store.PollBlock,
		TxRetries: cfg.Store.TxRetries,
		KeyTTL:    cfg.SessionTTL,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	server := handlers.NewServer(docs, handlers.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		SessionTTL:     cfg.SessionTTL,
		PresenceLease:  cfg.Store.PresenceLeaseTTL,
	})
	server.Routes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting session server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// Hijacked websockets are not tracked by Shutdown.
	server.Close()
	log.Info().Msg("Server exited gracefully")
}
