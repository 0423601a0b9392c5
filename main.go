package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"zapfila/config"
	"zapfila/internal/breaker"
	"zapfila/internal/db"
	"zapfila/internal/dispatcher"
	"zapfila/internal/events"
	"zapfila/internal/handlers"
	"zapfila/internal/ingest"
	"zapfila/internal/models"
	"zapfila/internal/queue"
	"zapfila/internal/session"
	"zapfila/internal/whatsapp"
	"zapfila/pkg/logger"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(conn, models.All()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	publisher := events.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	defer publisher.Close()

	store := ingest.NewStore(conn)
	q := queue.New(conn, queue.Options{
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	breakers := breaker.NewRegistry(breaker.Settings{
		MaxFailures:   cfg.BreakerMaxFailures,
		Cooldown:      cfg.BreakerCooldown,
		MaxConcurrent: cfg.BreakerMaxConcurrent,
		RateLimit:     cfg.BreakerRateLimit,
	})
	sessions := session.NewManager(conn, cfg.QRTimeout)
	sender := whatsapp.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIToken)
	ingestor := ingest.NewIngestor(store, publisher)

	disp := dispatcher.New(q, breakers, sessions, sender, store, publisher, cfg.DispatchPollRate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var channels []models.TenantChannel
	if err := conn.Find(&channels).Error; err != nil {
		log.Fatal().Err(err).Msg("Failed to load tenant channels")
	}
	sessionIDs := make([]string, 0, len(channels))
	for _, ch := range channels {
		sessionIDs = append(sessionIDs, ch.SessionID)
	}

	dispatcherDone := make(chan struct{})
	go func() {
		disp.Run(ctx, sessionIDs)
		close(dispatcherDone)
	}()

	server := handlers.NewServer(q, sessions, ingestor, cfg.WebhookVerifyToken)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	<-dispatcherDone
}
