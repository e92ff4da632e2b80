package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/davidbmar/nvidia-parakeet/internal/api/ws"
	"github.com/davidbmar/nvidia-parakeet/internal/config"
	"github.com/davidbmar/nvidia-parakeet/internal/events"
	internalhttp "github.com/davidbmar/nvidia-parakeet/internal/http"
	"github.com/davidbmar/nvidia-parakeet/internal/observability"
	"github.com/davidbmar/nvidia-parakeet/internal/observability/logging"
	"github.com/davidbmar/nvidia-parakeet/internal/observability/metrics"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr/google"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr/stub"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	// Kafka publisher with separate topics for partial and final transcripts
	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Source:       cfg.Kafka.Source,
	})
	defer publisher.Close()

	engine, closeEngine := newEngine(cfg)
	defer closeEngine()

	manager := ws.NewManager(cfg, engine, publisher, metrics.DefaultMetrics, logging.WithComponent("ws"))
	router := internalhttp.NewRouter(cfg, manager)

	server := &http.Server{
		Addr:        ":" + cfg.Service.Port,
		Handler:     router,
		ReadTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	obsServer := observability.NewServer(":" + cfg.Service.MetricsPort)
	obsServer.Start()

	go func() {
		log.Info().
			Str("service", cfg.Service.Name).
			Str("port", cfg.Service.Port).
			Str("engine", cfg.Engine.Provider).
			Msg("Streaming transcription service started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Observability shutdown error")
	}
}

// newEngine builds the configured inference engine and returns it with its
// cleanup function.
func newEngine(cfg *config.Configuration) (asr.Engine, func()) {
	switch cfg.Engine.Provider {
	case "google":
		engine, err := google.New(context.Background(), cfg.Engine.LanguageCode)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Google Speech engine")
		}
		return engine, func() {
			if err := engine.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing Google Speech engine")
			}
		}
	case "stub":
		return stub.New(), func() {}
	default:
		log.Fatal().Str("provider", cfg.Engine.Provider).Msg("Unknown engine provider")
		return nil, nil
	}
}
