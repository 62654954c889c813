// livescribed is the transcription server: it accepts WebSocket audio
// streams, fans chunks out to the configured STT provider and persists
// every session as a WAV recording.
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

	"github.com/rs/zerolog/log"

	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/events"
	"github.com/sanchopanda/livescribe/internal/httpapi"
	"github.com/sanchopanda/livescribe/internal/observability"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/server"
	"github.com/sanchopanda/livescribe/internal/session"
	"github.com/sanchopanda/livescribe/internal/stt"
	"github.com/sanchopanda/livescribe/internal/stt/deepgram"
	"github.com/sanchopanda/livescribe/internal/stt/google"
	"github.com/sanchopanda/livescribe/internal/stt/mock"
	"github.com/sanchopanda/livescribe/internal/stt/voskhttp"
	"github.com/sanchopanda/livescribe/internal/stt/whisper"
	"github.com/sanchopanda/livescribe/internal/wav"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	// Readiness tracks the recordings volume: no writable directory
	// means no durable audio, so the instance should not take sessions.
	metricsServer := observability.NewServer(":"+cfg.Service.MetricsPort, func() error {
		return checkDir(cfg.Recordings.Dir)
	})
	metricsServer.Start()

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
	})
	defer publisher.Close()

	registry := newRegistry(cfg)
	persister := wav.NewPersister(cfg.Recordings.Dir, config.SampleRate, config.Channels)
	manager := session.NewManager(registry, persister, publisher)

	ws := server.NewHandler(manager, cfg.STT.Provider, cfg.STT.Language)
	router := httpapi.NewRouter(ws, manager, persister)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Service.Port,
		Handler:     router,
		ReadTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Service.Port).
			Str("provider", cfg.STT.Provider).
			Str("recordingsDir", cfg.Recordings.Dir).
			Msg("livescribed started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Destroy sessions first so in-flight audio is persisted before the
	// listeners go away.
	manager.DestroyAll(ctx)

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Metrics server shutdown failed")
	}
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("recordings path %s is not a directory", dir)
	}
	return nil
}

// newRegistry wires every available provider. Providers are
// constructed per session; the factories close over configuration only.
func newRegistry(cfg *config.Configuration) *stt.Registry {
	registry := stt.NewRegistry()

	registry.Register("mock", func() (stt.Provider, error) {
		return mock.New(), nil
	})
	registry.Register("deepgram", func() (stt.Provider, error) {
		return deepgram.New(cfg.STT.DeepgramAPIKey), nil
	})
	registry.Register("voskhttp", func() (stt.Provider, error) {
		return voskhttp.New(cfg.STT.VoskServiceURL), nil
	})
	registry.Register("whisper", func() (stt.Provider, error) {
		return whisper.New(cfg.STT.OpenAIAPIKey), nil
	})
	registry.Register("google", func() (stt.Provider, error) {
		return google.New(context.Background())
	})

	return registry
}
