// livescribe-client captures microphone audio and streams it to a
// livescribed server, printing transcripts as they arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sanchopanda/livescribe/internal/client/capture"
	"github.com/sanchopanda/livescribe/internal/client/orchestrator"
	"github.com/sanchopanda/livescribe/internal/client/transport"
	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/protocol"
)

func main() {
	cfg := config.LoadClient()

	logging.Init(logging.Config{
		Level:      "info",
		Format:     "console",
		TimeFormat: time.RFC3339,
	})

	source := capture.New(cfg.FrameSize)
	client := transport.New(cfg.ServerURL, cfg.ReconnectBaseDelay, cfg.MaxReconnectAttempts)

	onState := func(s orchestrator.State) {
		log.Info().Str("state", s.String()).Msg("Recorder")
	}
	onTranscript := func(msg protocol.ServerMessage) {
		switch msg.Type {
		case protocol.TypePartial:
			fmt.Printf("\r… %s", msg.Text)
		case protocol.TypeFinal:
			fmt.Printf("\r%s\n", msg.Text)
		}
	}

	o := orchestrator.New(client, source, cfg.Language, onState, onTranscript)

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start recording")
	}
	log.Info().
		Str("server", cfg.ServerURL).
		Str("language", cfg.Language).
		Msg("Recording, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}
