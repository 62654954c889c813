// Package observability exposes the monitoring HTTP surface of the
// transcription service.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
)

// Server serves Prometheus metrics and the health probes on a port
// separate from the WebSocket listener, so scrapes never compete with
// audio traffic.
type Server struct {
	server *http.Server
	addr   string
}

// NewServer builds the monitoring server. ready is consulted by the
// readiness probe; a nil check means always ready. Liveness stays
// unconditional, a wedged recordings volume should drain traffic, not
// restart the process.
func NewServer(addr string, ready func() error) *Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	logger := logging.WithComponent("observability")
	go func() {
		logger.Info().Str("addr", s.addr).Msg("Monitoring server started")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Monitoring server error")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := logging.WithComponent("observability")
	logger.Info().Msg("Monitoring server stopping")
	return s.server.Shutdown(ctx)
}
