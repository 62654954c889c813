// Package server exposes the transcription pipeline over a WebSocket
// endpoint speaking the JSON wire protocol.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/protocol"
	"github.com/sanchopanda/livescribe/internal/session"
)

// upgrader accepts any origin; browser extension clients connect from
// arbitrary page origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender serializes writes to one WebSocket connection. gorilla
// permits a single concurrent writer; transcripts pushed from provider
// goroutines and protocol replies share this path.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Handler handles WebSocket connections for the transcription protocol.
type Handler struct {
	manager         *session.Manager
	defaultProvider string
	defaultLanguage string
	logger          zerolog.Logger
}

// NewHandler creates a WebSocket handler bound to the session manager.
func NewHandler(manager *session.Manager, defaultProvider, defaultLanguage string) *Handler {
	return &Handler{
		manager:         manager,
		defaultProvider: defaultProvider,
		defaultLanguage: defaultLanguage,
		logger:          logging.WithComponent("ws"),
	}
}

// ServeHTTP upgrades the connection and runs the protocol loop until
// the client disconnects. Sessions owned by the connection are
// destroyed on exit, so audio is persisted even on abrupt drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}
	owned := make(map[string]struct{})
	ctx := r.Context()

	defer func() {
		for id := range owned {
			h.manager.DestroySession(context.Background(), id)
		}
	}()

	if err := sender.Send(protocol.NewStatus(protocol.StatusConnected, "")); err != nil {
		h.logger.Warn().Err(err).Msg("Initial status send failed")
		return
	}

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("Client connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).Msg("Connection closed unexpectedly")
			} else {
				h.logger.Info().Msg("Client disconnected")
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			h.replyDecodeError(sender, err)
			continue
		}

		switch msg.Type {
		case protocol.TypeStart:
			h.handleStart(ctx, sender, owned, msg)
		case protocol.TypeAudio:
			h.handleAudio(ctx, sender, owned, msg)
		case protocol.TypeStop:
			h.handleStop(ctx, sender, owned, msg)
		}
	}
}

// replyDecodeError maps a decode failure to a protocol error message.
// Malformed traffic never tears down the connection.
func (h *Handler) replyDecodeError(sender *wsSender, err error) {
	h.logger.Warn().Err(err).Msg("Rejected client message")
	code := protocol.CodeProcessingError
	if errors.Is(err, protocol.ErrUnknownType) {
		code = protocol.CodeUnknownMessageType
	}
	if sendErr := sender.Send(protocol.NewError(code, err.Error())); sendErr != nil {
		h.logger.Warn().Err(sendErr).Msg("Error reply send failed")
	}
}

func (h *Handler) handleStart(ctx context.Context, sender *wsSender, owned map[string]struct{}, msg *protocol.ClientMessage) {
	// A connection owns at most one session. A new start supersedes the
	// previous one, persisting whatever audio it buffered.
	for id := range owned {
		h.logger.Info().Str("sessionId", id).Msg("New start supersedes active session")
		h.manager.DestroySession(ctx, id)
		delete(owned, id)
	}

	language := msg.Language
	if language == "" {
		language = h.defaultLanguage
	}

	id, sttErr := h.manager.CreateSession(ctx, sender, h.defaultProvider, language)
	owned[id] = struct{}{}

	if sttErr != nil {
		sender.Send(protocol.NewError(protocol.CodeSTTUnavailable,
			"transcription unavailable, recording audio only"))
	}
	// The start ack is a connected status carrying the new session id.
	if err := sender.Send(protocol.NewStatus(protocol.StatusConnected, id)); err != nil {
		h.logger.Warn().Err(err).Str("sessionId", id).Msg("Start ack send failed")
	}
}

func (h *Handler) handleAudio(ctx context.Context, sender *wsSender, owned map[string]struct{}, msg *protocol.ClientMessage) {
	if _, ok := owned[msg.SessionID]; !ok {
		sender.Send(protocol.NewError(protocol.CodeNoSession, "no active session for this connection"))
		return
	}

	chunk, err := msg.DecodeChunk()
	if err != nil {
		h.logger.Warn().Err(err).Str("sessionId", msg.SessionID).Msg("Bad audio payload")
		sender.Send(protocol.NewError(protocol.CodeProcessingError, "invalid audio chunk encoding"))
		return
	}

	h.manager.AddAudioChunk(ctx, msg.SessionID, chunk)
}

func (h *Handler) handleStop(ctx context.Context, sender *wsSender, owned map[string]struct{}, msg *protocol.ClientMessage) {
	if _, ok := owned[msg.SessionID]; !ok {
		sender.Send(protocol.NewError(protocol.CodeNoSession, "no active session for this connection"))
		return
	}

	sender.Send(protocol.NewStatus(protocol.StatusProcessing, msg.SessionID))
	h.manager.DestroySession(ctx, msg.SessionID)
	delete(owned, msg.SessionID)
	sender.Send(protocol.NewStatus(protocol.StatusIdle, msg.SessionID))
}
