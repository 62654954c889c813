// Package session owns the lifecycle of recording sessions: creation,
// audio buffering and STT fan-out, and teardown with WAV persistence.
//
// Audio persistence is unconditional. A session whose provider failed
// to initialize, or whose every chunk errored, still produces a WAV
// file on teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sanchopanda/livescribe/internal/events"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/observability/metrics"
	"github.com/sanchopanda/livescribe/internal/protocol"
	"github.com/sanchopanda/livescribe/internal/stt"
	"github.com/sanchopanda/livescribe/internal/wav"
)

// Sender delivers server messages to the client that owns a session.
// Implementations must be safe for concurrent use; streaming providers
// push results from their own goroutines.
type Sender interface {
	Send(msg protocol.ServerMessage) error
}

type session struct {
	id         string
	sender     Sender
	provider   stt.Provider
	providerID string
	language   string
	createdAt  time.Time

	mu     sync.Mutex
	chunks [][]byte
}

func (s *session) appendChunk(chunk []byte) {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.mu.Lock()
	s.chunks = append(s.chunks, buf)
	s.mu.Unlock()
}

func (s *session) takeChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.chunks
	s.chunks = nil
	return chunks
}

// Manager tracks active sessions keyed by id.
type Manager struct {
	registry  *stt.Registry
	persister *wav.Persister
	publisher *events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager. The publisher may be nil when event
// publishing is not wired.
func NewManager(registry *stt.Registry, persister *wav.Persister, publisher *events.Publisher) *Manager {
	return &Manager{
		registry:  registry,
		persister: persister,
		publisher: publisher,
		metrics:   metrics.DefaultMetrics,
		logger:    logging.WithComponent("session"),
		sessions:  make(map[string]*session),
	}
}

// CreateSession registers a new session and attempts to attach the
// requested STT provider. The session is created even when the provider
// is unknown or fails to initialize; the returned error then describes
// why transcription is absent and the session runs audio-only.
func (m *Manager) CreateSession(ctx context.Context, sender Sender, providerID, language string) (string, error) {
	id := uuid.New().String()
	s := &session{
		id:         id,
		sender:     sender,
		providerID: providerID,
		language:   language,
		createdAt:  time.Now(),
	}

	sttErr := m.attachProvider(ctx, s)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.RecordSessionStart()
	m.logger.Info().
		Str("sessionId", id).
		Str("provider", providerID).
		Str("language", language).
		Bool("sttActive", s.provider != nil).
		Msg("Session created")

	return id, sttErr
}

func (m *Manager) attachProvider(ctx context.Context, s *session) error {
	provider, err := m.registry.New(s.providerID)
	if err != nil {
		if errors.Is(err, stt.ErrUnknownProvider) {
			m.metrics.SessionsWithoutSTT.Inc()
			m.logger.Warn().
				Str("sessionId", s.id).
				Str("provider", s.providerID).
				Msg("Unknown STT provider, continuing audio-only")
			return err
		}
		m.metrics.RecordProviderInitFailure(s.providerID)
		m.logger.Error().Err(err).
			Str("sessionId", s.id).
			Str("provider", s.providerID).
			Msg("STT provider construction failed, continuing audio-only")
		return err
	}

	onResult := func(r stt.Result) {
		m.deliver(s, r)
	}
	if err := provider.Initialize(ctx, s.language, onResult); err != nil {
		provider.Destroy()
		m.metrics.RecordProviderInitFailure(s.providerID)
		m.metrics.SessionsWithoutSTT.Inc()
		m.logger.Error().Err(err).
			Str("sessionId", s.id).
			Str("provider", s.providerID).
			Msg("STT provider initialization failed, continuing audio-only")
		return err
	}

	s.provider = provider
	return nil
}

// AddAudioChunk buffers one PCM16LE chunk for the session and forwards
// it to the provider. Chunks for unknown session ids are dropped
// silently. Per-chunk provider errors never reach the caller.
func (m *Manager) AddAudioChunk(ctx context.Context, sessionID string, chunk []byte) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		m.metrics.AudioChunksOrphaned.Inc()
		m.logger.Debug().Str("sessionId", sessionID).Msg("Dropping chunk for unknown session")
		return
	}

	s.appendChunk(chunk)
	m.metrics.RecordAudioReceived(len(chunk))

	if s.provider == nil {
		return
	}

	res, err := s.provider.ProcessAudio(ctx, chunk, "pcm")
	if err != nil {
		m.metrics.RecordProviderChunkError(s.providerID)
		m.logger.Warn().Err(err).
			Str("sessionId", s.id).
			Str("provider", s.providerID).
			Msg("STT chunk processing failed")
		return
	}
	if res != nil {
		m.deliver(s, *res)
	}
}

// deliver sends a transcript to the client and mirrors it to the event
// publisher. Send failures are logged only; a slow or gone client must
// not stall the audio path.
func (m *Manager) deliver(s *session, r stt.Result) {
	msg := protocol.NewTranscript(r.Text, r.IsFinal, r.Confidence)
	if err := s.sender.Send(msg); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", s.id).Msg("Transcript send failed")
	}
	m.metrics.RecordTranscript(r.IsFinal)

	if m.publisher != nil {
		event := events.TranscriptEvent{
			SessionID:  s.id,
			Text:       r.Text,
			IsFinal:    r.IsFinal,
			Confidence: r.Confidence,
			Language:   r.Language,
			Provider:   s.providerID,
			Timestamp:  msg.Timestamp,
		}
		if err := m.publisher.PublishTranscript(context.Background(), event); err != nil {
			m.logger.Warn().Err(err).Str("sessionId", s.id).Msg("Event publish failed")
		}
	}
}

// DestroySession finalizes the provider, persists the buffered audio
// and removes the session. Idempotent; the WAV file is written at most
// once. Teardown steps are independent: a failing step is logged and
// the rest still run.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	logger := m.logger.With().Str("sessionId", s.id).Logger()

	if s.provider != nil {
		res, err := s.provider.Finalize(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Provider finalize failed")
		} else if res != nil {
			m.deliver(s, *res)
		}
		if err := s.provider.Destroy(); err != nil {
			logger.Warn().Err(err).Msg("Provider destroy failed")
		}
	}

	chunks := s.takeChunks()
	path, err := m.persister.Write(s.id, chunks)
	switch {
	case errors.Is(err, wav.ErrNoAudio):
		logger.Info().Msg("No audio buffered, skipping recording")
	case err != nil:
		m.metrics.RecordingWriteErrors.Inc()
		logger.Error().Err(err).Msg("Recording write failed")
	default:
		total := 0
		for _, c := range chunks {
			total += len(c)
		}
		m.metrics.RecordRecordingWritten(total)
		logger.Info().Str("path", path).Int("payloadBytes", total).Msg("Recording written")
	}

	m.metrics.RecordSessionEnd(time.Since(s.createdAt).Seconds())
	logger.Info().Msg("Session destroyed")
}

// DestroyAll tears down every active session, for graceful shutdown.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DestroySession(ctx, id)
	}
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
