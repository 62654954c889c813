// Package orchestrator drives the client recording lifecycle: it wires
// the capture source to the server transport and tracks the protocol
// state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sanchopanda/livescribe/internal/client/capture"
	"github.com/sanchopanda/livescribe/internal/client/transport"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/protocol"
)

// State is the client lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStarting
	StateRecording
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrRecordingInProgress is returned by Start while a recording is
// already active.
var ErrRecordingInProgress = errors.New("recording already in progress")

// startTimeout bounds the wait for the server to acknowledge a start.
const startTimeout = 10 * time.Second

// Transport is the server link the orchestrator drives.
type Transport interface {
	Connect() error
	Send(msg protocol.ClientMessage) error
	Close() error
	Messages() <-chan protocol.ServerMessage
	Events() <-chan transport.Event
}

// AudioSource produces PCM16 frames to stream.
type AudioSource interface {
	Start() error
	Stop() error
	Frames() <-chan []int16
}

// Orchestrator coordinates one transport and one audio source through
// repeated record/stop cycles.
type Orchestrator struct {
	transport    Transport
	source       AudioSource
	language     string
	onState      func(State)
	onTranscript func(protocol.ServerMessage)
	logger       zerolog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	stopFrame chan struct{}

	recordingCh chan string
	pumpOnce    sync.Once
}

// New creates an Orchestrator. Both callbacks may be nil.
func New(t Transport, source AudioSource, language string, onState func(State), onTranscript func(protocol.ServerMessage)) *Orchestrator {
	return &Orchestrator{
		transport:    t,
		source:       source,
		language:     language,
		onState:      onState,
		onTranscript: onTranscript,
		logger:       logging.WithComponent("orchestrator"),
		state:        StateIdle,
		recordingCh:  make(chan string, 1),
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the active session id, if recording.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.mu.Unlock()

	o.logger.Info().Str("state", s.String()).Msg("State changed")
	if o.onState != nil {
		o.onState(s)
	}
}

// Start connects, requests a session and begins streaming audio. A
// failure at any step aborts the whole sequence and reports StateError.
// Only one recording may be active at a time.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle && o.state != StateError {
		o.mu.Unlock()
		return ErrRecordingInProgress
	}
	o.state = StateConnecting
	o.mu.Unlock()
	if o.onState != nil {
		o.onState(StateConnecting)
	}

	if err := o.transport.Connect(); err != nil {
		o.setState(StateError)
		return fmt.Errorf("connect to server: %w", err)
	}
	o.pumpOnce.Do(func() { go o.pump() })

	o.setState(StateStarting)
	select {
	case <-o.recordingCh: // drop a stale ack from a previous cycle
	default:
	}
	if err := o.transport.Send(protocol.NewStart(o.language, "cli")); err != nil {
		o.setState(StateError)
		return fmt.Errorf("send start: %w", err)
	}

	var sessionID string
	select {
	case sessionID = <-o.recordingCh:
	case <-time.After(startTimeout):
		o.setState(StateError)
		return errors.New("server did not acknowledge start")
	case <-ctx.Done():
		o.setState(StateError)
		return ctx.Err()
	}

	if err := o.source.Start(); err != nil {
		o.transport.Send(protocol.NewStop(sessionID))
		o.setState(StateError)
		return fmt.Errorf("start audio capture: %w", err)
	}

	stop := make(chan struct{})
	o.mu.Lock()
	o.sessionID = sessionID
	o.stopFrame = stop
	o.mu.Unlock()

	go o.forwardFrames(sessionID, stop)
	o.setState(StateRecording)
	return nil
}

// forwardFrames streams captured frames as audio messages until
// stopped.
func (o *Orchestrator) forwardFrames(sessionID string, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-o.source.Frames():
			if !ok {
				return
			}
			pcm := capture.Int16ToBytes(frame)
			if err := o.transport.Send(protocol.NewAudio(sessionID, pcm)); err != nil {
				o.logger.Warn().Err(err).Msg("Audio send failed")
			}
		}
	}
}

// Stop ends the active recording. Best-effort: capture is stopped and
// the stop message sent even if one of the steps fails.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	sessionID := o.sessionID
	stop := o.stopFrame
	o.sessionID = ""
	o.stopFrame = nil
	o.mu.Unlock()
	if o.onState != nil {
		o.onState(StateStopping)
	}

	if stop != nil {
		close(stop)
	}

	var firstErr error
	if err := o.source.Stop(); err != nil {
		o.logger.Warn().Err(err).Msg("Capture stop failed")
		firstErr = err
	}
	if err := o.transport.Send(protocol.NewStop(sessionID)); err != nil {
		o.logger.Warn().Err(err).Msg("Stop message send failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	o.setState(StateIdle)
	return firstErr
}

// Shutdown stops any active recording and closes the transport.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop(ctx)
	return o.transport.Close()
}

// pump routes server messages and transport events for the lifetime of
// the orchestrator.
func (o *Orchestrator) pump() {
	messages := o.transport.Messages()
	events := o.transport.Events()

	for messages != nil || events != nil {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			o.handleMessage(msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeStatus:
		// The start ack is the connected status that carries a session
		// id; the greeting on connect carries none.
		if msg.Status == protocol.StatusConnected && msg.SessionID != "" {
			select {
			case o.recordingCh <- msg.SessionID:
			default:
			}
		}
	case protocol.TypePartial, protocol.TypeFinal:
		if o.onTranscript != nil {
			o.onTranscript(msg)
		}
	case protocol.TypeError:
		o.logger.Warn().
			Str("code", msg.Code).
			Str("message", msg.Message).
			Msg("Server error")
	}
}

// handleEvent reacts to transport state changes. A reconnect
// invalidates the server-side session, so an active recording stops
// implicitly.
func (o *Orchestrator) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReconnected:
		o.mu.Lock()
		recording := o.state == StateRecording
		stop := o.stopFrame
		o.sessionID = ""
		o.stopFrame = nil
		o.mu.Unlock()

		if recording {
			o.logger.Warn().Msg("Reconnected mid-recording, stopping capture")
			if stop != nil {
				close(stop)
			}
			if err := o.source.Stop(); err != nil {
				o.logger.Warn().Err(err).Msg("Capture stop failed")
			}
			o.setState(StateIdle)
		}
	case transport.EventFailed:
		o.logger.Error().Err(ev.Err).Msg("Transport failed")
		o.mu.Lock()
		recording := o.state == StateRecording
		stop := o.stopFrame
		o.stopFrame = nil
		o.mu.Unlock()
		if recording {
			if stop != nil {
				close(stop)
			}
			o.source.Stop()
		}
		o.setState(StateError)
	}
}
