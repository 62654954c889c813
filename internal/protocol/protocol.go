// Package protocol defines the JSON wire protocol exchanged between the
// capture client and the transcription server over a persistent
// WebSocket connection.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeStop  = "stop"
)

// Server → client message types.
const (
	TypeStatus  = "status"
	TypePartial = "partial"
	TypeFinal   = "final"
	TypeError   = "error"
)

// Session statuses carried by status messages.
const (
	StatusConnected  = "connected"
	StatusRecording  = "recording"
	StatusProcessing = "processing"
	StatusIdle       = "idle"
)

// Error codes carried by error messages.
const (
	CodeSTTUnavailable     = "STT_UNAVAILABLE"
	CodeProcessingError    = "PROCESSING_ERROR"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeNoSession          = "NO_SESSION"
)

var (
	// ErrUnknownType is returned for messages whose type tag is not part
	// of the protocol.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingSessionID is returned for audio or stop messages that do
	// not carry a session id.
	ErrMissingSessionID = errors.New("message has no sessionId")
)

// ClientMessage is the tagged variant sent from client to server:
// start, audio or stop.
type ClientMessage struct {
	Type string `json:"type"`

	// start
	Language string `json:"language,omitempty"`
	Platform string `json:"platform,omitempty"`

	// audio and stop
	SessionID string `json:"sessionId,omitempty"`

	// audio
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Chunk      string `json:"chunk,omitempty"` // base64 PCM16LE
	Format     string `json:"format,omitempty"`
}

// ServerMessage is the tagged variant sent from server to client:
// status, partial, final or error.
type ServerMessage struct {
	Type string `json:"type"`

	// status
	Status    string `json:"status,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// partial and final
	Text       string   `json:"text,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewStart builds a session-start message.
func NewStart(language, platform string) ClientMessage {
	return ClientMessage{Type: TypeStart, Language: language, Platform: platform}
}

// NewAudio builds an audio data message with the chunk base64-encoded.
func NewAudio(sessionID string, pcm []byte) ClientMessage {
	return ClientMessage{
		Type:       TypeAudio,
		SessionID:  sessionID,
		SampleRate: 16000,
		Channels:   1,
		Chunk:      base64.StdEncoding.EncodeToString(pcm),
		Format:     "pcm",
	}
}

// NewStop builds a session-stop message.
func NewStop(sessionID string) ClientMessage {
	return ClientMessage{Type: TypeStop, SessionID: sessionID}
}

// NewStatus builds a status message.
func NewStatus(status, sessionID string) ServerMessage {
	return ServerMessage{Type: TypeStatus, Status: status, SessionID: sessionID}
}

// NewTranscript builds a partial or final transcript message.
func NewTranscript(text string, isFinal bool, confidence float64) ServerMessage {
	t := TypePartial
	if isFinal {
		t = TypeFinal
	}
	return ServerMessage{
		Type:       t,
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
		Confidence: &confidence,
	}
}

// NewError builds an error message.
func NewError(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// DecodeClientMessage parses and validates an inbound client message.
// Audio messages without a session id are rejected; the caller is
// expected to drop them without tearing down the connection.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}

	switch msg.Type {
	case TypeStart:
	case TypeAudio, TypeStop:
		if msg.SessionID == "" {
			return nil, ErrMissingSessionID
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}

// DecodeServerMessage parses an inbound server message.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	switch msg.Type {
	case TypeStatus, TypePartial, TypeFinal, TypeError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}

// DecodeChunk decodes the base64 PCM payload of an audio message.
func (m *ClientMessage) DecodeChunk() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Chunk)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return pcm, nil
}
