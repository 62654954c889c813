// Package deepgram implements a streaming-push STT provider over the
// Deepgram live transcription WebSocket API. Transcripts arrive
// exclusively through the result callback; ProcessAudio only forwards
// bytes.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/stt"
)

const defaultEndpoint = "wss://api.deepgram.com/v1/listen"

// ErrNotInitialized is returned when audio arrives before Initialize.
var ErrNotInitialized = errors.New("deepgram provider not initialized")

// langMap translates BCP-47 tags to Deepgram language codes.
var langMap = map[string]string{
	"ru": "ru", "ru-ru": "ru",
	"en": "en", "en-us": "en", "en-gb": "en",
	"tr": "tr", "tr-tr": "tr",
	"es": "es", "es-es": "es",
	"fr": "fr", "fr-fr": "fr",
	"de": "de", "de-de": "de",
	"it": "it", "it-it": "it",
	"pt": "pt", "pt-br": "pt",
	"ja": "ja", "ja-jp": "ja",
	"ko": "ko", "ko-kr": "ko",
	"zh": "zh", "zh-cn": "zh",
}

func languageCode(language string) string {
	if code, ok := langMap[strings.ToLower(language)]; ok {
		return code
	}
	return "en"
}

// transcriptMessage is the subset of the Deepgram result payload the
// provider consumes.
type transcriptMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Provider implements stt.Provider against the Deepgram live API.
type Provider struct {
	apiKey   string
	endpoint string

	mu          sync.Mutex
	conn        *websocket.Conn
	initialized bool
	open        bool
	closed      bool
	language    string
	cb          stt.ResultCallback
	pending     [][]byte // chunks queued until the backend connection opens
	lastFinal   *stt.Result
	lastPartial *stt.Result
	ready       chan struct{}
}

// New creates a Deepgram provider using the production endpoint.
func New(apiKey string) *Provider {
	return NewWithEndpoint(apiKey, defaultEndpoint)
}

// NewWithEndpoint creates a provider against a custom endpoint.
func NewWithEndpoint(apiKey, endpoint string) *Provider {
	return &Provider{
		apiKey:   apiKey,
		endpoint: endpoint,
		ready:    make(chan struct{}),
	}
}

// Initialize dials the live transcription endpoint asynchronously and
// registers the result callback. Chunks arriving before the connection
// opens are queued and flushed on open. Re-initializing with the same
// language only updates the callback.
func (p *Provider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.language == language {
		p.cb = onResult
		return nil
	}
	if p.apiKey == "" {
		return errors.New("deepgram API key is not set")
	}

	// New language: tear down any previous connection and dial fresh.
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.open = false
	}
	if p.initialized {
		p.ready = make(chan struct{})
	}
	p.language = language
	p.cb = onResult
	p.initialized = true

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("language", languageCode(language))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", "300")
	u.RawQuery = q.Encode()

	go p.dial(u.String(), p.ready)
	return nil
}

func (p *Provider) dial(wsURL string, ready chan struct{}) {
	logger := logging.WithComponent("deepgram")

	header := http.Header{"Authorization": {"Token " + p.apiKey}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		logger.Error().Err(err).Msg("Deepgram dial failed")
		return
	}

	p.mu.Lock()
	// A re-initialize may have superseded this dial.
	if p.closed || p.ready != ready {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.open = true
	pending := p.pending
	p.pending = nil
	close(ready)
	p.mu.Unlock()

	logger.Info().Int("queued", len(pending)).Msg("Deepgram connection opened")

	for _, chunk := range pending {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			logger.Error().Err(err).Msg("Flushing queued audio failed")
			break
		}
	}

	go p.readPump(conn)
}

func (p *Provider) readPump(conn *websocket.Conn) {
	logger := logging.WithComponent("deepgram")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.open = false
			p.mu.Unlock()
			if !closed {
				logger.Warn().Err(err).Msg("Deepgram connection closed unexpectedly")
			}
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug().Err(err).Msg("Skipping unparseable Deepgram message")
			continue
		}
		if msg.Type == "Metadata" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}

		result := stt.Result{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		}

		p.mu.Lock()
		result.Language = p.language
		if msg.IsFinal {
			r := result
			p.lastFinal = &r
		} else {
			r := result
			p.lastPartial = &r
		}
		cb := p.cb
		p.mu.Unlock()

		if cb != nil {
			cb(result)
		}
	}
}

// ProcessAudio forwards a PCM16LE chunk to the live connection. Chunks
// arriving before the connection is open are queued; results always
// arrive through the callback, so the return value is nil.
func (p *Provider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("deepgram provider destroyed")
	}
	if !p.initialized {
		return nil, ErrNotInitialized
	}
	if !p.open {
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		p.pending = append(p.pending, chunk)
		return nil, nil
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return nil, fmt.Errorf("write audio to deepgram: %w", err)
	}
	return nil, nil
}

// Finalize asks the backend to flush and returns the last transcript
// seen, preferring a final over a partial.
func (p *Provider) Finalize(ctx context.Context) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open && p.conn != nil {
		msg := []byte(`{"type":"CloseStream"}`)
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger := logging.WithComponent("deepgram")
			logger.Warn().Err(err).Msg("CloseStream send failed")
		}
	}
	if p.lastFinal != nil {
		return p.lastFinal, nil
	}
	return p.lastPartial, nil
}

// Destroy closes the live connection. Safe to call more than once.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.open = false
	p.cb = nil
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Ready is closed once the backend connection has opened.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}
