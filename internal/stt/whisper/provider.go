// Package whisper implements a buffered STT provider backed by the
// OpenAI Whisper transcription API. Audio accumulates locally and is
// posted in multi-second windows; each window yields a partial
// transcript, the remainder at Finalize yields the final one.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
	"github.com/sashabaranov/go-openai"

	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/stt"
)

// ErrNotInitialized is returned when audio arrives before Initialize.
var ErrNotInitialized = errors.New("whisper provider not initialized")

// windowBytes is the amount of PCM16LE audio accumulated before a
// recognition request is made: two seconds at the pipeline format.
const windowBytes = 2 * config.SampleRate * (config.BitDepth / 8) * config.Channels

// Provider implements stt.Provider against the Whisper API.
type Provider struct {
	client *openai.Client

	mu          sync.Mutex
	language    string
	initialized bool
	pending     []byte
}

// New creates a provider using the given API key.
func New(apiKey string) *Provider {
	return NewWithBaseURL(apiKey, "")
}

// NewWithBaseURL creates a provider pointed at an alternate API
// endpoint. An empty baseURL keeps the default.
func NewWithBaseURL(apiKey, baseURL string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: openai.NewClientWithConfig(cfg)}
}

// languageCode maps a BCP 47 tag to the bare code Whisper expects:
// "ru-RU" becomes "ru".
func languageCode(language string) string {
	code, _, _ := strings.Cut(language, "-")
	return strings.ToLower(code)
}

// Initialize records the recognition language. Re-initializing with the
// same language keeps the accumulated audio; a language switch discards
// it.
func (p *Provider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	code := languageCode(language)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.language == code {
		return nil
	}

	p.language = code
	p.initialized = true
	p.pending = nil
	logger := logging.WithComponent("whisper")
	logger.Info().Str("language", code).Msg("Whisper provider initialized")
	return nil
}

// ProcessAudio accumulates the chunk. Once a full window has been
// buffered it is transcribed and returned as a partial result; shorter
// accumulations return nil.
func (p *Provider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}
	p.pending = append(p.pending, buf...)
	if len(p.pending) < windowBytes {
		p.mu.Unlock()
		return nil, nil
	}
	window := p.pending
	p.pending = nil
	language := p.language
	p.mu.Unlock()

	return p.transcribe(ctx, window, language, false)
}

// Finalize transcribes whatever audio is still buffered and returns it
// as the final result.
func (p *Provider) Finalize(ctx context.Context) (*stt.Result, error) {
	p.mu.Lock()
	remainder := p.pending
	language := p.language
	initialized := p.initialized
	p.pending = nil
	p.mu.Unlock()

	if !initialized || len(remainder) == 0 {
		return nil, nil
	}
	return p.transcribe(ctx, remainder, language, true)
}

// Destroy drops buffered audio and marks the provider unusable.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.initialized = false
	return nil
}

// transcribe uploads one PCM segment as a WAV file and maps the API
// response to a result. Empty transcriptions map to nil.
func (p *Provider) transcribe(ctx context.Context, pcm []byte, language string, isFinal bool) (*stt.Result, error) {
	path, err := writeTempWAV(pcm)
	if err != nil {
		return nil, fmt.Errorf("stage audio for transcription: %w", err)
	}
	defer os.Remove(path)

	req := openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
	}
	// English needs no hint; anything else gets the bare code.
	if language != "en" {
		req.Language = language
	}

	resp, err := p.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return &stt.Result{
		Text:     text,
		IsFinal:  isFinal,
		Language: language,
	}, nil
}

// writeTempWAV encodes the PCM segment as a temporary WAV file the API
// client can upload. The caller removes the file.
func writeTempWAV(pcm []byte) (string, error) {
	f, err := os.CreateTemp("", "whisper-*.wav")
	if err != nil {
		return "", err
	}

	samples := make([]int, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		samples = append(samples, int(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)))
	}

	enc := gowav.NewEncoder(f, config.SampleRate, config.BitDepth, config.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: config.Channels, SampleRate: config.SampleRate},
		Data:           samples,
		SourceBitDepth: config.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
