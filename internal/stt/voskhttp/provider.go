// Package voskhttp implements a buffered STT provider backed by a
// sidecar Vosk recognition service over HTTP. The sidecar keeps the
// recognizer state; this provider is a thin JSON client around it.
package voskhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/stt"
)

// ErrNotInitialized is returned when audio arrives before Initialize.
var ErrNotInitialized = errors.New("vosk provider not initialized")

type processRequest struct {
	Language   string `json:"language"`
	Chunk      string `json:"chunk"`
	SampleRate int    `json:"sample_rate"`
}

type languageRequest struct {
	Language string `json:"language"`
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// Provider implements stt.Provider against the Vosk sidecar.
type Provider struct {
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	language    string
	initialized bool
}

// New creates a provider for the sidecar at baseURL.
func New(baseURL string) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Initialize asks the sidecar to load the model for the language.
// Re-initializing with the same language is a no-op.
func (p *Provider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.language == language {
		return nil
	}

	if err := p.post(ctx, "/initialize", languageRequest{Language: language}, nil); err != nil {
		return fmt.Errorf("initialize vosk service: %w", err)
	}

	p.language = language
	p.initialized = true
	logger := logging.WithComponent("voskhttp")
	logger.Info().Str("language", language).Msg("Vosk service initialized")
	return nil
}

// ProcessAudio posts one PCM16LE chunk to the sidecar and returns its
// recognition result, or nil when nothing was recognized yet.
func (p *Provider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.mu.Lock()
	language := p.language
	initialized := p.initialized
	p.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	req := processRequest{
		Language:   language,
		Chunk:      base64.StdEncoding.EncodeToString(buf),
		SampleRate: config.SampleRate,
	}
	var resp recognizeResponse
	if err := p.post(ctx, "/process", req, &resp); err != nil {
		return nil, fmt.Errorf("process audio chunk: %w", err)
	}
	return toResult(resp, language, resp.IsFinal), nil
}

// Finalize flushes the sidecar recognizer and returns the remaining
// transcript, if any.
func (p *Provider) Finalize(ctx context.Context) (*stt.Result, error) {
	p.mu.Lock()
	language := p.language
	initialized := p.initialized
	p.mu.Unlock()

	if !initialized {
		return nil, nil
	}

	var resp recognizeResponse
	if err := p.post(ctx, "/finalize", languageRequest{Language: language}, &resp); err != nil {
		return nil, fmt.Errorf("finalize recognizer: %w", err)
	}
	return toResult(resp, language, true), nil
}

// Destroy resets the sidecar recognizer. Reset failures are logged and
// swallowed; cleanup must not fail the session teardown.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	language := p.language
	initialized := p.initialized
	p.initialized = false
	p.mu.Unlock()

	if !initialized {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.post(ctx, "/reset", languageRequest{Language: language}, nil); err != nil {
		logger := logging.WithComponent("voskhttp")
		logger.Warn().Err(err).Msg("Recognizer reset failed")
	}
	return nil
}

// toResult takes the language captured under the provider mutex so the
// result matches the request even if a concurrent Initialize switches
// languages mid-flight.
func toResult(resp recognizeResponse, language string, isFinal bool) *stt.Result {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil
	}
	return &stt.Result{
		Text:       text,
		IsFinal:    isFinal,
		Confidence: resp.Confidence,
		Language:   language,
	}
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("vosk service %s: %s", path, apiErr.Detail)
		}
		return fmt.Errorf("vosk service %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
