// Package mock provides a deterministic STT provider for tests and
// local development without backend credentials. It follows the
// buffered provider shape: progressive partial transcripts are returned
// synchronously from ProcessAudio and exactly one final transcript from
// Finalize.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/sanchopanda/livescribe/internal/stt"
)

// SimulatedUtterance is a canned utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"so as I", "so as I was", "so as I was saying"},
		Final:      "so as I was saying earlier",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"let's move", "let's move on to"},
		Final:      "let's move on to the next item",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"can everyone", "can everyone see my"},
		Final:      "can everyone see my screen",
		Confidence: 0.91,
	},
}

var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// ErrDestroyed is returned for calls after Destroy.
var ErrDestroyed = errors.New("mock provider destroyed")

// Provider implements stt.Provider with canned responses.
type Provider struct {
	mu           sync.Mutex
	language     string
	initialized  bool
	destroyed    bool
	cb           stt.ResultCallback
	utterance    SimulatedUtterance
	partialIndex int
	chunks       int
	finalSent    bool
}

// New creates a mock provider, cycling through DefaultUtterances.
func New() *Provider {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Provider{utterance: DefaultUtterances[idx]}
}

// Initialize records the language and callback. Re-initializing with
// the same language only updates the callback.
func (p *Provider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}
	if p.initialized && p.language == language {
		p.cb = onResult
		return nil
	}

	p.language = language
	p.cb = onResult
	p.initialized = true
	p.partialIndex = 0
	p.chunks = 0
	p.finalSent = false
	return nil
}

// ProcessAudio returns the next progressive partial, one per chunk,
// until the utterance is exhausted.
func (p *Provider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrDestroyed
	}
	if !p.initialized {
		return nil, errors.New("mock provider not initialized")
	}

	p.chunks++
	if p.partialIndex < len(p.utterance.Partials) {
		text := p.utterance.Partials[p.partialIndex]
		p.partialIndex++
		return &stt.Result{Text: text, IsFinal: false, Language: p.language}, nil
	}
	return nil, nil
}

// Finalize returns the final transcript, once, if any audio was seen.
func (p *Provider) Finalize(ctx context.Context) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed || p.finalSent || p.chunks == 0 {
		return nil, nil
	}
	p.finalSent = true
	return &stt.Result{
		Text:       p.utterance.Final,
		IsFinal:    true,
		Confidence: p.utterance.Confidence,
		Language:   p.language,
	}, nil
}

// Destroy marks the provider unusable.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	p.cb = nil
	return nil
}
