// Package stt defines the contract for pluggable speech-to-text
// providers and the registry used to select one at session start.
//
// Two provider shapes hide behind the one interface. Buffered providers
// return results synchronously from ProcessAudio once enough audio has
// accumulated. Streaming-push providers forward bytes to a backend and
// deliver results exclusively through the callback registered at
// Initialize; their ProcessAudio always returns nil.
package stt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Result is a single transcription result.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Language   string
}

// ResultCallback receives asynchronously pushed results from a
// streaming provider.
type ResultCallback func(Result)

// Provider is the uniform contract over heterogeneous STT backends.
type Provider interface {
	// Initialize prepares the provider for the given language and
	// registers the result callback. Calling it again with the same
	// language is a no-op apart from updating the callback.
	Initialize(ctx context.Context, language string, onResult ResultCallback) error

	// ProcessAudio forwards a PCM16LE chunk. Buffered providers may
	// return a result; streaming providers always return nil.
	ProcessAudio(ctx context.Context, buf []byte, format string) (*Result, error)

	// Finalize flushes any remainder and returns the last final result,
	// if one is available.
	Finalize(ctx context.Context) (*Result, error)

	// Destroy releases all provider resources.
	Destroy() error
}

// ErrUnknownProvider is returned by a Registry for unrecognized
// provider identifiers.
var ErrUnknownProvider = errors.New("unknown STT provider")

// Factory constructs a provider instance for one session.
type Factory func() (Provider, error)

// Registry maps provider identifiers to factories. Selection happens
// once per session; providers never read their identity ambiently.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given identifier, replacing any
// previous registration.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New constructs a provider for the identifier. An unrecognized
// identifier is a configuration error for the session; the caller is
// expected to continue in audio-only mode.
func (r *Registry) New(id string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return f()
}

// IDs returns the registered provider identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
