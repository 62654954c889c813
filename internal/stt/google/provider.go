// Package google implements a streaming-push STT provider using Google
// Cloud Speech-to-Text. Requires GOOGLE_APPLICATION_CREDENTIALS.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/stt"
)

// ErrNotInitialized is returned when audio arrives before Initialize.
var ErrNotInitialized = errors.New("google provider not initialized")

// Provider implements stt.Provider over a StreamingRecognize session.
type Provider struct {
	mu          sync.Mutex
	client      *speech.Client
	stream      speechpb.Speech_StreamingRecognizeClient
	cancel      context.CancelFunc
	cb          stt.ResultCallback
	language    string
	initialized bool
	closed      bool
	lastFinal   *stt.Result
	lastPartial *stt.Result
}

// New creates a provider with a fresh Speech client.
func New(ctx context.Context) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Provider{client: c}, nil
}

// Initialize opens a streaming recognition session for the language and
// sends the initial config. Re-initializing with the same language only
// updates the callback.
func (p *Provider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("google provider destroyed")
	}
	if p.initialized && p.language == language {
		p.cb = onResult
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := p.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open recognize stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: config.SampleRate,
					LanguageCode:    language,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("send streaming config: %w", err)
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.stream = stream
	p.cancel = cancel
	p.cb = onResult
	p.language = language
	p.initialized = true

	go p.listen(stream)
	return nil
}

func (p *Provider) listen(stream speechpb.Speech_StreamingRecognizeClient) {
	logger := logging.WithComponent("google-stt")

	for {
		resp, err := stream.Recv()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed && !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("Recognize stream ended")
			}
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}

			result := stt.Result{
				Text:       alt.Transcript,
				IsFinal:    r.IsFinal,
				Confidence: float64(alt.Confidence),
			}

			p.mu.Lock()
			result.Language = p.language
			if r.IsFinal {
				res := result
				p.lastFinal = &res
			} else {
				res := result
				p.lastPartial = &res
			}
			cb := p.cb
			p.mu.Unlock()

			if cb != nil {
				cb(result)
			}
		}
	}
}

// ProcessAudio sends a PCM16LE chunk down the recognize stream. Results
// arrive through the callback, so the return value is always nil.
func (p *Provider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.mu.Lock()
	stream := p.stream
	initialized := p.initialized
	p.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: buf,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send audio content: %w", err)
	}
	return nil, nil
}

// Finalize half-closes the stream and returns the last transcript seen,
// preferring a final over a partial.
func (p *Provider) Finalize(ctx context.Context) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.CloseSend(); err != nil {
			logger := logging.WithComponent("google-stt")
			logger.Warn().Err(err).Msg("CloseSend failed")
		}
	}
	if p.lastFinal != nil {
		return p.lastFinal, nil
	}
	return p.lastPartial, nil
}

// Destroy tears down the stream and the client. Safe to call more than
// once.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cb = nil
	if p.cancel != nil {
		p.cancel()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
