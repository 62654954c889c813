package voskhttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sanchopanda/livescribe/internal/stt"
)

// fakeSidecar records requests per endpoint and returns canned
// recognition responses.
type fakeSidecar struct {
	mu        sync.Mutex
	initCalls []string
	chunks    [][]byte
	resets    int

	processResponse  recognizeResponse
	finalizeResponse recognizeResponse
	initStatus       int

	// When set, /process signals arrival on processStarted and holds
	// the response until processGate is closed.
	processStarted chan struct{}
	processGate    chan struct{}
}

func (s *fakeSidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/process" {
		var req processRequest
		json.NewDecoder(r.Body).Decode(&req)
		raw, _ := base64.StdEncoding.DecodeString(req.Chunk)

		s.mu.Lock()
		s.chunks = append(s.chunks, raw)
		resp := s.processResponse
		started := s.processStarted
		gate := s.processGate
		s.processStarted = nil
		s.mu.Unlock()

		if started != nil {
			close(started)
		}
		if gate != nil {
			<-gate
		}
		json.NewEncoder(w).Encode(resp)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case "/initialize":
		var req languageRequest
		json.NewDecoder(r.Body).Decode(&req)
		s.initCalls = append(s.initCalls, req.Language)
		if s.initStatus != 0 {
			w.WriteHeader(s.initStatus)
			json.NewEncoder(w).Encode(map[string]string{"detail": "model not found"})
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/finalize":
		json.NewEncoder(w).Encode(s.finalizeResponse)
	case "/reset":
		s.resets++
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startSidecar(t *testing.T) (*fakeSidecar, *Provider) {
	s := &fakeSidecar{}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, New(srv.URL)
}

func TestProvider_ProcessAudio(t *testing.T) {
	sidecar, p := startSidecar(t)
	sidecar.processResponse = recognizeResponse{Text: " hello there ", IsFinal: false, Confidence: 0.8}
	ctx := context.Background()

	if err := p.Initialize(ctx, "ru", nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	res, err := p.ProcessAudio(ctx, []byte{1, 2, 3, 4}, "pcm")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res == nil || res.Text != "hello there" || res.IsFinal {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Language != "ru" {
		t.Errorf("expected language ru, got %q", res.Language)
	}

	sidecar.mu.Lock()
	defer sidecar.mu.Unlock()
	if len(sidecar.chunks) != 1 || len(sidecar.chunks[0]) != 4 {
		t.Errorf("expected one 4-byte chunk at sidecar, got %v", sidecar.chunks)
	}
}

func TestProvider_EmptyTextIsNilResult(t *testing.T) {
	sidecar, p := startSidecar(t)
	sidecar.processResponse = recognizeResponse{Text: "  "}
	ctx := context.Background()

	p.Initialize(ctx, "en", nil)
	res, err := p.ProcessAudio(ctx, []byte{0, 0}, "pcm")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for empty text, got %+v", res)
	}
}

func TestProvider_FinalizeAlwaysFinal(t *testing.T) {
	sidecar, p := startSidecar(t)
	sidecar.finalizeResponse = recognizeResponse{Text: "the end", Confidence: 0.9}
	ctx := context.Background()

	p.Initialize(ctx, "en", nil)
	res, err := p.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if res == nil || !res.IsFinal || res.Text != "the end" {
		t.Errorf("expected final result, got %+v", res)
	}
}

func TestProvider_ResultLanguageMatchesRequest(t *testing.T) {
	sidecar, p := startSidecar(t)
	sidecar.processResponse = recognizeResponse{Text: "privet", Confidence: 0.7}
	started := make(chan struct{})
	gate := make(chan struct{})
	sidecar.processStarted = started
	sidecar.processGate = gate
	ctx := context.Background()

	if err := p.Initialize(ctx, "ru", nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	results := make(chan *stt.Result, 1)
	go func() {
		res, err := p.ProcessAudio(ctx, []byte{1, 2}, "pcm")
		if err != nil {
			t.Errorf("process failed: %v", err)
		}
		results <- res
	}()

	// Switch languages while the chunk is still in flight.
	<-started
	if err := p.Initialize(ctx, "en", nil); err != nil {
		t.Fatalf("re-initialize failed: %v", err)
	}
	close(gate)

	res := <-results
	if res == nil || res.Language != "ru" {
		t.Fatalf("expected result tagged with the request language ru, got %+v", res)
	}
}

func TestProvider_InitializeIdempotent(t *testing.T) {
	sidecar, p := startSidecar(t)
	ctx := context.Background()

	p.Initialize(ctx, "en", nil)
	p.Initialize(ctx, "en", nil)
	p.Initialize(ctx, "ru", nil)

	sidecar.mu.Lock()
	defer sidecar.mu.Unlock()
	if len(sidecar.initCalls) != 2 {
		t.Errorf("expected 2 sidecar initializations, got %v", sidecar.initCalls)
	}
}

func TestProvider_InitializeSurfacesDetail(t *testing.T) {
	sidecar, p := startSidecar(t)
	sidecar.initStatus = http.StatusBadRequest

	err := p.Initialize(context.Background(), "xx", nil)
	if err == nil {
		t.Fatal("expected initialization error")
	}
}

func TestProvider_DestroyResetsRecognizer(t *testing.T) {
	sidecar, p := startSidecar(t)
	ctx := context.Background()

	p.Initialize(ctx, "en", nil)
	if err := p.Destroy(); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	sidecar.mu.Lock()
	defer sidecar.mu.Unlock()
	if sidecar.resets != 1 {
		t.Errorf("expected 1 reset, got %d", sidecar.resets)
	}

	if _, err := p.ProcessAudio(ctx, []byte{1, 2}, "pcm"); err == nil {
		t.Error("expected error processing after destroy")
	}
}

func TestProvider_ProcessBeforeInitialize(t *testing.T) {
	_, p := startSidecar(t)

	if _, err := p.ProcessAudio(context.Background(), []byte{1, 2}, "pcm"); err == nil {
		t.Error("expected ErrNotInitialized")
	}
}
