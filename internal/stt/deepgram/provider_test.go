package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sanchopanda/livescribe/internal/stt"
)

// fakeBackend accepts one live connection, records received binary
// frames and replays canned result payloads.
type fakeBackend struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames [][]byte
	texts  []string
	conn   *websocket.Conn
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade failed: %v", err)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		if mt == websocket.BinaryMessage {
			b.frames = append(b.frames, data)
		} else {
			b.texts = append(b.texts, string(data))
		}
		b.mu.Unlock()
	}
}

func (b *fakeBackend) send(payload string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.t.Fatal("no backend connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		b.t.Fatalf("backend write failed: %v", err)
	}
}

func startBackend(t *testing.T) (*fakeBackend, string) {
	b := &fakeBackend{t: t}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitReady(t *testing.T, p *Provider) {
	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never opened")
	}
}

func TestProvider_QueuesBeforeOpenAndFlushes(t *testing.T) {
	backend, url := startBackend(t)
	p := NewWithEndpoint("test-key", url)
	defer p.Destroy()

	if err := p.Initialize(context.Background(), "en-US", nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	// Sent before the dial goroutine can possibly finish or after; either
	// way every byte must reach the backend.
	if _, err := p.ProcessAudio(context.Background(), []byte{1, 2, 3, 4}, "pcm"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	waitReady(t, p)
	if _, err := p.ProcessAudio(context.Background(), []byte{5, 6}, "pcm"); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		var total int
		for _, f := range backend.frames {
			total += len(f)
		}
		backend.mu.Unlock()
		if total == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 6 audio bytes at backend, got %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProvider_PushesResultsToCallback(t *testing.T) {
	backend, url := startBackend(t)
	p := NewWithEndpoint("test-key", url)
	defer p.Destroy()

	results := make(chan stt.Result, 4)
	err := p.Initialize(context.Background(), "en-US", func(r stt.Result) {
		results <- r
	})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	waitReady(t, p)

	backend.send(`{"is_final":false,"channel":{"alternatives":[{"transcript":"hello wor","confidence":0.8}]}}`)
	backend.send(`{"is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.95}]}}`)

	partial := <-results
	if partial.IsFinal || partial.Text != "hello wor" {
		t.Errorf("unexpected partial: %+v", partial)
	}
	final := <-results
	if !final.IsFinal || final.Text != "hello world" || final.Confidence != 0.95 {
		t.Errorf("unexpected final: %+v", final)
	}

	res, err := p.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if res == nil || res.Text != "hello world" {
		t.Errorf("expected finalize to return last final, got %+v", res)
	}
}

func TestProvider_IgnoresEmptyAndMetadataMessages(t *testing.T) {
	backend, url := startBackend(t)
	p := NewWithEndpoint("test-key", url)
	defer p.Destroy()

	results := make(chan stt.Result, 4)
	p.Initialize(context.Background(), "en-US", func(r stt.Result) {
		results <- r
	})
	waitReady(t, p)

	backend.send(`{"type":"Metadata","duration":1.5}`)
	backend.send(`{"is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`)
	backend.send(`{"is_final":true,"channel":{"alternatives":[{"transcript":"ok","confidence":0.9}]}}`)

	got := <-results
	if got.Text != "ok" {
		t.Errorf("expected only the non-empty transcript, got %+v", got)
	}
}

func TestProvider_FinalizeSendsCloseStream(t *testing.T) {
	backend, url := startBackend(t)
	p := NewWithEndpoint("test-key", url)
	defer p.Destroy()

	p.Initialize(context.Background(), "en-US", nil)
	waitReady(t, p)

	if _, err := p.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		n := len(backend.texts)
		backend.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("CloseStream never reached backend")
		}
		time.Sleep(10 * time.Millisecond)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !strings.Contains(backend.texts[0], "CloseStream") {
		t.Errorf("expected CloseStream message, got %q", backend.texts[0])
	}
}

func TestProvider_RequiresAPIKey(t *testing.T) {
	p := NewWithEndpoint("", "ws://localhost:1")
	if err := p.Initialize(context.Background(), "en-US", nil); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestLanguageCode(t *testing.T) {
	cases := map[string]string{
		"ru-RU":   "ru",
		"en-US":   "en",
		"tr":      "tr",
		"pt-BR":   "pt",
		"unknown": "en",
	}
	for in, want := range cases {
		if got := languageCode(in); got != want {
			t.Errorf("languageCode(%q) = %q, want %q", in, got, want)
		}
	}
}
