package server

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sanchopanda/livescribe/internal/protocol"
	"github.com/sanchopanda/livescribe/internal/session"
	"github.com/sanchopanda/livescribe/internal/stt"
	"github.com/sanchopanda/livescribe/internal/wav"
)

type fixture struct {
	dir     string
	manager *session.Manager
	conn    *websocket.Conn
}

// echoProvider returns one partial per chunk and a final on Finalize.
type echoProvider struct {
	chunks int
}

func (p *echoProvider) Initialize(ctx context.Context, language string, onResult stt.ResultCallback) error {
	return nil
}

func (p *echoProvider) ProcessAudio(ctx context.Context, buf []byte, format string) (*stt.Result, error) {
	p.chunks++
	return &stt.Result{Text: "partial", IsFinal: false}, nil
}

func (p *echoProvider) Finalize(ctx context.Context) (*stt.Result, error) {
	if p.chunks == 0 {
		return nil, nil
	}
	return &stt.Result{Text: "final", IsFinal: true, Confidence: 0.9}, nil
}

func (p *echoProvider) Destroy() error { return nil }

func newFixture(t *testing.T, providerID string, registry *stt.Registry) *fixture {
	t.Helper()
	dir := t.TempDir()
	manager := session.NewManager(registry, wav.NewPersister(dir, 16000, 1), nil)
	handler := NewHandler(manager, providerID, "en-US")

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &fixture{dir: dir, manager: manager, conn: conn}
}

func (f *fixture) read(t *testing.T) protocol.ServerMessage {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	if err := f.conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func (f *fixture) send(t *testing.T, msg protocol.ClientMessage) {
	t.Helper()
	if err := f.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (f *fixture) expectStatus(t *testing.T, status string) protocol.ServerMessage {
	t.Helper()
	msg := f.read(t)
	if msg.Type != protocol.TypeStatus || msg.Status != status {
		t.Fatalf("expected status %q, got %+v", status, msg)
	}
	return msg
}

// expectStartAck reads the start acknowledgement: a connected status
// carrying the new session id.
func (f *fixture) expectStartAck(t *testing.T) protocol.ServerMessage {
	t.Helper()
	msg := f.expectStatus(t, protocol.StatusConnected)
	if msg.SessionID == "" {
		t.Fatalf("expected session id on start ack, got %+v", msg)
	}
	return msg
}

func TestHandler_FullSessionLifecycle(t *testing.T) {
	registry := stt.NewRegistry()
	registry.Register("echo", func() (stt.Provider, error) { return &echoProvider{}, nil })
	f := newFixture(t, "echo", registry)

	f.expectStatus(t, protocol.StatusConnected)

	f.send(t, protocol.NewStart("en-US", "meet"))
	ack := f.expectStartAck(t)

	f.send(t, protocol.NewAudio(ack.SessionID, make([]byte, 3200)))
	partial := f.read(t)
	if partial.Type != protocol.TypePartial || partial.Text != "partial" {
		t.Fatalf("expected partial transcript, got %+v", partial)
	}

	f.send(t, protocol.NewStop(ack.SessionID))
	f.expectStatus(t, protocol.StatusProcessing)
	final := f.read(t)
	if final.Type != protocol.TypeFinal || final.Text != "final" {
		t.Fatalf("expected final transcript, got %+v", final)
	}
	f.expectStatus(t, protocol.StatusIdle)

	files, _ := filepath.Glob(filepath.Join(f.dir, "*.wav"))
	if len(files) != 1 {
		t.Fatalf("expected one recording, got %v", files)
	}
	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != 44+3200 {
		t.Errorf("expected %d byte file, got %d", 44+3200, info.Size())
	}
}

func TestHandler_UnknownProviderStillRecords(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())

	f.expectStatus(t, protocol.StatusConnected)
	f.send(t, protocol.NewStart("en-US", ""))

	errMsg := f.read(t)
	if errMsg.Type != protocol.TypeError || errMsg.Code != protocol.CodeSTTUnavailable {
		t.Fatalf("expected STT_UNAVAILABLE error, got %+v", errMsg)
	}
	ack := f.expectStartAck(t)

	f.send(t, protocol.NewAudio(ack.SessionID, make([]byte, 3200)))
	f.send(t, protocol.NewStop(ack.SessionID))
	f.expectStatus(t, protocol.StatusProcessing)
	f.expectStatus(t, protocol.StatusIdle)

	files, _ := filepath.Glob(filepath.Join(f.dir, "*.wav"))
	if len(files) != 1 {
		t.Fatalf("expected audio-only recording, got %v", files)
	}
}

func TestHandler_MalformedMessageKeepsConnection(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())
	f.expectStatus(t, protocol.StatusConnected)

	if err := f.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	errMsg := f.read(t)
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("expected error message, got %+v", errMsg)
	}

	// Connection still usable.
	f.send(t, protocol.NewStart("en-US", ""))
	f.read(t) // STT_UNAVAILABLE
	f.expectStartAck(t)
}

func TestHandler_UnknownTypeErrorCode(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())
	f.expectStatus(t, protocol.StatusConnected)

	f.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	errMsg := f.read(t)
	if errMsg.Code != protocol.CodeUnknownMessageType {
		t.Fatalf("expected UNKNOWN_MESSAGE_TYPE, got %+v", errMsg)
	}
}

func TestHandler_AudioForForeignSession(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())
	f.expectStatus(t, protocol.StatusConnected)

	f.send(t, protocol.NewAudio("not-mine", []byte{1, 2}))
	errMsg := f.read(t)
	if errMsg.Code != protocol.CodeNoSession {
		t.Fatalf("expected NO_SESSION, got %+v", errMsg)
	}
}

func TestHandler_SecondStartSupersedesSession(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())
	f.expectStatus(t, protocol.StatusConnected)

	f.send(t, protocol.NewStart("en-US", ""))
	f.read(t) // STT_UNAVAILABLE
	first := f.expectStartAck(t)

	f.send(t, protocol.NewAudio(first.SessionID, make([]byte, 3200)))

	f.send(t, protocol.NewStart("en-US", ""))
	f.read(t) // STT_UNAVAILABLE
	second := f.expectStartAck(t)

	if second.SessionID == first.SessionID {
		t.Fatal("expected a fresh session id on the second start")
	}
	if n := f.manager.ActiveSessions(); n != 1 {
		t.Fatalf("expected 1 active session after restart, got %d", n)
	}

	// The superseded session persisted its audio.
	files, _ := filepath.Glob(filepath.Join(f.dir, "*.wav"))
	if len(files) != 1 {
		t.Fatalf("expected the first session's recording, got %v", files)
	}

	// The old session id no longer accepts audio or stop.
	f.send(t, protocol.NewAudio(first.SessionID, make([]byte, 2)))
	errMsg := f.read(t)
	if errMsg.Code != protocol.CodeNoSession {
		t.Fatalf("expected NO_SESSION for superseded id, got %+v", errMsg)
	}
}

func TestHandler_DisconnectPersistsAudio(t *testing.T) {
	f := newFixture(t, "nope", stt.NewRegistry())
	f.expectStatus(t, protocol.StatusConnected)

	f.send(t, protocol.NewStart("en-US", ""))
	f.read(t) // STT_UNAVAILABLE
	ack := f.expectStartAck(t)

	f.send(t, protocol.NewAudio(ack.SessionID, make([]byte, 3200)))

	// Wait until the chunk has been applied before dropping the link.
	deadline := time.Now().Add(2 * time.Second)
	for f.manager.ActiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	f.conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		files, _ := filepath.Glob(filepath.Join(f.dir, "*.wav"))
		if len(files) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("recording never written after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
