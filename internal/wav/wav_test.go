package wav

import (
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

const wavHeaderSize = 44

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestWrite_PayloadLengthMatchesChunks(t *testing.T) {
	p := NewPersister(t.TempDir(), 16000, 1)

	chunks := [][]byte{
		make([]byte, 3200),
		make([]byte, 3200),
		make([]byte, 3200),
	}

	path, err := p.Write("0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9", chunks)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data := readFile(t, path)
	if len(data) != wavHeaderSize+9600 {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+9600, len(data))
	}

	// Canonical RIFF/WAVE header fields.
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		t.Error("missing fmt/data chunks")
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		t.Errorf("expected PCM format 1, got %d", format)
	}
	if channels := binary.LittleEndian.Uint16(data[22:24]); channels != 1 {
		t.Errorf("expected 1 channel, got %d", channels)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 16000 {
		t.Errorf("expected sample rate 16000, got %d", rate)
	}
	if depth := binary.LittleEndian.Uint16(data[34:36]); depth != 16 {
		t.Errorf("expected 16-bit depth, got %d", depth)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != 9600 {
		t.Errorf("expected data size 9600, got %d", size)
	}
}

func TestWrite_SingleChunkSamplesPreserved(t *testing.T) {
	p := NewPersister(t.TempDir(), 16000, 1)

	// Two samples: 0x0102 and -2 (0xFFFE), little-endian.
	chunk := []byte{0x02, 0x01, 0xFE, 0xFF}

	path, err := p.Write("session", [][]byte{chunk})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data := readFile(t, path)
	if len(data) != wavHeaderSize+4 {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+4, len(data))
	}

	payload := data[wavHeaderSize:]
	s0 := int16(binary.LittleEndian.Uint16(payload[0:2]))
	s1 := int16(binary.LittleEndian.Uint16(payload[2:4]))
	if s0 != 0x0102 {
		t.Errorf("expected first sample 0x0102, got %#x", s0)
	}
	if s1 != -2 {
		t.Errorf("expected second sample -2, got %d", s1)
	}
}

func TestWrite_EmptyInput(t *testing.T) {
	p := NewPersister(t.TempDir(), 16000, 1)

	if _, err := p.Write("session", nil); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if _, err := p.Write("session", [][]byte{{}, {}}); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio for empty chunks, got %v", err)
	}
}

func TestWrite_OddLengthPayload(t *testing.T) {
	p := NewPersister(t.TempDir(), 16000, 1)

	if _, err := p.Write("session", [][]byte{{0x01, 0x02, 0x03}}); err == nil {
		t.Fatal("expected error for odd-length payload")
	}
}

func TestFilename(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	name := Filename("0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9", now)

	if !strings.HasPrefix(name, "0a1b2c3d_") {
		t.Errorf("expected session-id prefix, got %s", name)
	}
	if !strings.HasSuffix(name, ".wav") {
		t.Errorf("expected .wav suffix, got %s", name)
	}
	if strings.ContainsAny(name, ":+") {
		t.Errorf("filename contains unsafe separators: %s", name)
	}
	if !strings.Contains(name, "2025-03-14") {
		t.Errorf("expected date in filename, got %s", name)
	}
}

func TestFilename_ShortSessionID(t *testing.T) {
	name := Filename("abc", time.Now())
	if !strings.HasPrefix(name, "abc_") {
		t.Errorf("expected short id kept whole, got %s", name)
	}
}
