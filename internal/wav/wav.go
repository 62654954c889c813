// Package wav persists accumulated PCM audio as playable WAV files.
package wav

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// ErrNoAudio is returned when persistence is requested for a session
// that buffered no audio.
var ErrNoAudio = errors.New("no audio data to persist")

// Persister writes session audio to uniquely named WAV files under a
// recordings directory.
type Persister struct {
	dir        string
	sampleRate int
	channels   int
}

// NewPersister creates a Persister rooted at dir. The directory is
// created lazily on first write.
func NewPersister(dir string, sampleRate, channels int) *Persister {
	return &Persister{dir: dir, sampleRate: sampleRate, channels: channels}
}

// Dir returns the recordings directory.
func (p *Persister) Dir() string {
	return p.dir
}

// Filename derives the recording filename for a session: a short
// session-id prefix plus an ISO-like timestamp with separators replaced
// for filesystem safety.
func Filename(sessionID string, now time.Time) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	stamp := now.UTC().Format(time.RFC3339)
	stamp = strings.NewReplacer(":", "-", "+", "-").Replace(stamp)
	return fmt.Sprintf("%s_%s.wav", id, stamp)
}

// Write concatenates the ordered PCM16LE chunks and writes them as a
// canonical WAV file, returning the file path. The payload is byte-exact:
// the data chunk length equals the sum of the input chunk lengths.
func (p *Persister) Write(sessionID string, chunks [][]byte) (string, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return "", ErrNoAudio
	}
	if total%2 != 0 {
		return "", fmt.Errorf("PCM16 payload length must be even, got %d bytes", total)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	path := filepath.Join(p.dir, Filename(sessionID, time.Now()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}
	defer f.Close()

	samples := make([]int, 0, total/2)
	for _, c := range chunks {
		for i := 0; i+1 < len(c); i += 2 {
			samples = append(samples, int(int16(uint16(c[i])|uint16(c[i+1])<<8)))
		}
	}

	enc := gowav.NewEncoder(f, p.sampleRate, 16, p.channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: p.channels, SampleRate: p.sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return "", fmt.Errorf("encode WAV data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalize WAV file: %w", err)
	}

	return path, nil
}
