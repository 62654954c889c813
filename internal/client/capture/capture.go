package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sanchopanda/livescribe/internal/config"
	"github.com/sanchopanda/livescribe/internal/observability/logging"
)

// blockSize is the number of samples read from the device per callback.
const blockSize = 1024

// ErrAlreadyCapturing is returned when Start is called on a running
// capture.
var ErrAlreadyCapturing = errors.New("capture already running")

// Capture reads mono audio from the default input device and emits
// fixed-size PCM16 frames on Frames. Slow consumers lose frames rather
// than stalling the audio callback.
type Capture struct {
	frameSize int
	frames    chan []int16
	framer    *Framer

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
}

// New creates a Capture emitting frames of frameSize samples.
func New(frameSize int) *Capture {
	return &Capture{
		frameSize: frameSize,
		frames:    make(chan []int16, 16),
		framer:    NewFramer(frameSize),
	}
}

// Frames is the stream of complete captured frames.
func (c *Capture) Frames() <-chan []int16 {
	return c.frames
}

// Start initializes the audio host and opens the default input stream.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyCapturing
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize audio host: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(
		config.Channels, 0, float64(config.SampleRate), blockSize, c.onBlock)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}

	c.stream = stream
	c.running = true
	logger := logging.WithComponent("capture")
	logger.Info().
		Int("frameSize", c.frameSize).
		Int("blockSize", blockSize).
		Msg("Audio capture started")
	return nil
}

// onBlock runs on the audio callback thread. It must never block.
func (c *Capture) onBlock(in []float32) {
	for _, frame := range c.framer.Push(Float32ToInt16(in)) {
		select {
		case c.frames <- frame:
		default:
		}
	}
}

// Stop closes the stream and flushes the trailing short frame.
// Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	var err error
	if e := c.stream.Stop(); e != nil {
		err = fmt.Errorf("stop input stream: %w", e)
	}
	if e := c.stream.Close(); e != nil && err == nil {
		err = fmt.Errorf("close input stream: %w", e)
	}
	c.stream = nil
	portaudio.Terminate()

	if tail := c.framer.Flush(); tail != nil {
		select {
		case c.frames <- tail:
		default:
		}
	}

	stopLogger := logging.WithComponent("capture")
	stopLogger.Info().Msg("Audio capture stopped")
	return err
}
