// Package transport maintains the client's WebSocket link to the
// transcription server, transparently reconnecting with linear backoff
// when the link drops.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/protocol"
)

// Event kinds reported on the Events channel.
const (
	EventReconnected = "reconnected"
	EventFailed      = "failed"
)

// Event notifies the owner about connection state changes that need a
// reaction, such as a reconnect invalidating the server-side session.
type Event struct {
	Kind    string
	Attempt int
	Err     error
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("transport not connected")

// Client is a reconnecting WebSocket client. Messages and Events are
// closed when the transport terminates, either by Close or after the
// reconnect attempts are exhausted.
type Client struct {
	url         string
	baseDelay   time.Duration
	maxAttempts int
	logger      zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	err    error

	messages   chan protocol.ServerMessage
	events     chan Event
	done       chan struct{}
	finishOnce sync.Once
}

// New creates a Client for the given server URL. Reconnect delay grows
// linearly: baseDelay, 2*baseDelay, ... up to maxAttempts tries.
func New(url string, baseDelay time.Duration, maxAttempts int) *Client {
	return &Client{
		url:         url,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		logger:      logging.WithComponent("transport"),
		messages:    make(chan protocol.ServerMessage, 32),
		events:      make(chan Event, 8),
		done:        make(chan struct{}),
	}
}

// Messages is the stream of decoded server messages.
func (c *Client) Messages() <-chan protocol.ServerMessage {
	return c.messages
}

// Events reports reconnects and terminal failures.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the terminal failure reason, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect dials the server and starts the read pump. A no-op when a
// connection is already up, so callers may invoke it per record cycle.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		// Lost a connect race; keep the existing connection.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("Connected")
	go c.readPump(conn)
	return nil
}

// Send writes one client message. Safe for concurrent use.
func (c *Client) Send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(msg)
}

// Close terminates the transport. No reconnect attempts follow a
// user-initiated close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closed {
				c.finish(nil)
				return
			}
			c.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
			c.reconnect()
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Skipping unparseable server message")
			continue
		}

		select {
		case c.messages <- *msg:
		case <-c.done:
			c.finish(nil)
			return
		}
	}
}

// reconnect retries with linearly growing delay. The replacement
// connection resumes the read pump; exhausting the attempt cap
// terminates the transport.
func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := c.baseDelay * time.Duration(attempt)
		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling reconnect")

		select {
		case <-time.After(delay):
		case <-c.done:
			c.finish(nil)
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			c.finish(nil)
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info().Int("attempt", attempt).Msg("Reconnected")
		select {
		case c.events <- Event{Kind: EventReconnected, Attempt: attempt}:
		default:
		}
		go c.readPump(conn)
		return
	}

	err := fmt.Errorf("gave up after %d reconnect attempts", c.maxAttempts)
	c.logger.Error().Err(err).Msg("Transport failed")
	select {
	case c.events <- Event{Kind: EventFailed, Err: err}:
	default:
	}
	c.finish(err)
}

// finish records the terminal state and closes the outbound channels.
// Single-shot: later calls only record the first error.
func (c *Client) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	alreadyClosed := c.closed
	c.closed = true
	c.conn = nil
	c.mu.Unlock()

	c.finishOnce.Do(func() {
		if !alreadyClosed {
			select {
			case <-c.done:
			default:
				close(c.done)
			}
		}
		close(c.messages)
		close(c.events)
	})
}
