package websocket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default buffer sizes for WebSocket connections.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// Options configures a Conn.
//
// All fields are optional. Zero values use sensible defaults.
type Options struct {
	// ReadBufferSize sets size of read buffer (default: 4096).
	ReadBufferSize int

	// WriteBufferSize sets size of write buffer (default: 4096).
	WriteBufferSize int

	// MaxFramePayload caps inbound payload length (default: 32 MB).
	MaxFramePayload int64

	// WriteTimeout bounds every Send. Zero means no deadline.
	WriteTimeout time.Duration
}

// Conn is the server side of one raw WebSocket connection.
//
// Reads are expected from a single goroutine (the connection's handler).
// Send is safe for concurrent use: broadcasts from other connections'
// handlers are serialized by a write mutex so frames never interleave.
//
// Example Usage:
//
//	conn := websocket.NewConn(netConn, nil)
//	defer conn.Close()
//
//	if err := conn.Handshake(10 * time.Second); err != nil {
//	    return err
//	}
//	payload, err := conn.ReadMessage()
//	conn.Send(payload)
type Conn struct {
	id     string
	conn   net.Conn      // Underlying TCP connection
	reader *bufio.Reader // Buffered reader for handshake and frame parsing
	writer *bufio.Writer // Buffered writer for frame writing

	maxPayload   int64
	writeTimeout time.Duration

	// Write synchronization
	writeMu  sync.Mutex
	writeErr error // sticky: a failed write leaves the stream mid-frame

	// Close synchronization
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewConn wraps an accepted stream connection. No bytes are exchanged until
// Handshake is called.
func NewConn(netConn net.Conn, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	readSize := opts.ReadBufferSize
	if readSize == 0 {
		readSize = defaultReadBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize == 0 {
		writeSize = defaultWriteBufferSize
	}
	maxPayload := opts.MaxFramePayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxFramePayload
	}

	return &Conn{
		id:           uuid.NewString(),
		conn:         netConn,
		reader:       bufio.NewReaderSize(netConn, readSize),
		writer:       bufio.NewWriterSize(netConn, writeSize),
		maxPayload:   maxPayload,
		writeTimeout: opts.WriteTimeout,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Handshake runs the opening handshake on the raw connection.
//
// A positive timeout bounds the whole exchange; the deadline is cleared
// afterwards.
func (c *Conn) Handshake(timeout time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{}) //nolint:errcheck // best effort reset
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Handshake(c.reader, c.conn)
}

// ReadMessage blocks until the next client frame arrives and returns its
// unmasked payload.
//
// io.EOF means the peer closed between frames. Any error ends the stream:
// there is no resynchronisation after a partial frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return ReadFrame(c.reader, c.maxPayload)
}

// SetReadDeadline sets the deadline for the next ReadMessage.
// A zero value disables it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send writes payload as one unmasked text frame.
//
// Thread-Safety: Safe for concurrent writes (serialized by mutex).
// Each call is bounded by Options.WriteTimeout. After a failed write every
// later Send fails with the same error.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.writeErr = fmt.Errorf("set write deadline: %w", err)
			return c.writeErr
		}
	}

	if err := WriteFrame(c.writer, payload); err != nil {
		c.writeErr = err
		return err
	}
	return nil
}

// SendJSON marshals v and sends it as a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	return c.Send(data)
}

// Close closes the underlying connection.
//
// No close frame is sent. Idempotent - safe to call multiple times; a
// blocked ReadMessage returns with an error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
