package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("sse: connection closed")

	// ErrNoFlusher is returned when the http.ResponseWriter cannot flush.
	ErrNoFlusher = errors.New("sse: ResponseWriter does not support flushing")
)

// Conn is one open event stream.
//
// Send is safe for concurrent use. The stream closes when Close is called or
// the request context ends; Done reports either.
type Conn struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
}

// Upgrade turns the response into an event stream tied to r's context.
//
// It sets the SSE headers and flushes an initial ": connected" comment.
// Returns ErrNoFlusher if w does not implement http.Flusher.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // nginx

	if _, err := io.WriteString(w, Comment("connected")); err != nil {
		return nil, fmt.Errorf("sse: write connection comment: %w", err)
	}
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	c := &Conn{
		w:       w,
		flusher: flusher,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.watchContext()

	return c, nil
}

func (c *Conn) watchContext() {
	<-c.ctx.Done()
	_ = c.Close()
}

// Send writes event and flushes it.
func (c *Conn) Send(event *Event) error {
	return c.write(event.String())
}

// Ping writes a keep-alive comment.
func (c *Conn) Ping() error {
	return c.write(Comment("ping"))
}

func (c *Conn) write(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if _, err := io.WriteString(c.w, s); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	c.flusher.Flush()
	return nil
}

// Close ends the stream. Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.done)
	return nil
}

// Done is closed once the stream has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
