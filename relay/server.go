// Package relay accepts raw TCP connections, upgrades them with the
// hand-written WebSocket codec and relays chat envelopes between the members
// of a room.
//
// Each accepted connection is served by its own goroutine which walks the
// session through Handshaking, AwaitingJoin, Active and Closed. Room
// membership and fan-out are delegated to package room.
//
// Example Usage:
//
//	srv := relay.NewServer(&relay.Options{Logger: &logger})
//	go srv.ListenAndServe(":8080")
//	defer srv.Shutdown(context.Background())
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/room"
	"github.com/coregx/relay/websocket"
)

// Default deadlines.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultJoinTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("relay: server closed")

// Options configures a Server.
//
// All fields are optional. Zero values use sensible defaults.
type Options struct {
	// Logger receives connection lifecycle events (default: disabled).
	Logger *zerolog.Logger

	// Registry holds room membership. When nil a new one is created with
	// HistorySize and Logger.
	Registry *room.Registry

	// HistorySize is the per-room backlog replayed to joiners
	// (default: 0, disabled). Ignored when Registry is set.
	HistorySize int

	// HandshakeTimeout bounds the opening handshake (default: 10s).
	HandshakeTimeout time.Duration

	// JoinTimeout bounds the wait for the join envelope (default: 10s).
	JoinTimeout time.Duration

	// IdleTimeout closes an active session that sends nothing for this
	// long (default: 0, disabled).
	IdleTimeout time.Duration

	// WriteTimeout bounds every outbound frame (default: 5s).
	WriteTimeout time.Duration

	// MaxFramePayload caps inbound payloads (default: 32 MB).
	MaxFramePayload int64

	// TCPUserTimeout sets TCP_USER_TIMEOUT on accepted sockets where the
	// platform supports it (default: 0, kernel default).
	TCPUserTimeout time.Duration
}

// Server is a room relay.
type Server struct {
	opts Options
	log  zerolog.Logger
	reg  *room.Registry
	bc   *room.Broadcaster

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*websocket.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewServer creates a Server. Call Serve or ListenAndServe to start it.
func NewServer(opts *Options) *Server {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.JoinTimeout == 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxFramePayload == 0 {
		o.MaxFramePayload = websocket.DefaultMaxFramePayload
	}

	logger := zerolog.Nop()
	if o.Logger != nil {
		logger = *o.Logger
	}
	reg := o.Registry
	if reg == nil {
		reg = room.NewRegistry(&room.Options{Logger: &logger, HistorySize: o.HistorySize})
	}

	return &Server{
		opts:      o,
		log:       logger,
		reg:       reg,
		bc:        room.NewBroadcaster(reg, &logger),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*websocket.Conn]struct{}),
	}
}

// Registry returns the server's room registry.
func (s *Server) Registry() *room.Registry {
	return s.reg
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, serving each in its own goroutine.
// Accept errors are retried with backoff unless ln has been closed.
// It always returns a non-nil error; after Shutdown it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	var backoff time.Duration
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			// Only a closed listener is permanent. Descriptor exhaustion
			// (EMFILE, ENFILE) and aborted handshakes clear up on their own.
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay: accept: %w", err)
			}
			backoff = nextBackoff(backoff)
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.opts.TCPUserTimeout > 0 {
			if err := setUserTimeout(netConn, s.opts.TCPUserTimeout); err != nil {
				s.log.Debug().Err(err).Msg("TCP_USER_TIMEOUT not applied")
			}
		}

		conn := websocket.NewConn(netConn, &websocket.Options{
			MaxFramePayload: s.opts.MaxFramePayload,
			WriteTimeout:    s.opts.WriteTimeout,
		})
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops accepting, closes every live connection and waits for
// their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	newSession(s, conn).run()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// trackConn registers conn and reserves a slot in the wait group.
func (s *Server) trackConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
