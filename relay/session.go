package relay

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/envelope"
	"github.com/coregx/relay/room"
	"github.com/coregx/relay/websocket"
)

// State is the lifecycle stage of one connection.
type State int

// Connection states, in order.
const (
	StateHandshaking State = iota
	StateAwaitingJoin
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingJoin:
		return "awaiting_join"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var errNotJoin = errors.New("relay: first envelope is not user_data")

// session drives one connection through its states.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  zerolog.Logger

	state    State
	username string
	room     string
	joined   bool
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		log: srv.log.With().
			Str("conn", conn.ID()).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

func (ss *session) run() {
	defer func() {
		if r := recover(); r != nil {
			ss.log.Error().
				Interface("panic", r).
				Str("state", ss.state.String()).
				Bytes("stack", debug.Stack()).
				Msg("connection handler panicked")
		}
		ss.close()
	}()

	ss.setState(StateHandshaking)
	if err := ss.conn.Handshake(ss.srv.opts.HandshakeTimeout); err != nil {
		ss.log.Debug().Err(err).Msg("handshake failed")
		return
	}

	ss.setState(StateAwaitingJoin)
	if err := ss.awaitJoin(); err != nil {
		ss.log.Info().Err(err).Msg("join failed")
		return
	}

	ss.setState(StateActive)
	ss.serve()
}

func (ss *session) setState(s State) {
	ss.state = s
	ss.log.Debug().Str("state", s.String()).Msg("state change")
}

// awaitJoin reads the join envelope, registers the connection and greets it.
func (ss *session) awaitJoin() error {
	if t := ss.srv.opts.JoinTimeout; t > 0 {
		if err := ss.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return fmt.Errorf("set join deadline: %w", err)
		}
	}

	data, err := ss.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read join: %w", err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return fmt.Errorf("decode join: %w", err)
	}
	join, ok := env.(envelope.Join)
	if !ok {
		return fmt.Errorf("%w: got %q", errNotJoin, env.Kind())
	}
	if err := join.Validate(); err != nil {
		return err
	}

	if err := ss.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear join deadline: %w", err)
	}

	users, backlog, err := ss.srv.reg.JoinWithHistory(join.Room, join.Username, ss.conn)
	if err != nil {
		return fmt.Errorf("join %s: %w", join.Room, err)
	}
	ss.joined = true
	ss.username, ss.room = join.Username, join.Room
	ss.log = ss.log.With().Str("room", ss.room).Str("user", ss.username).Logger()
	ss.log.Info().Int("members", len(users)).Msg("user joined")

	if err := ss.conn.SendJSON(envelope.UserList{Users: users}); err != nil {
		return fmt.Errorf("send userlist: %w", err)
	}
	for _, payload := range backlog {
		if err := ss.conn.Send(payload); err != nil {
			return fmt.Errorf("replay history: %w", err)
		}
	}

	ss.announce(ss.username + " has joined the chat.")
	return nil
}

// serve relays envelopes until the stream ends.
func (ss *session) serve() {
	idle := ss.srv.opts.IdleTimeout
	for {
		if idle > 0 {
			if err := ss.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				ss.log.Debug().Err(err).Msg("set idle deadline")
				return
			}
		}

		data, err := ss.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrClosed) {
				ss.log.Info().Msg("peer disconnected")
			} else {
				ss.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		ss.dispatch(data)
	}
}

func (ss *session) dispatch(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		ss.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable envelope")
		return
	}

	var res room.Result
	switch e := env.(type) {
	case envelope.Message:
		res, err = ss.srv.bc.BroadcastMessage(ss.room, e, ss.conn)
	case envelope.File:
		res, err = ss.srv.bc.BroadcastFile(ss.room, e, ss.conn)
	case envelope.Audio:
		if e.Username == "" {
			e.Username = ss.username
		}
		res, err = ss.srv.bc.BroadcastAudio(ss.room, e, ss.conn)
	case envelope.Join:
		ss.log.Warn().Msg("dropping repeated user_data")
		return
	default:
		ss.log.Warn().Str("type", string(env.Kind())).Msg("dropping unsupported envelope")
		return
	}
	if err != nil {
		ss.log.Warn().Err(err).Str("type", string(env.Kind())).Msg("relay failed")
		return
	}

	ss.log.Debug().Str("type", string(env.Kind())).EmbedObject(res).Msg("relayed")
}

// close releases the connection and, for joined sessions, tells the rest of
// the room.
func (ss *session) close() {
	ss.setState(StateClosed)
	if !ss.joined {
		ss.conn.Close()
		return
	}

	users := ss.srv.reg.Leave(ss.room, ss.conn)
	ss.log.Info().Int("members", len(users)).Msg("user left")

	ss.announce(ss.username + " has left the chat.")
	if _, err := ss.srv.bc.Broadcast(ss.room, envelope.UserList{Users: users}, ss.conn); err != nil {
		ss.log.Warn().Err(err).Msg("userlist push failed")
	}
}

func (ss *session) announce(text string) {
	if _, err := ss.srv.bc.Broadcast(ss.room, envelope.NewMessage(text), ss.conn); err != nil {
		ss.log.Warn().Err(err).Msg("announcement failed")
	}
}

