package room

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/envelope"
)

// Result summarises one fan-out.
type Result struct {
	Delivered int // recipients whose send succeeded
	Pruned    int // recipients removed after a failed send
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r Result) MarshalZerologObject(e *zerolog.Event) {
	e.Int("delivered", r.Delivered).Int("pruned", r.Pruned)
}

// Broadcaster fans envelopes out to the members of a room.
//
// Fan-out is fire-and-forget: every recipient except the sender gets one
// send attempt, bounded by the connection's own write timeout. A failed send
// is logged and the recipient is pruned from the room; the remaining
// recipients are still attempted.
type Broadcaster struct {
	reg *Registry
	log zerolog.Logger
}

// NewBroadcaster creates a Broadcaster over reg. A nil logger disables logging.
func NewBroadcaster(reg *Registry, logger *zerolog.Logger) *Broadcaster {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Broadcaster{reg: reg, log: l}
}

// Broadcast encodes env and sends it to every member of the room except
// sender. A nil sender reaches every member.
func (b *Broadcaster) Broadcast(name string, env envelope.Envelope, sender Sender) (Result, error) {
	payload, err := envelope.Encode(env)
	if err != nil {
		return Result{}, fmt.Errorf("room: encode %s: %w", env.Kind(), err)
	}
	return b.fanOut(name, b.reg.Members(name), payload, sender), nil
}

// BroadcastMessage relays a chat message verbatim and records it in the
// room's history.
func (b *Broadcaster) BroadcastMessage(name string, msg envelope.Message, sender Sender) (Result, error) {
	return b.relay(name, msg, sender)
}

// BroadcastFile re-wraps the file into a fresh file envelope, relays it and
// records it in the room's history.
func (b *Broadcaster) BroadcastFile(name string, f envelope.File, sender Sender) (Result, error) {
	return b.relay(name, envelope.File{
		Name:     f.Name,
		Content:  f.Content,
		Username: f.Username,
		Message:  f.Message,
	}, sender)
}

// BroadcastAudio re-wraps the audio payload into a fresh audio envelope,
// relays it and records it in the room's history.
func (b *Broadcaster) BroadcastAudio(name string, a envelope.Audio, sender Sender) (Result, error) {
	return b.relay(name, envelope.Audio{
		Content:  a.Content,
		Username: a.Username,
	}, sender)
}

func (b *Broadcaster) relay(name string, env envelope.Envelope, sender Sender) (Result, error) {
	payload, err := envelope.Encode(env)
	if err != nil {
		return Result{}, fmt.Errorf("room: encode %s: %w", env.Kind(), err)
	}
	return b.fanOut(name, b.reg.recordMembers(name, payload), payload, sender), nil
}

// fanOut sends payload to members, a snapshot taken under the room lock.
// Sends happen outside the lock so a slow recipient never blocks joins and
// leaves of the same room.
func (b *Broadcaster) fanOut(name string, members []Member, payload []byte, sender Sender) Result {
	var res Result

	for _, m := range members {
		if m.Conn == sender {
			continue
		}
		if err := m.Conn.Send(payload); err != nil {
			b.log.Warn().Err(err).Str("room", name).Str("user", m.Username).Msg("send failed, pruning member")
			if b.reg.Remove(name, m.Conn) {
				res.Pruned++
			}
			continue
		}
		res.Delivered++
	}

	return res
}
