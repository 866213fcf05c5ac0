package sse

import (
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/envelope"
)

// ErrFeedClosed is returned when using a closed Feed.
var ErrFeedClosed = errors.New("sse: feed closed")

// EventUserList is the SSE event type of presence updates.
const EventUserList = "userlist"

const updateBuffer = 256

// snapshotRetry is the reconnect delay advertised with a subscriber's first
// event, in ms.
const snapshotRetry = 3000

// Presence is a room's usernames in join order.
type Presence struct {
	Room  string
	Users []string
}

// Feed streams presence updates to the Conns subscribed to each room.
//
// RoomChanged only enqueues; a single Run loop formats and writes events, so
// a slow subscriber never stalls the registry. When the queue is full the
// update is dropped: every update carries the full userlist, so the next one
// supersedes it.
//
// Subscriptions travel through the same queue. A subscriber's snapshot is
// read and written by Run between two updates, so no older userlist can
// reach it after the snapshot.
//
// Example:
//
//	feed := sse.NewFeed(&logger)
//	go feed.Run()
//	defer feed.Close()
//
//	reg := room.NewRegistry(&room.Options{Observer: feed})
type Feed struct {
	subs    map[string]map[*Conn]struct{}
	updates chan feedOp
	done    chan struct{}
	closed  bool
	mu      sync.RWMutex

	seq uint64 // owned by Run
	log zerolog.Logger
}

// NewFeed creates a Feed. Run must be started before updates are delivered.
func NewFeed(logger *zerolog.Logger) *Feed {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Feed{
		subs:    make(map[string]map[*Conn]struct{}),
		updates: make(chan feedOp, updateBuffer),
		done:    make(chan struct{}),
		log:     l,
	}
}

// Run delivers queued updates until Close is called.
func (f *Feed) Run() {
	for {
		select {
		case op := <-f.updates:
			if op.sub != nil {
				f.subscribe(op.sub)
			} else {
				f.deliver(op.presence)
			}
		case <-f.done:
			return
		}
	}
}

// RoomChanged implements room.Observer. It never blocks.
func (f *Feed) RoomChanged(room string, users []string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	select {
	case f.updates <- feedOp{presence: Presence{Room: room, Users: users}}:
	default:
		f.log.Warn().Str("room", room).Msg("presence queue full, dropping update")
	}
}

// feedOp is one entry of the Run queue: a presence update, or a
// subscription when sub is set.
type feedOp struct {
	presence Presence
	sub      *subscription
}

type subscription struct {
	room     string
	conn     *Conn
	snapshot func() []string
}

// Subscribe queues conn as a subscriber of room. When Run picks it up it
// adds conn to the room and sends snapshot() as the stream's opening event,
// unless snapshot is nil. Subscribe blocks while the queue is full.
func (f *Feed) Subscribe(room string, conn *Conn, snapshot func() []string) error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return ErrFeedClosed
	}

	select {
	case f.updates <- feedOp{sub: &subscription{room: room, conn: conn, snapshot: snapshot}}:
		return nil
	case <-f.done:
		return ErrFeedClosed
	}
}

func (f *Feed) subscribe(sub *subscription) {
	select {
	case <-sub.conn.Done():
		return
	default:
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = sub.conn.Close()
		return
	}
	set, ok := f.subs[sub.room]
	if !ok {
		set = make(map[*Conn]struct{})
		f.subs[sub.room] = set
	}
	set[sub.conn] = struct{}{}
	f.mu.Unlock()

	if sub.snapshot == nil {
		return
	}
	f.seq++
	event, err := UserListEvent(sub.snapshot(), strconv.FormatUint(f.seq, 10))
	if err != nil {
		f.log.Error().Err(err).Str("room", sub.room).Msg("encode presence")
		return
	}
	if err := sub.conn.Send(event.WithRetry(snapshotRetry)); err != nil {
		f.log.Debug().Err(err).Str("room", sub.room).Msg("dropping presence subscriber")
		f.mu.Lock()
		f.removeLocked(sub.room, sub.conn)
		f.mu.Unlock()
	}
}

// Unsubscribe removes conn from the room's subscribers. Safe to call for a
// conn that was never subscribed or was already dropped.
func (f *Feed) Unsubscribe(room string, conn *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(room, conn)
}

// Subscribers returns the number of streams open for room.
func (f *Feed) Subscribers(room string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[room])
}

// Close stops Run and ends every open stream. Safe to call multiple times.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)

	for _, set := range f.subs {
		for conn := range set {
			_ = conn.Close()
		}
	}
	f.subs = make(map[string]map[*Conn]struct{})

	// Subscriptions Run never reached.
	for {
		select {
		case op := <-f.updates:
			if op.sub != nil {
				_ = op.sub.conn.Close()
			}
		default:
			return nil
		}
	}
}

// UserListEvent formats a presence update.
func UserListEvent(users []string, id string) (*Event, error) {
	data, err := envelope.Encode(envelope.UserList{Users: users})
	if err != nil {
		return nil, err
	}
	return NewEvent(string(data)).WithType(EventUserList).WithID(id), nil
}

func (f *Feed) deliver(p Presence) {
	f.seq++
	event, err := UserListEvent(p.Users, strconv.FormatUint(f.seq, 10))
	if err != nil {
		f.log.Error().Err(err).Str("room", p.Room).Msg("encode presence")
		return
	}

	f.mu.RLock()
	conns := make([]*Conn, 0, len(f.subs[p.Room]))
	for conn := range f.subs[p.Room] {
		conns = append(conns, conn)
	}
	f.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(event); err != nil {
			f.log.Debug().Err(err).Str("room", p.Room).Msg("dropping presence subscriber")
			f.mu.Lock()
			f.removeLocked(p.Room, conn)
			f.mu.Unlock()
		}
	}
}

func (f *Feed) removeLocked(room string, conn *Conn) {
	set, ok := f.subs[room]
	if !ok {
		return
	}
	if _, ok := set[conn]; ok {
		delete(set, conn)
		_ = conn.Close()
	}
	if len(set) == 0 {
		delete(f.subs, room)
	}
}
