// Package room groups connections into named rooms and fans messages out to
// the other members of a room.
//
// Registry owns membership. Each room's member list has its own mutex, so
// joins, leaves, pruning and the snapshot a broadcast fans out over are all
// serialized per room while unrelated rooms proceed independently.
package room

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrAlreadyJoined is returned when a connection that is already a member of
// a room tries to join again.
var ErrAlreadyJoined = errors.New("room: connection already joined")

// Sender is the registry's view of a connection. Implementations must be
// comparable (pointer types) and safe for concurrent Send calls.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// Member is one (username, connection) pair of a room.
type Member struct {
	Username string
	Conn     Sender
}

// Observer is notified after every membership change with the room's
// usernames in join order. It is called with the room locked, so it must not
// block or call back into the Registry.
type Observer interface {
	RoomChanged(room string, users []string)
}

// Options configures a Registry.
//
// All fields are optional. Zero values use sensible defaults.
type Options struct {
	// Logger receives membership events (default: disabled).
	Logger *zerolog.Logger

	// Observer is notified of membership changes (default: none).
	Observer Observer

	// HistorySize is the number of recent payloads kept per room and
	// replayed to joiners (default: 0, disabled).
	HistorySize int
}

// Registry maps room names to their ordered members.
//
// Rooms are created lazily on first join and never removed; an empty room
// is kept as an entry with no members.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	order  []string          // room names in creation order
	joined map[Sender]string // connection -> room

	log         zerolog.Logger
	observer    Observer
	historySize int
}

type room struct {
	name    string
	mu      sync.Mutex
	members []Member
	history *history
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts *Options) *Registry {
	if opts == nil {
		opts = &Options{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Registry{
		rooms:       make(map[string]*room),
		joined:      make(map[Sender]string),
		log:         logger,
		observer:    opts.Observer,
		historySize: opts.HistorySize,
	}
}

// Join appends (username, conn) to the named room, creating the room if
// needed, and returns the room's usernames in join order.
//
// Returns ErrAlreadyJoined if conn is already a member of any room.
func (r *Registry) Join(name, username string, conn Sender) ([]string, error) {
	users, _, err := r.JoinWithHistory(name, username, conn)
	return users, err
}

// JoinWithHistory is Join that also returns the room's recorded payloads,
// oldest first. The backlog is taken under the same room lock as the
// append: a relayed payload is either in the backlog or sent to conn by
// the fan-out, never both.
func (r *Registry) JoinWithHistory(name, username string, conn Sender) ([]string, [][]byte, error) {
	r.mu.Lock()
	if _, ok := r.joined[conn]; ok {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyJoined
	}
	r.joined[conn] = name
	rm := r.roomLocked(name)
	r.mu.Unlock()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.members = append(rm.members, Member{Username: username, Conn: conn})
	users := rm.usernamesLocked()
	r.notifyLocked(rm, users)

	var backlog [][]byte
	if rm.history != nil {
		backlog = rm.history.snapshot()
	}

	r.log.Debug().Str("room", name).Str("user", username).Int("members", len(users)).Msg("joined")
	return users, backlog, nil
}

// Leave removes conn from the named room, then closes it, and returns the
// room's remaining usernames. Leaving twice, or leaving a room the
// connection is not in, only closes the connection.
func (r *Registry) Leave(name string, conn Sender) []string {
	users, _ := r.remove(name, conn)
	return users
}

// Remove prunes conn from the named room and closes it. It reports whether
// conn was still a member. The broadcaster uses it for recipients whose send
// failed.
func (r *Registry) Remove(name string, conn Sender) bool {
	_, removed := r.remove(name, conn)
	return removed
}

func (r *Registry) remove(name string, conn Sender) ([]string, bool) {
	defer conn.Close() //nolint:errcheck // peer may already be gone

	r.mu.Lock()
	if r.joined[conn] == name {
		delete(r.joined, conn)
	}
	rm, ok := r.rooms[name]
	r.mu.Unlock()

	if !ok {
		return []string{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	removed := false
	for i, m := range rm.members {
		if m.Conn == conn {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			removed = true
			break
		}
	}

	users := rm.usernamesLocked()
	if removed {
		r.notifyLocked(rm, users)
		r.log.Debug().Str("room", name).Int("members", len(users)).Msg("left")
	}
	return users, removed
}

// Members returns a snapshot of the room's members in join order.
func (r *Registry) Members(name string) []Member {
	rm := r.lookup(name)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]Member(nil), rm.members...)
}

// Usernames returns the room's usernames in join order.
func (r *Registry) Usernames(name string) []string {
	rm := r.lookup(name)
	if rm == nil {
		return []string{}
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.usernamesLocked()
}

// AllUsernames flattens every room's usernames, rooms in creation order.
func (r *Registry) AllUsernames() []string {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.order))
	for _, name := range r.order {
		rooms = append(rooms, r.rooms[name])
	}
	r.mu.RUnlock()

	all := []string{}
	for _, rm := range rooms {
		rm.mu.Lock()
		all = append(all, rm.usernamesLocked()...)
		rm.mu.Unlock()
	}
	return all
}

// Rooms returns every room with its usernames, including empty rooms.
func (r *Registry) Rooms() map[string][]string {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make(map[string][]string, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		out[rm.name] = rm.usernamesLocked()
		rm.mu.Unlock()
	}
	return out
}

// Record appends payload to the room's history. It is a no-op when history
// is disabled or the room does not exist.
func (r *Registry) Record(name string, payload []byte) {
	if r.historySize <= 0 {
		return
	}
	rm := r.lookup(name)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.history.add(payload)
}

// History returns the room's recorded payloads, oldest first.
func (r *Registry) History(name string) [][]byte {
	rm := r.lookup(name)
	if rm == nil || rm.history == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.history.snapshot()
}

// recordMembers records payload and snapshots the members it goes to under
// one room lock.
func (r *Registry) recordMembers(name string, payload []byte) []Member {
	rm := r.lookup(name)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.history != nil {
		rm.history.add(payload)
	}
	return append([]Member(nil), rm.members...)
}

func (r *Registry) lookup(name string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[name]
}

// roomLocked returns the named room, creating it. r.mu must be held.
func (r *Registry) roomLocked(name string) *room {
	if rm, ok := r.rooms[name]; ok {
		return rm
	}
	rm := &room{name: name}
	if r.historySize > 0 {
		rm.history = newHistory(r.historySize)
	}
	r.rooms[name] = rm
	r.order = append(r.order, name)
	return rm
}

func (r *Registry) notifyLocked(rm *room, users []string) {
	if r.observer != nil {
		r.observer.RoomChanged(rm.name, append([]string(nil), users...))
	}
}

func (rm *room) usernamesLocked() []string {
	users := make([]string, len(rm.members))
	for i, m := range rm.members {
		users[i] = m.Username
	}
	return users
}
