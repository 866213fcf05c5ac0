package room

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/envelope"
)

func joinAll(t *testing.T, reg *Registry, room string, conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		if _, err := reg.Join(room, c.name, c); err != nil {
			t.Fatalf("Join %s failed: %v", c.name, err)
		}
	}
}

func TestBroadcast_SkipsSender(t *testing.T) {
	reg := NewRegistry(nil)
	b := NewBroadcaster(reg, nil)
	a, c := newFakeConn("A"), newFakeConn("B")
	joinAll(t, reg, "R", a, c)

	msg, err := envelope.Decode([]byte(`{"type":"message","message":"hi","username":"A"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	res, err := b.BroadcastMessage("R", msg.(envelope.Message), a)
	if err != nil {
		t.Fatalf("BroadcastMessage failed: %v", err)
	}
	if res != (Result{Delivered: 1}) {
		t.Errorf("Result = %+v, want 1 delivered", res)
	}
	if got := a.Messages(); len(got) != 0 {
		t.Errorf("sender received its own message: %v", got)
	}
	want := []string{`{"type":"message","message":"hi","username":"A"}`}
	if got := c.Messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("recipient got %v, want %v", got, want)
	}
}

func TestBroadcast_NilSenderReachesEveryone(t *testing.T) {
	reg := NewRegistry(nil)
	b := NewBroadcaster(reg, nil)
	a, c := newFakeConn("A"), newFakeConn("B")
	joinAll(t, reg, "R", a, c)

	res, err := b.Broadcast("R", envelope.UserList{Users: reg.Usernames("R")}, nil)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if res.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", res.Delivered)
	}
	for _, conn := range []*fakeConn{a, c} {
		got := conn.Messages()
		if len(got) != 1 || got[0] != `{"type":"userlist","users":["A","B"]}` {
			t.Errorf("%s got %v", conn.name, got)
		}
	}
	if reg.History("R") != nil {
		t.Error("server pushes must not be recorded")
	}
}

// TestBroadcast_PrunesFailingRecipient verifies one dead peer does not stop
// delivery to the others and is removed from the room.
func TestBroadcast_PrunesFailingRecipient(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	reg := NewRegistry(nil)
	b := NewBroadcaster(reg, &logger)
	a, dead, c := newFakeConn("A"), newFakeConn("B"), newFakeConn("C")
	joinAll(t, reg, "R", a, dead, c)
	dead.fail(errPeerGone)

	res, err := b.Broadcast("R", envelope.NewMessage("hello"), a)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if res != (Result{Delivered: 1, Pruned: 1}) {
		t.Errorf("Result = %+v, want 1 delivered 1 pruned", res)
	}
	if got := c.Messages(); len(got) != 1 {
		t.Errorf("healthy recipient got %d messages, want 1", len(got))
	}
	if got := reg.Usernames("R"); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Errorf("members after prune = %v, want [A C]", got)
	}
	if !dead.IsClosed() {
		t.Error("pruned connection was not closed")
	}
	if !bytes.Contains(logs.Bytes(), []byte("send failed")) {
		t.Errorf("prune was not logged: %s", logs.String())
	}
}

func TestBroadcast_RoomIsolation(t *testing.T) {
	reg := NewRegistry(nil)
	b := NewBroadcaster(reg, nil)
	a, x, y := newFakeConn("A"), newFakeConn("X"), newFakeConn("Y")
	joinAll(t, reg, "R1", a, x)
	joinAll(t, reg, "R2", y)

	if _, err := b.Broadcast("R1", envelope.NewMessage("only R1"), a); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(x.Messages()) != 1 {
		t.Error("member of R1 missed the message")
	}
	if len(y.Messages()) != 0 {
		t.Error("member of R2 received a message sent to R1")
	}
}

func TestBroadcast_UnknownRoom(t *testing.T) {
	b := NewBroadcaster(NewRegistry(nil), nil)
	res, err := b.Broadcast("nowhere", envelope.NewMessage("x"), nil)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("Result = %+v, want zero", res)
	}
}

// TestBroadcast_FileAndAudioRewrapped verifies file and audio envelopes go
// out in canonical form and land in history.
func TestBroadcast_FileAndAudioRewrapped(t *testing.T) {
	reg := NewRegistry(&Options{HistorySize: 10})
	b := NewBroadcaster(reg, nil)
	a, c := newFakeConn("A"), newFakeConn("B")
	joinAll(t, reg, "R", a, c)

	f := envelope.File{Name: "n.txt", Content: "aGk=", Username: "A", Message: "look"}
	if _, err := b.BroadcastFile("R", f, a); err != nil {
		t.Fatalf("BroadcastFile failed: %v", err)
	}
	if _, err := b.BroadcastAudio("R", envelope.Audio{Content: "UklGRg==", Username: "A"}, a); err != nil {
		t.Fatalf("BroadcastAudio failed: %v", err)
	}

	want := []string{
		`{"type":"file","file":{"name":"n.txt","content":"aGk=","username":"A","message":"look"}}`,
		`{"type":"audio","audio":{"content":"UklGRg==","username":"A"}}`,
	}
	if got := c.Messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("recipient got %v, want %v", got, want)
	}

	hist := reg.History("R")
	if len(hist) != 2 || string(hist[0]) != want[0] || string(hist[1]) != want[1] {
		t.Errorf("History() = %q", hist)
	}
}

// TestBroadcast_JoinSeesEachMessageOnce relays while a member joins and
// checks every message reaches the joiner exactly once, either through the
// backlog or through the live fan-out.
func TestBroadcast_JoinSeesEachMessageOnce(t *testing.T) {
	const messages = 500

	for round := 0; round < 20; round++ {
		reg := NewRegistry(&Options{HistorySize: messages})
		b := NewBroadcaster(reg, nil)
		sender := newFakeConn("A")
		joinAll(t, reg, "R", sender)

		joiner := newFakeConn("B")
		var backlog [][]byte

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				msg := envelope.Message{Raw: []byte(fmt.Sprintf(`{"type":"message","message":"%d"}`, i))}
				if _, err := b.BroadcastMessage("R", msg, sender); err != nil {
					t.Errorf("BroadcastMessage failed: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			var err error
			if _, backlog, err = reg.JoinWithHistory("R", "B", joiner); err != nil {
				t.Errorf("JoinWithHistory failed: %v", err)
			}
		}()
		wg.Wait()

		seen := make(map[string]int, messages)
		for _, p := range backlog {
			seen[string(p)]++
		}
		for _, m := range joiner.Messages() {
			seen[m]++
		}
		if len(seen) != messages {
			t.Fatalf("round %d: joiner saw %d distinct messages, want %d", round, len(seen), messages)
		}
		for m, n := range seen {
			if n != 1 {
				t.Fatalf("round %d: %s seen %d times", round, m, n)
			}
		}
	}
}

func TestRegistry_JoinWithHistory(t *testing.T) {
	reg := NewRegistry(&Options{HistorySize: 4})
	b := NewBroadcaster(reg, nil)
	a := newFakeConn("A")
	joinAll(t, reg, "R", a)

	if _, err := b.BroadcastMessage("R", envelope.Message{Raw: []byte("early")}, a); err != nil {
		t.Fatalf("BroadcastMessage failed: %v", err)
	}

	c := newFakeConn("C")
	users, backlog, err := reg.JoinWithHistory("R", "C", c)
	if err != nil {
		t.Fatalf("JoinWithHistory failed: %v", err)
	}
	if !reflect.DeepEqual(users, []string{"A", "C"}) {
		t.Errorf("users = %v, want [A C]", users)
	}
	if len(backlog) != 1 || string(backlog[0]) != "early" {
		t.Errorf("backlog = %q, want [early]", backlog)
	}
	if got := c.Messages(); len(got) != 0 {
		t.Errorf("joiner got live copies of earlier messages: %v", got)
	}

	if _, err := b.BroadcastMessage("R", envelope.Message{Raw: []byte("late")}, a); err != nil {
		t.Fatalf("BroadcastMessage failed: %v", err)
	}
	if got := c.Messages(); !reflect.DeepEqual(got, []string{"late"}) {
		t.Errorf("joiner got %v, want [late]", got)
	}

	if _, _, err := reg.JoinWithHistory("R", "C", c); err != ErrAlreadyJoined {
		t.Errorf("second JoinWithHistory = %v, want ErrAlreadyJoined", err)
	}
}
