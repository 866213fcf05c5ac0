package sse

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFeedConn(t *testing.T) (*Conn, *streamRecorder) {
	t.Helper()
	w := newStreamRecorder()
	conn, err := Upgrade(w, httptest.NewRequest("GET", "/", http.NoBody))
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, w
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_DeliversToRoomSubscribers(t *testing.T) {
	feed := NewFeed(nil)
	go feed.Run()
	defer feed.Close()

	lobby, lobbyOut := newFeedConn(t)
	other, otherOut := newFeedConn(t)
	if err := feed.Subscribe("lobby", lobby, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := feed.Subscribe("other", other, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	feed.RoomChanged("lobby", []string{"A"})
	feed.RoomChanged("lobby", []string{"A", "B"})

	want := ": connected\n\n" +
		"event: userlist\nid: 1\ndata: {\"type\":\"userlist\",\"users\":[\"A\"]}\n\n" +
		"event: userlist\nid: 2\ndata: {\"type\":\"userlist\",\"users\":[\"A\",\"B\"]}\n\n"
	waitFor(t, "two presence events", func() bool { return lobbyOut.String() == want })

	if got := otherOut.String(); got != ": connected\n\n" {
		t.Errorf("subscriber of another room got %q", got)
	}
}

func TestFeed_EmptyRoomSendsEmptyArray(t *testing.T) {
	feed := NewFeed(nil)
	go feed.Run()
	defer feed.Close()

	conn, out := newFeedConn(t)
	_ = feed.Subscribe("lobby", conn, nil)
	feed.RoomChanged("lobby", nil)

	waitFor(t, "empty userlist", func() bool {
		return strings.Contains(out.String(), `data: {"type":"userlist","users":[]}`)
	})
}

// TestFeed_DropsClosedSubscriber tests that a stream whose client went away
// is removed on the next update.
func TestFeed_DropsClosedSubscriber(t *testing.T) {
	feed := NewFeed(nil)
	go feed.Run()
	defer feed.Close()

	conn, _ := newFeedConn(t)
	_ = feed.Subscribe("lobby", conn, nil)
	conn.Close()

	feed.RoomChanged("lobby", []string{"A"})
	waitFor(t, "subscriber removal", func() bool { return feed.Subscribers("lobby") == 0 })
}

func TestFeed_Unsubscribe(t *testing.T) {
	feed := NewFeed(nil)
	go feed.Run()
	defer feed.Close()

	conn, _ := newFeedConn(t)
	_ = feed.Subscribe("lobby", conn, nil)
	waitFor(t, "subscription", func() bool { return feed.Subscribers("lobby") == 1 })

	feed.Unsubscribe("lobby", conn)
	feed.Unsubscribe("lobby", conn)
	feed.Unsubscribe("nowhere", conn)

	if got := feed.Subscribers("lobby"); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Unsubscribe did not close the stream")
	}
}

func TestFeed_Close(t *testing.T) {
	feed := NewFeed(nil)
	go feed.Run()

	conn, _ := newFeedConn(t)
	_ = feed.Subscribe("lobby", conn, nil)
	waitFor(t, "subscription", func() bool { return feed.Subscribers("lobby") == 1 })

	if err := feed.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Close did not end open streams")
	}
	if err := feed.Subscribe("lobby", conn, nil); !errors.Is(err, ErrFeedClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrFeedClosed", err)
	}

	// Must not block or panic.
	feed.RoomChanged("lobby", []string{"A"})
}

// TestFeed_SnapshotIsNeverStale queues an update, a subscription and a newer
// update before Run starts. The subscriber must see its snapshot then the
// newer update, never the update that predates it.
func TestFeed_SnapshotIsNeverStale(t *testing.T) {
	feed := NewFeed(nil)
	defer feed.Close()

	conn, out := newFeedConn(t)
	snapshots := 0
	snapshot := func() []string {
		snapshots++
		return []string{"A", "B"}
	}

	feed.RoomChanged("lobby", []string{"A"})
	if err := feed.Subscribe("lobby", conn, snapshot); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	feed.RoomChanged("lobby", []string{"A", "B", "C"})
	go feed.Run()

	want := ": connected\n\n" +
		"event: userlist\nid: 2\nretry: 3000\ndata: {\"type\":\"userlist\",\"users\":[\"A\",\"B\"]}\n\n" +
		"event: userlist\nid: 3\ndata: {\"type\":\"userlist\",\"users\":[\"A\",\"B\",\"C\"]}\n\n"
	waitFor(t, "snapshot then update", func() bool { return out.String() == want })

	if snapshots != 1 {
		t.Errorf("snapshot called %d times, want 1", snapshots)
	}
}

func TestFeed_SubscribeSkipsEndedStream(t *testing.T) {
	feed := NewFeed(nil)
	defer feed.Close()

	conn, _ := newFeedConn(t)
	called := false
	if err := feed.Subscribe("lobby", conn, func() []string { called = true; return nil }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	conn.Close()

	done := make(chan struct{})
	go func() {
		feed.Run()
		close(done)
	}()
	feed.RoomChanged("lobby", []string{"A"})
	waitFor(t, "queue drained", func() bool { return len(feed.updates) == 0 })
	feed.Close()
	<-done

	if called {
		t.Error("snapshot taken for a stream that had already ended")
	}
	if got := feed.Subscribers("lobby"); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}

func TestFeed_CloseEndsQueuedSubscriptions(t *testing.T) {
	feed := NewFeed(nil) // Run not started: the subscription stays queued

	conn, _ := newFeedConn(t)
	if err := feed.Subscribe("lobby", conn, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	feed.Close()

	select {
	case <-conn.Done():
	default:
		t.Error("Close left a queued subscription open")
	}
}

// TestFeed_RoomChangedNeverBlocks tests that a full queue drops updates
// instead of stalling the caller.
func TestFeed_RoomChangedNeverBlocks(t *testing.T) {
	feed := NewFeed(nil) // Run not started: nothing drains the queue
	defer feed.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < updateBuffer*2; i++ {
			feed.RoomChanged("lobby", []string{"A"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RoomChanged blocked on a full queue")
	}
}

func TestUserListEvent(t *testing.T) {
	event, err := UserListEvent([]string{"A"}, "9")
	if err != nil {
		t.Fatalf("UserListEvent failed: %v", err)
	}
	want := "event: userlist\nid: 9\ndata: {\"type\":\"userlist\",\"users\":[\"A\"]}\n\n"
	if got := event.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
