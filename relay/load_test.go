package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
)

// TestLoad_RoomFanOut has every member of one room send concurrently and
// checks each member receives every other member's messages, in per-sender
// order.
func TestLoad_RoomFanOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		numClients        = 20
		messagesPerClient = 25
		expectedPerClient = (numClients - 1) * messagesPerClient
	)

	srv, addr := startServer(t, nil)

	clients := make([]*client, numClients)
	for i := range clients {
		c := dial(t, addr)
		c.join(fmt.Sprintf("user-%d", i), "load")
		if _, err := c.read(); err != nil { // own userlist
			t.Fatalf("client %d: read userlist: %v", i, err)
		}
		// Earlier members each see one join announcement.
		for j := 0; j < i; j++ {
			if _, err := clients[j].read(); err != nil {
				t.Fatalf("client %d: read announcement: %v", j, err)
			}
		}
		clients[i] = c
	}

	if got := len(srv.Registry().Usernames("load")); got != numClients {
		t.Fatalf("members = %d, want %d", got, numClients)
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(2)

		go func(i int, c *client) {
			defer wg.Done()
			for j := 0; j < messagesPerClient; j++ {
				frame := fmt.Sprintf(`{"type":"message","username":"user-%d","message":"%d"}`, i, j)
				if _, err := c.conn.Write(maskFrame(frame)); err != nil {
					t.Errorf("client %d: write: %v", i, err)
					return
				}
			}
		}(i, c)

		go func(i int, c *client) {
			defer wg.Done()
			last := make(map[string]int)
			for n := 0; n < expectedPerClient; n++ {
				data, err := c.read()
				if err != nil {
					t.Errorf("client %d: read after %d messages: %v", i, n, err)
					return
				}
				var msg struct {
					Username string `json:"username"`
					Message  string `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					t.Errorf("client %d: bad payload %q: %v", i, data, err)
					return
				}
				if msg.Username == fmt.Sprintf("user-%d", i) {
					t.Errorf("client %d received its own message", i)
					return
				}
				seq, err := strconv.Atoi(msg.Message)
				if err != nil {
					t.Errorf("client %d: bad sequence %q", i, msg.Message)
					return
				}
				prev, ok := last[msg.Username]
				if !ok {
					prev = -1
				}
				if seq != prev+1 {
					t.Errorf("client %d: %s out of order: %d after %d", i, msg.Username, seq, prev)
					return
				}
				last[msg.Username] = seq
			}
		}(i, c)
	}
	wg.Wait()
}
