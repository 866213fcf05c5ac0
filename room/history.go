package room

import "github.com/eapache/queue"

// history is a bounded FIFO of recently relayed payloads.
// Callers hold the owning room's mutex.
type history struct {
	q     *queue.Queue
	limit int
}

func newHistory(limit int) *history {
	return &history{q: queue.New(), limit: limit}
}

// add appends payload, evicting the oldest entries beyond the limit.
func (h *history) add(payload []byte) {
	h.q.Add(payload)
	for h.q.Length() > h.limit {
		h.q.Remove()
	}
}

// snapshot returns the stored payloads, oldest first.
func (h *history) snapshot() [][]byte {
	out := make([][]byte, h.q.Length())
	for i := range out {
		out[i] = h.q.Get(i).([]byte)
	}
	return out
}
