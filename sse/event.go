// Package sse streams room presence to HTTP clients as Server-Sent Events.
//
// Conn wraps one text/event-stream response. Feed fans userlist changes out
// to the Conns subscribed to a room and implements room.Observer so the
// registry can drive it directly.
package sse

import (
	"strconv"
	"strings"
)

// Event is one text/event-stream message.
//
// Example:
//
//	event := sse.NewEvent(`{"type":"userlist","users":["A"]}`).
//	    WithType("userlist").
//	    WithID("7")
//
//	fmt.Print(event.String())
//	// Output:
//	// event: userlist
//	// id: 7
//	// data: {"type":"userlist","users":["A"]}
//	//
type Event struct {
	// Type maps to the "event:" field. Empty means the client's generic
	// "message" event.
	Type string

	// ID maps to the "id:" field and comes back in Last-Event-ID.
	ID string

	// Data maps to one "data:" line per line of text.
	Data string

	// Retry is the reconnection delay in milliseconds ("retry:").
	Retry int
}

// NewEvent creates an Event carrying data.
func NewEvent(data string) *Event {
	return &Event{Data: data}
}

// WithType sets the event type.
func (e *Event) WithType(typ string) *Event {
	e.Type = typ
	return e
}

// WithID sets the event ID.
func (e *Event) WithID(id string) *Event {
	e.ID = id
	return e
}

// WithRetry sets the reconnection delay in milliseconds.
func (e *Event) WithRetry(ms int) *Event {
	e.Retry = ms
	return e
}

// String serializes the event: optional event, id and retry fields, one
// data line per line of Data, then a blank line.
func (e *Event) String() string {
	var b strings.Builder

	if e.Type != "" {
		b.WriteString("event: ")
		b.WriteString(e.Type)
		b.WriteByte('\n')
	}
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}
	if e.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.Retry))
		b.WriteByte('\n')
	}

	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	return b.String()
}

// Comment returns an SSE comment line, ignored by clients. Used as a
// keep-alive.
func Comment(text string) string {
	return ": " + text + "\n\n"
}
