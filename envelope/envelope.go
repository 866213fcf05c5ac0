// Package envelope defines the typed JSON messages carried one per frame.
//
// Every envelope is a JSON object with a "type" discriminator. Decode maps
// the discriminator onto one Go type per kind; anything unrecognised becomes
// Unknown so callers can log and drop it.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the value of the "type" field.
type Kind string

// Envelope kinds.
const (
	KindJoin     Kind = "user_data"
	KindMessage  Kind = "message"
	KindFile     Kind = "file"
	KindAudio    Kind = "audio"
	KindUserList Kind = "userlist"
)

var (
	// ErrMalformed indicates the payload is not a JSON object.
	ErrMalformed = errors.New("envelope: malformed JSON")

	// ErrMissingType indicates the object has no "type" field.
	ErrMissingType = errors.New("envelope: missing type")

	// ErrMissingBody indicates a file or audio envelope without its nested object.
	ErrMissingBody = errors.New("envelope: missing body")

	// ErrIncompleteJoin indicates a user_data envelope without username or room.
	ErrIncompleteJoin = errors.New("envelope: join requires username and room")
)

// Envelope is implemented by every envelope kind.
type Envelope interface {
	Kind() Kind
}

// Join is the user_data request a client sends once after the handshake.
type Join struct {
	Username string
	Room     string
}

// Message is a chat message. Inbound messages keep their exact payload in
// Raw and are relayed verbatim; Username and Text are filled on a
// best-effort basis for logging.
type Message struct {
	Username string
	Text     string
	Raw      []byte
}

// File carries a file (base64 or raw text content) with an optional caption.
type File struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Audio carries an opaque audio payload.
type Audio struct {
	Content  string `json:"content"`
	Username string `json:"username"`
}

// UserList is pushed by the server with a room's usernames in join order.
type UserList struct {
	Users []string
}

// Unknown is any envelope whose type is not recognised.
type Unknown struct {
	Type string
	Raw  []byte
}

func (Join) Kind() Kind     { return KindJoin }
func (Message) Kind() Kind  { return KindMessage }
func (File) Kind() Kind     { return KindFile }
func (Audio) Kind() Kind    { return KindAudio }
func (UserList) Kind() Kind { return KindUserList }
func (u Unknown) Kind() Kind {
	return Kind(u.Type)
}

// Validate reports ErrIncompleteJoin if username or room is empty.
func (j Join) Validate() error {
	if j.Username == "" || j.Room == "" {
		return ErrIncompleteJoin
	}
	return nil
}

// NewMessage builds a server-originated message.
func NewMessage(text string) Message {
	return Message{Text: text}
}

// Decode parses one frame payload.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil {
		return nil, ErrMissingType
	}

	switch Kind(*head.Type) {
	case KindJoin:
		var w struct {
			Username string `json:"username"`
			Room     string `json:"room"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Join{Username: w.Username, Room: w.Room}, nil

	case KindMessage:
		msg := Message{Raw: append([]byte(nil), data...)}
		var w struct {
			Username string `json:"username"`
			Message  string `json:"message"`
		}
		if json.Unmarshal(data, &w) == nil {
			msg.Username, msg.Text = w.Username, w.Message
		}
		return msg, nil

	case KindFile:
		var w struct {
			File *File `json:"file"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.File == nil {
			return nil, fmt.Errorf("%w: file", ErrMissingBody)
		}
		return *w.File, nil

	case KindAudio:
		var w struct {
			Audio *Audio `json:"audio"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.Audio == nil {
			return nil, fmt.Errorf("%w: audio", ErrMissingBody)
		}
		return *w.Audio, nil

	case KindUserList:
		var w struct {
			Users []string `json:"users"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return UserList{Users: w.Users}, nil

	default:
		return Unknown{Type: *head.Type, Raw: append([]byte(nil), data...)}, nil
	}
}

// Encode serialises env to its wire form. Relayed messages and unknown
// envelopes come back exactly as received (json.Marshal would compact them).
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case Message:
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
	case Unknown:
		return e.Raw, nil
	}
	return json.Marshal(env)
}

// MarshalJSON implements json.Marshaler.
func (j Join) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     Kind   `json:"type"`
		Username string `json:"username"`
		Room     string `json:"room"`
	}{KindJoin, j.Username, j.Room})
}

// MarshalJSON implements json.Marshaler. A message with Raw set is emitted
// byte for byte.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(struct {
		Type     Kind   `json:"type"`
		Username string `json:"username,omitempty"`
		Message  string `json:"message"`
	}{KindMessage, m.Username, m.Text})
}

// MarshalJSON implements json.Marshaler.
func (f File) MarshalJSON() ([]byte, error) {
	type body File
	return json.Marshal(struct {
		Type Kind `json:"type"`
		File body `json:"file"`
	}{KindFile, body(f)})
}

// MarshalJSON implements json.Marshaler.
func (a Audio) MarshalJSON() ([]byte, error) {
	type body Audio
	return json.Marshal(struct {
		Type  Kind `json:"type"`
		Audio body `json:"audio"`
	}{KindAudio, body(a)})
}

// MarshalJSON implements json.Marshaler. Users is never null on the wire.
func (u UserList) MarshalJSON() ([]byte, error) {
	users := u.Users
	if users == nil {
		users = []string{}
	}
	return json.Marshal(struct {
		Type  Kind     `json:"type"`
		Users []string `json:"users"`
	}{KindUserList, users})
}

// MarshalJSON implements json.Marshaler.
func (u Unknown) MarshalJSON() ([]byte, error) {
	return u.Raw, nil
}
