// Package websocket implements the slice of RFC 6455 a room relay needs,
// directly on top of a raw stream connection.
//
// It provides:
//   - The opening handshake (Sec-WebSocket-Accept derivation, 101 response)
//   - Unmasked text frames from server to client (7/16/64-bit lengths)
//   - Masked frames from client to server, unmasked in one pass
//
// Fragmentation, extensions, ping/pong and the close handshake are not
// implemented. Every outbound frame is a single FIN text frame.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

// Opcode values defined in RFC 6455 Section 5.2.
const (
	// opcodeText indicates a text data frame (RFC 6455 Section 5.6).
	opcodeText = 0x1

	// opcodeClose indicates a close control frame (RFC 6455 Section 5.5.1).
	// An inbound close is treated as end of stream; no close frame is echoed.
	opcodeClose = 0x8
)

// Header bits of the first two frame bytes.
const (
	finBit    = 0x80
	opcodeBit = 0x0F
	maskBit   = 0x80
	lengthBit = 0x7F
)

// textFrameHeader is the first byte of every outbound frame: FIN=1, opcode=text.
const textFrameHeader = finBit | opcodeText
