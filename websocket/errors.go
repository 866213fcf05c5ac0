package websocket

import "errors"

// Frame errors (RFC 6455 Section 5).

var (
	// ErrProtocolError indicates a violation of the WebSocket protocol.
	// RFC 6455 Section 5.2: the most significant bit of a 64-bit length must be 0.
	ErrProtocolError = errors.New("websocket: protocol error")

	// ErrFrameTooLarge indicates a frame exceeds the configured payload limit.
	// Implementation-specific limit (not defined in RFC).
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrMaskRequired indicates a client frame without masking.
	// RFC 6455 Section 5.3: Client-to-server frames MUST be masked.
	ErrMaskRequired = errors.New("websocket: client frames must be masked")

	// Handshake errors (RFC 6455 Section 4).

	// ErrMissingSecKey indicates the request carried no Sec-WebSocket-Key header.
	ErrMissingSecKey = errors.New("websocket: missing Sec-WebSocket-Key header")

	// ErrHandshakeTooLarge indicates the request head exceeded maxHandshakeSize
	// before the terminating blank line.
	ErrHandshakeTooLarge = errors.New("websocket: handshake request too large")

	// Connection errors.

	// ErrClosed indicates the connection is closed, either locally or because
	// the peer sent a close frame.
	ErrClosed = errors.New("websocket: connection closed")
)
