package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeSize bounds the request head read before the blank line.
const maxHandshakeSize = 8 * 1024

// secKeyHeader is the request header carrying the client nonce.
const secKeyHeader = "Sec-WebSocket-Key"

// AcceptKey computes Sec-WebSocket-Accept from the client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// An empty key still produces a well-defined (and useless) token; detecting a
// missing key is the caller's job.
//
// Example:
//
//	accept := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
//	// accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func AcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake performs the server side of the opening handshake.
//
// It reads the request head from r up to the terminating blank line, takes
// the value of the Sec-WebSocket-Key header and writes the fixed
// 101 Switching Protocols response to w. Method, Upgrade, Connection and
// version headers are not checked: any HTTP/1.1-shaped request carrying a
// key is accepted.
//
// Bytes the client pipelines after the request head stay buffered in r, so
// the same reader must be used for frame decoding afterwards.
//
// Returns ErrMissingSecKey without writing anything if no key was sent.
func Handshake(r *bufio.Reader, w io.Writer) error {
	key, err := readSecKey(r)
	if err != nil {
		return err
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"

	if _, err := io.WriteString(w, response); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	return nil
}

// readSecKey consumes the request head and returns the Sec-WebSocket-Key
// value (the text after the first ": " of its line).
func readSecKey(r *bufio.Reader) (string, error) {
	var (
		key   string
		found bool
		total int
	)

	for {
		line, err := r.ReadSlice('\n')
		total += len(line)
		if errors.Is(err, bufio.ErrBufferFull) || total > maxHandshakeSize {
			return "", ErrHandshakeTooLarge
		}
		if err != nil {
			return "", fmt.Errorf("read handshake: %w", err)
		}

		text := strings.TrimRight(string(line), "\r\n")
		if text == "" {
			break
		}

		name, value, ok := strings.Cut(text, ": ")
		if ok && !found && strings.EqualFold(strings.TrimSpace(name), secKeyHeader) {
			key = strings.TrimSpace(value)
			found = true
		}
	}

	if !found || key == "" {
		return "", ErrMissingSecKey
	}
	return key, nil
}
