package websocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Payload sizes.
const (
	// DefaultMaxFramePayload is the largest inbound payload accepted when the
	// caller does not configure a limit. Default: 32 MB.
	DefaultMaxFramePayload = 32 * 1024 * 1024

	// Payload length encoding thresholds (RFC 6455 Section 5.2).
	payloadLen7Bit  = 125 // 0-125: stored in 7 bits
	payloadLen16Bit = 126 // 126: followed by 16-bit length
	payloadLen64Bit = 127 // 127: followed by 64-bit length

	maxHeaderSize = 2 + 8 + 4
)

// Frame structure (RFC 6455 Section 5.2):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//
// The relay only ever produces the unmasked server shape and only ever
// accepts the masked client shape.

// EncodeFrame encodes payload as a single unmasked text frame.
//
// Length encoding:
//   - L <= 125: one byte
//   - 126 <= L <= 65535: 0x7E followed by a 16-bit big-endian length
//   - L > 65535: 0x7F followed by a 64-bit big-endian length
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, 0, maxHeaderSize+len(payload))
	buf = appendHeader(buf, textFrameHeader, 0, uint64(len(payload)))
	return append(buf, payload...)
}

// MaskFrame encodes payload as a masked client text frame.
//
// Servers never send this shape. It exists for clients and tests that need
// to produce what a browser would put on the wire.
func MaskFrame(payload []byte, mask [4]byte) []byte {
	buf := make([]byte, 0, maxHeaderSize+len(payload))
	buf = appendHeader(buf, textFrameHeader, maskBit, uint64(len(payload)))
	buf = append(buf, mask[:]...)
	start := len(buf)
	buf = append(buf, payload...)
	applyMask(buf[start:], mask)
	return buf
}

// WriteFrame writes payload as one unmasked text frame and flushes w.
func WriteFrame(w *bufio.Writer, payload []byte) error {
	var hdr [maxHeaderSize]byte
	header := appendHeader(hdr[:0], textFrameHeader, 0, uint64(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// appendHeader appends the first byte, the mask flag with the length class
// and any extended length bytes.
func appendHeader(buf []byte, first, maskFlag byte, n uint64) []byte {
	buf = append(buf, first)
	switch {
	case n <= payloadLen7Bit:
		buf = append(buf, maskFlag|byte(n))
	case n <= 0xFFFF:
		buf = append(buf, maskFlag|payloadLen16Bit)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, maskFlag|payloadLen64Bit)
		buf = binary.BigEndian.AppendUint64(buf, n)
	}
	return buf
}

// DecodeFrame reads one masked client frame using DefaultMaxFramePayload.
func DecodeFrame(r io.Reader) ([]byte, error) {
	return ReadFrame(r, DefaultMaxFramePayload)
}

// ReadFrame reads one masked client frame from r and returns its unmasked
// payload.
//
// Steps:
//  1. Read the opcode byte (io.EOF here means the peer closed cleanly)
//  2. Read the mask flag and 7-bit length
//  3. Read the 16-bit or 64-bit extended length if signalled
//  4. Read the 4-byte masking key
//  5. Read the payload in one read and unmask it in place
//
// Any other short read is reported as io.ErrUnexpectedEOF. A close frame
// yields ErrClosed.
func ReadFrame(r io.Reader, maxPayload int64) ([]byte, error) {
	var hdr [8]byte

	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	first := hdr[0]

	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, fmt.Errorf("read length: %w", unexpected(err))
	}
	second := hdr[0]

	if first&opcodeBit == opcodeClose {
		return nil, ErrClosed
	}
	if second&maskBit == 0 {
		return nil, ErrMaskRequired
	}

	payloadLen := uint64(second & lengthBit)
	switch payloadLen {
	case payloadLen16Bit:
		if _, err := io.ReadFull(r, hdr[:2]); err != nil {
			return nil, fmt.Errorf("read 16-bit length: %w", unexpected(err))
		}
		payloadLen = uint64(binary.BigEndian.Uint16(hdr[:2]))
	case payloadLen64Bit:
		if _, err := io.ReadFull(r, hdr[:8]); err != nil {
			return nil, fmt.Errorf("read 64-bit length: %w", unexpected(err))
		}
		payloadLen = binary.BigEndian.Uint64(hdr[:8])
		if payloadLen&(1<<63) != 0 {
			return nil, ErrProtocolError
		}
	}

	if maxPayload > 0 && payloadLen > uint64(maxPayload) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return nil, fmt.Errorf("read mask: %w", unexpected(err))
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", unexpected(err))
	}
	applyMask(payload, mask)

	return payload, nil
}

// unexpected maps a clean EOF in the middle of a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// applyMask XORs data in place with the 4-byte masking key.
//
// RFC 6455 Section 5.3:
//
//	transformed-octet-i = original-octet-i XOR masking-key-octet-j
//	where j = i MOD 4
//
// Applying the same mask twice restores the original bytes.
func applyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}
