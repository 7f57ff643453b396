// Package protocol implements the wire framing shared by every message nats-rpc
// puts on the bus.
//
// A bus message is already delimited, but the frame keeps its own length prefix so
// that a payload can be validated against truncation and so the same bytes can be
// streamed when needed. The payload of a request or response frame starts with a
// header block carrying string metadata, followed by the serialized struct bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────────────────────────────┐
//	│  size   │               payload ...                 │
//	│ uint32  │  size bytes                               │
//	└─────────┴──────────────────────────────────────────┘
//
// Header block (start of a request/response payload):
//
//	0  1         5
//	┌──┬─────────┬─────────┬─────┬─────────┬───────┬─────┐
//	│v │ blkLen  │ keyLen  │ key │ valLen  │ value │ ... │
//	│00│ uint32  │ uint32  │     │ uint32  │       │     │
//	└──┴─────────┴─────────┴─────┴─────────┴───────┴─────┘
//
// All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// FrameSizeLen is the size of the length prefix in front of every frame.
	FrameSizeLen = 4
	// HeaderVersion is the only header block version this package understands.
	HeaderVersion byte = 0
	// headerPreludeLen is the version byte plus the block length.
	headerPreludeLen = 5
)

var (
	// ErrDecode reports a truncated or malformed frame or header block.
	// It is fatal to the one frame, never to the transport that received it.
	ErrDecode = errors.New("protocol: malformed frame")
	// ErrSizeLimitExceeded reports that a write or a frame is larger than the
	// configured ceiling.
	ErrSizeLimitExceeded = errors.New("protocol: size limit exceeded")
	// ErrProtocolViolation reports a well-formed frame that breaks the
	// request/response contract, e.g. a response without an operation id.
	ErrProtocolViolation = errors.New("protocol: protocol violation")
)

// Frame prepends the 4-byte size prefix to payload. The returned slice is newly
// allocated; payload is not retained.
func Frame(payload []byte) []byte {
	frame := make([]byte, FrameSizeLen+len(payload))
	binary.BigEndian.PutUint32(frame[:FrameSizeLen], uint32(len(payload)))
	copy(frame[FrameSizeLen:], payload)
	return frame
}

// EncodeFrame builds a complete request/response frame: size prefix, header
// block and body.
func EncodeFrame(headers map[string]string, body []byte) []byte {
	block := EncodeHeaders(headers)
	frame := make([]byte, FrameSizeLen+len(block)+len(body))
	binary.BigEndian.PutUint32(frame[:FrameSizeLen], uint32(len(block)+len(body)))
	copy(frame[FrameSizeLen:], block)
	copy(frame[FrameSizeLen+len(block):], body)
	return frame
}

// Unframe validates the size prefix of frame and returns the payload it bounds.
// The payload aliases frame.
func Unframe(frame []byte) ([]byte, error) {
	if len(frame) < FrameSizeLen {
		return nil, errors.Wrapf(ErrDecode, "frame of %d bytes is shorter than its size prefix", len(frame))
	}
	size := binary.BigEndian.Uint32(frame[:FrameSizeLen])
	if uint64(size) != uint64(len(frame)-FrameSizeLen) {
		return nil, errors.Wrapf(ErrDecode, "frame declares %d bytes, carries %d", size, len(frame)-FrameSizeLen)
	}
	return frame[FrameSizeLen:], nil
}

// DecodeFrame splits a request/response frame into its headers and body.
func DecodeFrame(frame []byte) (map[string]string, []byte, error) {
	payload, err := Unframe(frame)
	if err != nil {
		return nil, nil, err
	}
	headers, n, err := DecodeHeaders(payload)
	if err != nil {
		return nil, nil, err
	}
	return headers, payload[n:], nil
}

// WriteFrame writes payload to w as one frame.
// The caller must serialize concurrent writers sharing w.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [FrameSizeLen]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads exactly one frame from r and returns its payload. A declared
// size above max (when max > 0) is a decode error: the stream cannot be
// resynchronised after it.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var prefix [FrameSizeLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if int32(size) < 0 || (max > 0 && uint64(size) > uint64(max)) {
		return nil, errors.Wrapf(ErrDecode, "frame size %d exceeds limit %d", size, max)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	return payload, nil
}
