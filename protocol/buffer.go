package protocol

import "github.com/pkg/errors"

// Buffer accumulates one outgoing payload up to a fixed ceiling.
//
// A write that would cross the ceiling fails and clears the buffer, so whatever
// the caller writes after handling the error starts from an empty buffer rather
// than behind stale bytes. Buffer is not safe for concurrent use.
type Buffer struct {
	buf   []byte
	limit int
}

// NewBuffer returns a buffer holding at most limit bytes. limit <= 0 means no limit.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Write appends p. It implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.limit > 0 && len(b.buf)+len(p) > b.limit {
		attempted := len(b.buf) + len(p)
		b.Reset()
		return 0, errors.Wrapf(ErrSizeLimitExceeded, "buffer of %d bytes exceeds limit %d", attempted, b.limit)
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Limit returns the ceiling given to NewBuffer.
func (b *Buffer) Limit() int { return b.limit }

// Bytes returns the buffered bytes. The slice aliases the buffer until the next
// Write or Reset.
func (b *Buffer) Bytes() []byte { return b.buf }

// Reset empties the buffer.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// Frame returns the buffered bytes as a newly allocated frame and empties the buffer.
func (b *Buffer) Frame() []byte {
	frame := Frame(b.buf)
	b.Reset()
	return frame
}
