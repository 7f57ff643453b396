package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := map[string]map[string]string{
		"nil":     nil,
		"empty":   {},
		"single":  {"_cid": "abc"},
		"several": {"_cid": "abc", "_opid": "42", "tenant": "acme", "": "empty key", "blank": ""},
		"unicode": {"name": "日本語", "emoji": "✓"},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			block := EncodeHeaders(headers)
			decoded, n, err := DecodeHeaders(block)
			require.NoError(t, err)
			assert.Equal(t, len(block), n)
			assert.Len(t, decoded, len(headers))
			for k, v := range headers {
				assert.Equal(t, v, decoded[k])
			}
		})
	}
}

func TestEncodeHeadersDeterministic(t *testing.T) {
	h := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := EncodeHeaders(h)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EncodeHeaders(h))
	}
	// 5 prelude bytes + 3 entries of 8+1+1 bytes
	assert.Len(t, first, 5+3*10)
}

func TestDecodeHeadersVersionGate(t *testing.T) {
	for _, version := range []byte{1, 2, 0x7f, 0xff} {
		block := EncodeHeaders(map[string]string{"_opid": "1"})
		block[0] = version
		_, _, err := DecodeHeaders(block)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDecode))
		assert.Contains(t, err.Error(), "unsupported header version")
	}
}

func TestDecodeHeadersMalformed(t *testing.T) {
	valid := EncodeHeaders(map[string]string{"key": "value"})

	overLong := append([]byte(nil), valid...)
	// key length now points past the end of the block
	binary.BigEndian.PutUint32(overLong[5:9], 100)

	declaredTooLong := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(declaredTooLong[1:5], uint32(len(valid)))

	partialEntry := append([]byte(nil), valid...)
	// shrink the block so it cuts the value in half
	binary.BigEndian.PutUint32(partialEntry[1:5], uint32(len(valid)-5-2))

	cases := map[string][]byte{
		"empty":             {},
		"prelude only":      {0x00, 0x00, 0x00},
		"truncated":         valid[:len(valid)-1],
		"over-long entry":   overLong,
		"declared too long": declaredTooLong,
		"partial entry":     partialEntry,
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			headers, _, err := DecodeHeaders(buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
			assert.Nil(t, headers)
		})
	}
}

func TestDecodeHeaderEntriesRange(t *testing.T) {
	block := EncodeHeaders(map[string]string{"a": "b"})
	headers, err := DecodeHeaderEntries(block, 5, len(block))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, headers)

	_, err = DecodeHeaderEntries(block, 5, len(block)+1)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestEncodeDecodeFrame(t *testing.T) {
	headers := map[string]string{"_opid": "7"}
	body := []byte("hello world")

	frame := EncodeFrame(headers, body)
	assert.Equal(t, uint32(len(frame)-FrameSizeLen), binary.BigEndian.Uint32(frame[:4]))

	decodedHeaders, decodedBody, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, headers, decodedHeaders)
	assert.Equal(t, body, decodedBody)
}

func TestUnframeRejectsBadSize(t *testing.T) {
	_, err := Unframe([]byte{0, 0})
	assert.True(t, errors.Is(err, ErrDecode))

	frame := Frame([]byte("abc"))
	_, err = Unframe(frame[:len(frame)-1])
	assert.True(t, errors.Is(err, ErrDecode))

	payload, err := Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), payload)
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, large))
	require.NoError(t, WriteFrame(&buf, nil))

	first, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)

	second, err := ReadFrame(&buf, len(large))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(large, second))

	empty, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadFrameOverLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 11)))
	_, err := ReadFrame(&buf, 10)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestReadFrameNegativeSize(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), 0)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestBufferSizeCeiling(t *testing.T) {
	const limit = 16
	b := NewBuffer(limit)

	n, err := b.Write(make([]byte, limit))
	require.NoError(t, err)
	assert.Equal(t, limit, n)
	b.Reset()

	_, err = b.Write(make([]byte, limit+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSizeLimitExceeded))
	assert.Equal(t, 0, b.Len())
}

func TestBufferOverflowClearsPartialWrite(t *testing.T) {
	b := NewBuffer(8)
	_, err := b.Write([]byte("12345"))
	require.NoError(t, err)

	_, err = b.Write([]byte("6789"))
	assert.True(t, errors.Is(err, ErrSizeLimitExceeded))
	assert.Equal(t, 0, b.Len())

	_, err = b.Write([]byte("ok"))
	require.NoError(t, err)
	frame := b.Frame()
	assert.Equal(t, []byte{0, 0, 0, 2, 'o', 'k'}, frame)
	assert.Equal(t, 0, b.Len())
}
