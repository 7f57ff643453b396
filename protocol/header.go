package protocol

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// EncodeHeaders serializes headers into a version 0 header block. A nil or empty
// map encodes to a valid block with no entries. Keys are written in sorted order
// so equal maps always produce equal bytes.
func EncodeHeaders(headers map[string]string) []byte {
	keys := make([]string, 0, len(headers))
	size := 0
	for k, v := range headers {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, headerPreludeLen+size)
	buf[0] = HeaderVersion
	binary.BigEndian.PutUint32(buf[1:headerPreludeLen], uint32(size))

	offset := headerPreludeLen
	for _, k := range keys {
		offset = putString(buf, offset, k)
		offset = putString(buf, offset, headers[k])
	}
	return buf
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(s)))
	offset += 4
	copy(buf[offset:], s)
	return offset + len(s)
}

// DecodeHeaders parses the header block at the start of buf. It returns the
// headers and the number of bytes the block occupies, so buf[n:] is the body
// that follows it.
func DecodeHeaders(buf []byte) (map[string]string, int, error) {
	if len(buf) < headerPreludeLen {
		return nil, 0, errors.Wrapf(ErrDecode, "header block needs %d bytes, got %d", headerPreludeLen, len(buf))
	}
	if buf[0] != HeaderVersion {
		return nil, 0, errors.Wrapf(ErrDecode, "unsupported header version %d", buf[0])
	}
	size := binary.BigEndian.Uint32(buf[1:headerPreludeLen])
	if uint64(size) > uint64(len(buf)-headerPreludeLen) {
		return nil, 0, errors.Wrapf(ErrDecode, "header block declares %d bytes, %d available", size, len(buf)-headerPreludeLen)
	}
	end := headerPreludeLen + int(size)
	headers, err := DecodeHeaderEntries(buf, headerPreludeLen, end)
	if err != nil {
		return nil, 0, err
	}
	return headers, end, nil
}

// DecodeHeaderEntries parses the key/value entries in buf[start:end]. The entries
// must exactly fill the range.
func DecodeHeaderEntries(buf []byte, start, end int) (map[string]string, error) {
	if start < 0 || end > len(buf) || start > end {
		return nil, errors.Wrapf(ErrDecode, "header range [%d,%d) outside buffer of %d bytes", start, end, len(buf))
	}
	headers := make(map[string]string)
	offset := start
	for offset < end {
		key, next, err := readString(buf, offset, end)
		if err != nil {
			return nil, err
		}
		value, next, err := readString(buf, next, end)
		if err != nil {
			return nil, err
		}
		headers[key] = value
		offset = next
	}
	return headers, nil
}

func readString(buf []byte, offset, end int) (string, int, error) {
	if end-offset < 4 {
		return "", 0, errors.Wrapf(ErrDecode, "truncated header length at offset %d", offset)
	}
	n := binary.BigEndian.Uint32(buf[offset : offset+4])
	offset += 4
	if uint64(n) > uint64(end-offset) {
		return "", 0, errors.Wrapf(ErrDecode, "header entry of %d bytes overruns block at offset %d", n, offset)
	}
	return string(buf[offset : offset+int(n)]), offset + int(n), nil
}
