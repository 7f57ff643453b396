package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"nats-rpc/message"
	"nats-rpc/protocol"
)

const (
	flagOneway byte = 1 << 0
)

// BinaryCodec lays out a *message.RPCMessage as length-prefixed fields:
//
//	[flags u8][method len u16][method][payload len u32][payload][error len u16][error]
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedValue, "BinaryCodec: %T is not *RPCMessage", v)
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff {
		return nil, errors.Wrap(protocol.ErrSizeLimitExceeded, "BinaryCodec: method or error longer than 65535 bytes")
	}
	total := 1 + 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	if msg.Oneway {
		buf[offset] |= flagOneway
	}
	offset++

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ServiceMethod)))
	offset += 2
	offset += copy(buf[offset:], msg.ServiceMethod)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.Wrapf(ErrUnsupportedValue, "BinaryCodec: %T is not *RPCMessage", v)
	}
	r := reader{data: data}

	flags := r.bytes(1)
	method := r.bytes(int(r.uint16()))
	payload := r.bytes(int(r.uint32()))
	errMsg := r.bytes(int(r.uint16()))
	if r.err != nil {
		return r.err
	}
	if r.offset != len(data) {
		return errors.Wrapf(protocol.ErrDecode, "BinaryCodec: %d trailing bytes", len(data)-r.offset)
	}

	msg.Oneway = flags[0]&flagOneway != 0
	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errMsg)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and remembers the first out-of-range read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.offset < n {
		r.err = errors.Wrapf(protocol.ErrDecode, "BinaryCodec: need %d bytes at offset %d, have %d", n, r.offset, len(r.data)-r.offset)
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
