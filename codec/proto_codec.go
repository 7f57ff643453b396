package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// ProtoCodec serializes protocol buffer messages. Values that are not
// proto.Message are rejected with ErrUnsupportedValue.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedValue, "ProtoCodec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.Wrapf(ErrUnsupportedValue, "ProtoCodec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
