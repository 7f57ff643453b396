// Package codec provides the pluggable struct serialization used for RPC
// envelopes and their argument/reply payloads.
package codec

import "github.com/pkg/errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeProto  CodecType = 2
)

// ErrUnsupportedValue is returned when a codec is handed a value it cannot serialize.
var ErrUnsupportedValue = errors.New("codec: unsupported value")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. Unknown types fall back to binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	}
	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "proto", "protobuf":
		return CodecTypeProto, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}
