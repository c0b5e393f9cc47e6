package rpc

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

const _codecName = "streamlink-raw"

// rawCodec passes messages through as raw bytes.
type rawCodec struct{}

// Codec returns the codec used on both ends of a stream, which sends []byte messages as they are.
func Codec() encoding.Codec {
	return rawCodec{}
}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	default:
		return nil, errors.Errorf("raw codec: unsupported message type %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("raw codec: unsupported message type %T", v)
	}
	*p = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return _codecName
}
