package protocol

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
)

const (
	_unsupportedFmtErrMsg = "unsupported format: %s"
)

var _json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonMarshaller interface {
	marshalJSON() ([]byte, error)
}

func marshal(m jsonMarshaller, fmt format.Format) ([]byte, error) {
	switch fmt {
	case format.JSON():
		return m.marshalJSON()
	default:
		return nil, errors.Errorf(_unsupportedFmtErrMsg, fmt)
	}
}

type jsonUnmarshaler interface {
	unmarshalJSON(data []byte) error
}

func unmarshal(m jsonUnmarshaler, fmt format.Format, data []byte) error {
	switch fmt {
	case format.JSON():
		return m.unmarshalJSON(data)
	default:
		return errors.Errorf(_unsupportedFmtErrMsg, fmt)
	}
}

func marshalJSON(v interface{}) ([]byte, error) {
	data, err := _json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json")
	}
	return data, nil
}

func unmarshalJSON(data []byte, v interface{}) error {
	if err := _json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal json")
	}
	return nil
}
