package format

const (
	unknown uint8 = iota
	json
)

var (
	_json    = Format{json}
	_unknown = Format{unknown}
)

// Format is enumeration of Frame.headerFmt
type Format struct {
	code uint8
}

// NewFormat new a format with code
func NewFormat(code uint8) Format {
	switch code {
	case json:
		return _json
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (f Format) String() string {
	switch f.code {
	case json:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Code returns the format code
func (f Format) Code() uint8 {
	return f.code
}

// Default returns the format headers are encoded with unless told otherwise
func Default() Format {
	return _json
}

// JSON serializes and deserializes the header using "github.com/json-iterator/go"
func JSON() Format {
	return _json
}
