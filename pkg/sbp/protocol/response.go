package protocol

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
)

// Response is an SBP response
type Response interface {
	// Marshal encodes the Response using the specified format.
	// The returned byte slice is not nil when and only when the error is nil.
	Marshal(fmt format.Format) ([]byte, error)

	// Unmarshal decodes data into the Response using the specified format.
	Unmarshal(fmt format.Format, data []byte) error
}

// HandshakeResponse is the header of an operation.Handshake response, sent once a stream is accepted
type HandshakeResponse struct {
	// Headers are handed to the client as the response headers of the stream.
	Headers map[string]string `json:"headers,omitempty"`
}

//nolint:revive // EXC0012 comment already exists in interface
func (hr *HandshakeResponse) Marshal(fmt format.Format) ([]byte, error) {
	return marshal(hr, fmt)
}

//nolint:revive // EXC0012 comment already exists in interface
func (hr *HandshakeResponse) Unmarshal(fmt format.Format, data []byte) error {
	return unmarshal(hr, fmt, data)
}

func (hr *HandshakeResponse) marshalJSON() ([]byte, error) {
	return marshalJSON(hr)
}

func (hr *HandshakeResponse) unmarshalJSON(data []byte) error {
	return unmarshalJSON(data, hr)
}

// Status is the header of a system error response, and of a GoAway frame.
// Its code is a grpc status code.
type Status struct {
	Code    uint32 `json:"code"`
	Message string `json:"message,omitempty"`
}

// NewStatus converts err to a Status. A nil err is OK.
func NewStatus(err error) *Status {
	s := status.Convert(err)
	return &Status{
		Code:    uint32(s.Code()),
		Message: s.Message(),
	}
}

// Err returns the error the status stands for, nil if it is OK.
func (s *Status) Err() error {
	if s == nil || codes.Code(s.Code) == codes.OK {
		return nil
	}
	return status.Error(codes.Code(s.Code), s.Message)
}

//nolint:revive // EXC0012 comment already exists in interface
func (s *Status) Marshal(fmt format.Format) ([]byte, error) {
	return marshal(s, fmt)
}

//nolint:revive // EXC0012 comment already exists in interface
func (s *Status) Unmarshal(fmt format.Format, data []byte) error {
	return unmarshal(s, fmt, data)
}

func (s *Status) marshalJSON() ([]byte, error) {
	return marshalJSON(s)
}

func (s *Status) unmarshalJSON(data []byte) error {
	return unmarshalJSON(data, s)
}
