package protocol

import (
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
)

// Request is an SBP request
type Request interface {
	// Unmarshal decodes data into the Request using the specified format
	// data is expired after the call, so the implementation should copy the data if needed
	Unmarshal(fmt format.Format, data []byte) error

	// Marshal encodes the Request using the specified format.
	Marshal(fmt format.Format) ([]byte, error)
}

// HandshakeRequest is the header of an operation.Handshake request, which opens a stream
type HandshakeRequest struct {
	ClientID         string `json:"clientID"`
	AuthToken        string `json:"authToken,omitempty"`
	AttestationToken string `json:"attestationToken,omitempty"`
}

//nolint:revive // EXC0012 comment already exists in interface
func (hr *HandshakeRequest) Unmarshal(fmt format.Format, data []byte) error {
	return unmarshal(hr, fmt, data)
}

//nolint:revive // EXC0012 comment already exists in interface
func (hr *HandshakeRequest) Marshal(fmt format.Format) ([]byte, error) {
	return marshal(hr, fmt)
}

func (hr *HandshakeRequest) marshalJSON() ([]byte, error) {
	return marshalJSON(hr)
}

func (hr *HandshakeRequest) unmarshalJSON(data []byte) error {
	return unmarshalJSON(data, hr)
}
