// Package service defines the server side of a stream, shared by every transport.
package service

import (
	"github.com/pkg/errors"
)

// ErrEndStream is returned by Handler.Message to end the stream gracefully.
var ErrEndStream = errors.New("end of stream")

// Handshake is what a client presents when it opens a stream.
type Handshake struct {
	ClientID         string
	AuthToken        string
	AttestationToken string
}

// Session sends messages back to the client of one stream.
type Session interface {
	ClientID() string
	// Send queues msg to the client without waiting for it to be written.
	Send(msg []byte) error
}

// Handler serves streams.
type Handler interface {
	// Handshake accepts or rejects a new stream. The returned headers are sent back to the client.
	// A rejection should carry a grpc status.
	Handshake(hs *Handshake) (headers map[string]string, err error)
	// Message handles a message of a stream. Returning ErrEndStream ends the stream gracefully,
	// any other error ends it with the status of that error.
	Message(s Session, msg []byte) error
}
