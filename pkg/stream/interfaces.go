//go:generate mockgen -destination=listener_mock.go -package=stream github.com/AutoMQ/streamlink/pkg/stream Listener

package stream

import (
	"google.golang.org/grpc/metadata"

	"github.com/AutoMQ/streamlink/pkg/credentials"
)

// Listener is notified of what happens to a Stream. All methods are called on the queue.
type Listener interface {
	// OnStreamOpen is called once the transport is open.
	OnStreamOpen()
	// OnStreamMessage is called for each message received. A non-nil error rejects the message,
	// which tears the transport down and closes the stream with that error.
	OnStreamMessage(msg []byte) error
	// OnStreamClose is called after the stream closed. err is nil if the stream was stopped.
	// The stream state is already updated when it is called.
	OnStreamClose(err error)
}

// TearDowner may be implemented by a Listener to exchange final messages with the transport
// before a graceful close destroys it.
type TearDowner interface {
	TearDown(t Transport)
}

// Credentials are the tokens a transport presents to the remote service.
type Credentials struct {
	Auth credentials.AuthToken
	// Attestation is empty when no attestation token is available.
	Attestation string
}

// Connection creates transports.
type Connection interface {
	// CreateStream returns a new, not yet started, transport reporting its events to observer.
	CreateStream(observer Observer, creds Credentials) Transport
}

// Transport is one incarnation of the underlying bidirectional stream.
// Its methods are only called on the queue.
type Transport interface {
	// Start opens the transport. Events are reported to the observer afterwards.
	Start()
	// Write sends a message. It must not block.
	Write(msg []byte)
	// FinishImmediately closes the transport without reporting anything to the observer.
	// Calling it more than once is safe.
	FinishImmediately()
	// ResponseHeaders returns the headers sent by the remote service, nil if none arrived yet.
	ResponseHeaders() metadata.MD
}

// Observer receives the events of a transport. Its methods may be called from any goroutine;
// events are handed to the stream on the queue, in the order they were reported.
type Observer interface {
	OnStreamStart()
	OnStreamRead(msg []byte)
	// OnStreamFinish reports the end of the transport. A nil err means the remote service
	// ended the stream gracefully.
	OnStreamFinish(err error)
}
