// Package rpc carries streams over gRPC bidirectional streaming calls.
package rpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/AutoMQ/streamlink/pkg/stream"
	"github.com/AutoMQ/streamlink/pkg/util/idutil"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

const (
	// DefaultMethod is the full method name streams are opened on.
	DefaultMethod = "/streamlink.v1.Stream/Open"

	_authorizationKey    = "authorization"
	_attestationTokenKey = "x-attestation-token"
	_clientIDKey         = "x-client-id"
	_bearerPrefix        = "Bearer "
)

var _streamDesc = &grpc.StreamDesc{
	StreamName:    "Open",
	ServerStreams: true,
	ClientStreams: true,
}

// Dial creates a client connection to addr without transport security.
// It does not wait for the connection to be established.
func Dial(addr string, connectTimeout time.Duration, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           grpcbackoff.DefaultConfig,
			MinConnectTimeout: connectTimeout,
		}),
	}, opts...)
	cc, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return cc, nil
}

// Connection opens streams as bidirectional streaming calls of one method.
type Connection struct {
	cc       grpc.ClientConnInterface
	method   string
	clientID string

	lg *zap.Logger
}

// NewConnection creates a Connection calling method on cc.
func NewConnection(cc grpc.ClientConnInterface, method string, clientIDPrefix string, logger *zap.Logger) *Connection {
	if method == "" {
		method = DefaultMethod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientID := idutil.NewClientID(clientIDPrefix)
	return &Connection{
		cc:       cc,
		method:   method,
		clientID: clientID,
		lg:       logger.With(zap.String("method", method), zap.String("client-id", clientID)),
	}
}

// ClientID returns the id the connection presents to the server.
func (c *Connection) ClientID() string {
	return c.clientID
}

// CreateStream implements stream.Connection
func (c *Connection) CreateStream(observer stream.Observer, creds stream.Credentials) stream.Transport {
	ctx, cancel := context.WithCancel(context.Background())
	md := metadata.Pairs(_clientIDKey, c.clientID)
	if creds.Auth.Token != "" {
		md.Set(_authorizationKey, _bearerPrefix+creds.Auth.Token)
	}
	if creds.Attestation != "" {
		md.Set(_attestationTokenKey, creds.Attestation)
	}

	return &transport{
		conn:     c,
		observer: observer,
		ctx:      metadata.NewOutgoingContext(ctx, md),
		cancel:   cancel,
		outbox:   outbox.New[[]byte](),
		lg:       c.lg.With(zap.String("trace-id", idutil.NewTraceID())),
	}
}

// transport is one streaming call.
//
// It opens the call, waits for the response headers, then reports the stream open and runs
// a read loop and a write loop. Writes are queued in an outbox so that Write never blocks.
type transport struct {
	conn     *Connection
	observer stream.Observer
	ctx      context.Context
	cancel   context.CancelFunc
	outbox   *outbox.Outbox[[]byte]

	started atomic.Bool
	// opened is set once the write loop runs, which then owns the end of the call.
	opened atomic.Bool
	// finished is set once the observer must not hear from the transport anymore.
	finished atomic.Bool

	mu      sync.Mutex
	headers metadata.MD

	lg *zap.Logger
}

func (t *transport) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

func (t *transport) Write(msg []byte) {
	if !t.outbox.Push(msg) {
		t.lg.Warn("drop message written after finish", zap.Int("size", len(msg)))
	}
}

func (t *transport) FinishImmediately() {
	t.finished.Store(true)
	t.outbox.Close()
	if !t.opened.Load() {
		t.cancel()
	}
}

func (t *transport) ResponseHeaders() metadata.MD {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.headers == nil {
		return nil
	}
	return t.headers.Copy()
}

func (t *transport) run() {
	logger := t.lg
	defer logutil.LogPanic(logger)

	cs, err := t.conn.cc.NewStream(t.ctx, _streamDesc, t.conn.method, grpc.ForceCodec(Codec()))
	if err != nil {
		t.finish(err)
		return
	}
	md, err := cs.Header()
	if err != nil {
		t.finish(err)
		return
	}
	t.mu.Lock()
	t.headers = md
	t.mu.Unlock()

	go t.writeLoop(cs)
	t.opened.Store(true)
	if !t.finished.Load() {
		logger.Debug("stream call open")
		t.observer.OnStreamStart()
	}
	t.readLoop(cs)
}

func (t *transport) readLoop(cs grpc.ClientStream) {
	for {
		var msg []byte
		if err := cs.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				// the server ended the call with an OK status
				err = nil
			}
			t.finish(err)
			return
		}
		if t.finished.Load() {
			continue
		}
		t.observer.OnStreamRead(msg)
	}
}

func (t *transport) writeLoop(cs grpc.ClientStream) {
	logger := t.lg
	defer logutil.LogPanic(logger)

	for range t.outbox.Ready() {
		msgs, closed := t.outbox.Drain()
		for _, msg := range msgs {
			if err := cs.SendMsg(msg); err != nil {
				// the read loop reports the status of the call
				logger.Debug("failed to send message", zap.Error(err))
				return
			}
		}
		if closed {
			if err := cs.CloseSend(); err != nil {
				logger.Debug("failed to close send direction", zap.Error(err))
			}
			t.cancel()
			return
		}
	}
}

// finish reports the end of the call unless the stream already finished the transport,
// and releases the call.
func (t *transport) finish(err error) {
	if t.finished.CompareAndSwap(false, true) {
		if err != nil {
			t.lg.Debug("stream call failed", zap.Error(err))
		}
		t.observer.OnStreamFinish(err)
	}
	t.outbox.Close()
	t.cancel()
}
