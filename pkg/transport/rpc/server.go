package rpc

import (
	"io"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/AutoMQ/streamlink/pkg/service"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

// NewServer creates a grpc server serving every streaming method with handler.
func NewServer(handler service.Handler, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &streamHandler{handler: handler, lg: logger}
	opts = append(opts, grpc.ForceServerCodec(Codec()), grpc.UnknownServiceHandler(h.serve))
	return grpc.NewServer(opts...)
}

type streamHandler struct {
	handler service.Handler
	lg      *zap.Logger
}

func (h *streamHandler) serve(_ interface{}, ss grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(ss)
	md, _ := metadata.FromIncomingContext(ss.Context())
	hs := &service.Handshake{
		ClientID:         first(md, _clientIDKey),
		AuthToken:        strings.TrimPrefix(first(md, _authorizationKey), _bearerPrefix),
		AttestationToken: first(md, _attestationTokenKey),
	}
	logger := h.lg.With(zap.String("method", method), zap.String("client-id", hs.ClientID))

	headers, err := h.handler.Handshake(hs)
	if err != nil {
		logger.Debug("handshake rejected", zap.Error(err))
		return err
	}
	if err := ss.SendHeader(metadata.New(headers)); err != nil {
		return errors.Wrap(err, "send header")
	}

	sess := newSession(ss, hs.ClientID, logger)
	go sess.writeLoop()
	defer sess.close()

	for {
		var msg []byte
		if err := ss.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("client closed the stream")
				return nil
			}
			return err
		}
		if err := h.handler.Message(sess, msg); err != nil {
			if errors.Is(err, service.ErrEndStream) {
				logger.Debug("end stream")
				return nil
			}
			logger.Warn("failed to handle message", zap.Error(err))
			return err
		}
	}
}

func first(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// session sends messages of a server stream from its own goroutine.
type session struct {
	ss       grpc.ServerStream
	clientID string
	outbox   *outbox.Outbox[[]byte]
	failed   atomic.Bool
	done     chan struct{}

	lg *zap.Logger
}

func newSession(ss grpc.ServerStream, clientID string, logger *zap.Logger) *session {
	return &session{
		ss:       ss,
		clientID: clientID,
		outbox:   outbox.New[[]byte](),
		done:     make(chan struct{}),
		lg:       logger,
	}
}

// ClientID implements service.Session
func (s *session) ClientID() string {
	return s.clientID
}

// Send implements service.Session
func (s *session) Send(msg []byte) error {
	if s.failed.Load() {
		return errors.New("stream broken")
	}
	if !s.outbox.Push(msg) {
		return errors.New("stream closed")
	}
	return nil
}

func (s *session) writeLoop() {
	logger := s.lg
	defer logutil.LogPanic(logger)
	defer close(s.done)

	for range s.outbox.Ready() {
		msgs, closed := s.outbox.Drain()
		for _, msg := range msgs {
			if err := s.ss.SendMsg(msg); err != nil {
				logger.Debug("failed to send message", zap.Error(err))
				s.failed.Store(true)
				return
			}
		}
		if closed {
			return
		}
	}
}

// close flushes queued messages and waits for the write loop to exit.
func (s *session) close() {
	s.outbox.Close()
	<-s.done
}
