package service

import (
	"bytes"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/credentials"
	"github.com/AutoMQ/streamlink/pkg/util/idutil"
)

// QuitMessage makes Echo end the stream gracefully.
var QuitMessage = []byte("quit")

// Echo sends every message back to its sender.
type Echo struct {
	// secret verifies auth tokens. Any token, including none, is accepted if it is empty.
	secret []byte
	lg     *zap.Logger
}

// NewEcho creates an Echo handler.
func NewEcho(secret []byte, logger *zap.Logger) *Echo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Echo{secret: secret, lg: logger}
}

// Handshake implements Handler
func (e *Echo) Handshake(hs *Handshake) (map[string]string, error) {
	logger := e.lg.With(zap.String("client-id", hs.ClientID))
	if len(e.secret) > 0 {
		claims, err := credentials.ParseToken(e.secret, hs.AuthToken)
		if err != nil {
			logger.Warn("reject stream with invalid auth token", zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		logger = logger.With(zap.String("subject", claims.Subject))
	}
	requestID := idutil.NewTraceID()
	logger.Info("stream accepted", zap.String("request-id", requestID), zap.Bool("attested", hs.AttestationToken != ""))
	return map[string]string{
		"server":       "streamlink-echo",
		"x-request-id": requestID,
	}, nil
}

// Logger returns the logger of the handler.
func (e *Echo) Logger() *zap.Logger {
	return e.lg
}

// Message implements Handler
func (e *Echo) Message(s Session, msg []byte) error {
	if bytes.Equal(msg, QuitMessage) {
		e.lg.Info("client quits", zap.String("client-id", s.ClientID()))
		return ErrEndStream
	}
	return s.Send(msg)
}
