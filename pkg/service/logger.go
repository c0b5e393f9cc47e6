package service

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

// LogAble is a Handler with a logger.
type LogAble interface {
	Handler
	Logger() *zap.Logger
}

// Logger is a wrapper of Handler that logs handshakes and messages at debug level.
type Logger struct {
	LogAble
}

// Handshake implements Handler
func (l Logger) Handshake(hs *Handshake) (map[string]string, error) {
	headers, err := l.LogAble.Handshake(hs)
	if logger := l.logger(); logutil.DebugEnabled(logger) {
		logger.Debug("handshake", zap.String("client-id", hs.ClientID), zap.Bool("auth", hs.AuthToken != ""),
			zap.Bool("attested", hs.AttestationToken != ""), zap.Any("headers", headers), zap.Error(err))
	}
	return headers, err
}

// Message implements Handler
func (l Logger) Message(s Session, msg []byte) error {
	err := l.LogAble.Message(s, msg)
	if logger := l.logger(); logutil.DebugEnabled(logger) {
		logger.Debug("message", zap.String("client-id", s.ClientID()), zap.Int("size", len(msg)), zap.Error(err))
	}
	return err
}

func (l Logger) logger() *zap.Logger {
	if l.LogAble.Logger() != nil {
		return l.LogAble.Logger()
	}
	return zap.NewNop()
}
