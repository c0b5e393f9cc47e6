// Package transport holds what stream transports share.
package transport

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/stream"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

// Logger wraps a connection to log the traffic of every transport it creates at debug level.
type Logger struct {
	stream.Connection

	count atomic.Int64
	lg    *zap.Logger
}

// NewLogger wraps conn.
func NewLogger(conn stream.Connection, lg *zap.Logger) *Logger {
	return &Logger{
		Connection: conn,
		lg:         lg,
	}
}

// CreateStream implements stream.Connection
func (l *Logger) CreateStream(observer stream.Observer, creds stream.Credentials) stream.Transport {
	if !logutil.DebugEnabled(l.lg) {
		return l.Connection.CreateStream(observer, creds)
	}

	logger := l.lg.With(zap.Int64("transport", l.count.Add(1)))
	logger.Debug("create transport", zap.String("user", creds.Auth.User),
		zap.Bool("auth-token", creds.Auth.Token != ""), zap.Bool("attestation-token", creds.Attestation != ""))
	t := l.Connection.CreateStream(&loggingObserver{Observer: observer, lg: logger}, creds)
	return &loggingTransport{Transport: t, lg: logger}
}

type loggingTransport struct {
	stream.Transport
	lg *zap.Logger
}

func (t *loggingTransport) Start() {
	t.lg.Debug("start transport")
	t.Transport.Start()
}

func (t *loggingTransport) Write(msg []byte) {
	t.lg.Debug("write", zap.Int("size", len(msg)))
	t.Transport.Write(msg)
}

func (t *loggingTransport) FinishImmediately() {
	t.lg.Debug("finish transport")
	t.Transport.FinishImmediately()
}

type loggingObserver struct {
	stream.Observer
	lg *zap.Logger
}

func (o *loggingObserver) OnStreamStart() {
	o.lg.Debug("transport open")
	o.Observer.OnStreamStart()
}

func (o *loggingObserver) OnStreamRead(msg []byte) {
	o.lg.Debug("read", zap.Int("size", len(msg)))
	o.Observer.OnStreamRead(msg)
}

func (o *loggingObserver) OnStreamFinish(err error) {
	o.lg.Debug("transport finished", zap.Error(err))
	o.Observer.OnStreamFinish(err)
}
