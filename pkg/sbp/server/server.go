package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
	"github.com/AutoMQ/streamlink/pkg/service"
)

const (
	_acceptRetryInitialDelay = 5 * time.Millisecond
	_acceptRetryMaxDelay     = time.Second
)

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server is an SBP server
type Server struct {
	// IdleTimeout specifies how long a connection without streams stays open
	// before it is closed with a GOAWAY frame. If zero, idle connections are kept.
	IdleTimeout time.Duration

	handler service.Handler

	ctx context.Context
	lg  *zap.Logger

	// mu guards shuttingDown and the registration of listeners and connections,
	// so that nothing is registered once Shutdown has looked at them.
	mu           sync.Mutex
	shuttingDown bool
	listeners    mapset.Set[*listener]
	conns        mapset.Set[*conn]
	done         chan struct{}

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
}

// NewServer creates a server
func NewServer(ctx context.Context, handler service.Handler, logger *zap.Logger) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler:   handler,
		ctx:       ctx,
		lg:        logger,
		listeners: mapset.NewThreadUnsafeSet[*listener](),
		conns:     mapset.NewThreadUnsafeSet[*conn](),
		done:      make(chan struct{}),
	}
}

// Serve accepts connections on l and serves each on its own goroutine until Shutdown is called
// or the context of the server is done. It closes l before returning.
//
// Temporary accept errors are retried with backoff. Serve returns ErrServerClosed after
// Shutdown, or the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	ln := &listener{Listener: l}
	defer func() { _ = ln.Close() }()

	if !s.addListener(ln) {
		return ErrServerClosed
	}
	defer s.removeListener(ln)

	logger := s.lg.With(zap.String("listener-addr", l.Addr().String()))
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     _acceptRetryInitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         _acceptRetryMaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	retry.Reset()

	for {
		rwc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay := retry.NextBackOff()
				logger.Error("listener accept failed", zap.Duration("retry-in", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			return err
		}
		retry.Reset()

		c, ok := s.addConn(rwc)
		if !ok {
			logger.Info("reject connection accepted during shutdown", zap.String("remote-addr", rwc.RemoteAddr().String()))
			_ = rwc.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.removeConn(c)
			c.serve()
		}()
	}
}

// Shutdown stops accepting connections, then ends every stream of every connection with
// codes.Unavailable and waits for the connections to close. If ctx expires first, Shutdown
// returns its error, otherwise the error closing the listeners, if any.
//
// Serve returns ErrServerClosed as soon as Shutdown is called. A server cannot be reused
// after Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		logger.Warn("server is already shutting down")
		return nil
	}
	s.shuttingDown = true
	logger.Info("start to close sbp server")
	close(s.done)
	var err error
	s.listeners.Each(func(ln *listener) bool {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return false
	})
	s.conns.Each(func(c *conn) bool {
		c.startGracefulShutdown()
		return false
	})
	s.mu.Unlock()
	s.listenerGroup.Wait()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.connGroup.Wait()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	logger.Info("sbp server closed", zap.Error(err))
	return err
}

func (s *Server) addListener(ln *listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.lg.Info("add listener", zap.String("addr", ln.Addr().String()))
	s.listeners.Add(ln)
	s.listenerGroup.Add(1)
	return true
}

func (s *Server) removeListener(ln *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lg.Info("delete listener", zap.String("addr", ln.Addr().String()))
	s.listeners.Remove(ln)
	s.listenerGroup.Done()
}

// addConn registers a connection unless the server is shutting down.
func (s *Server) addConn(rwc net.Conn) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return nil, false
	}
	c := s.newConn(rwc)
	c.lg.Info("add conn")
	s.conns.Add(c)
	s.connGroup.Add(1)
	return c, true
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.lg.Info("delete conn")
	s.conns.Remove(c)
	s.connGroup.Done()
}

func (s *Server) newConn(rwc net.Conn) *conn {
	logger := s.lg.With(zap.String("remote-addr", rwc.RemoteAddr().String()))
	c := &conn{
		server:           s,
		rwc:              rwc,
		framer:           codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger),
		doneServing:      make(chan struct{}),
		readFrameCh:      make(chan frameReadResult),
		wantWriteFrameCh: make(chan frameWriteRequest, 8),
		wroteFrameCh:     make(chan frameWriteResult, 1),
		serveMsgCh:       make(chan *serverMessage, 8),
		streams:          make(map[uint32]*stream),
		wScheduler:       newWriteScheduler(),
		idleTimeout:      s.IdleTimeout,
		lg:               logger,
	}
	c.ctx, c.cancelCtx = context.WithCancel(s.ctx)
	return c
}

// listener closes the wrapped net.Listener once, as both Serve and Shutdown close it.
type listener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
