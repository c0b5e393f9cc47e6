// Package stream manages the lifecycle of one long-lived bidirectional stream.
//
// A Stream fetches credentials, opens a transport, promotes itself to healthy after staying
// open for a while, closes itself when idle, and backs off before restarting after an error.
// Every close, graceful or not, goes through Close.
//
// All methods of Stream must be called on its queue.
package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/backoff"
	"github.com/AutoMQ/streamlink/pkg/credentials"
	"github.com/AutoMQ/streamlink/pkg/queue"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

const (
	// DefaultIdleTimeout is how long a stream marked idle stays open.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultHealthyTimeout is how long a stream stays open before it is considered healthy.
	DefaultHealthyTimeout = 10 * time.Second
)

// Config configures a Stream.
type Config struct {
	// Name identifies the stream in logs.
	Name           string
	Backoff        backoff.Config
	IdleTimeout    time.Duration
	HealthyTimeout time.Duration

	// Timer ids of the delayed operations of the stream. Zero values mean the defaults.
	BackoffTimer     queue.TimerID
	IdleTimer        queue.TimerID
	HealthCheckTimer queue.TimerID
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "stream",
		Backoff:          backoff.DefaultConfig(),
		IdleTimeout:      DefaultIdleTimeout,
		HealthyTimeout:   DefaultHealthyTimeout,
		BackoffTimer:     queue.TimerStreamConnectionBackoff,
		IdleTimer:        queue.TimerStreamIdle,
		HealthCheckTimer: queue.TimerStreamHealthCheck,
	}
}

func (c *Config) adjust() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HealthyTimeout == 0 {
		c.HealthyTimeout = def.HealthyTimeout
	}
	if c.BackoffTimer == queue.TimerAll {
		c.BackoffTimer = def.BackoffTimer
	}
	if c.IdleTimer == queue.TimerAll {
		c.IdleTimer = def.IdleTimer
	}
	if c.HealthCheckTimer == queue.TimerAll {
		c.HealthCheckTimer = def.HealthCheckTimer
	}
	c.Backoff.Adjust()
}

// Stream is a restartable bidirectional stream.
type Stream struct {
	cfg         Config
	q           *queue.Queue
	conn        Connection
	auth        credentials.AuthProvider
	attestation credentials.AttestationProvider
	listener    Listener
	id          string

	state State
	// closeCount is incremented by every close, and stamps the callbacks of an incarnation.
	closeCount  int
	transport   Transport
	backoff     *backoff.Backoff
	idleTimer   *queue.DelayedOperation
	healthCheck *queue.DelayedOperation

	lg *zap.Logger
}

// New creates a stream in the Initial state.
func New(cfg Config, q *queue.Queue, conn Connection, auth credentials.AuthProvider,
	attestation credentials.AttestationProvider, listener Listener, logger *zap.Logger) *Stream {
	cfg.adjust()
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("stream", cfg.Name), zap.String("stream-id", id))
	return &Stream{
		cfg:         cfg,
		q:           q,
		conn:        conn,
		auth:        auth,
		attestation: attestation,
		listener:    listener,
		id:          id,
		state:       StateInitial,
		backoff:     backoff.New(q, cfg.BackoffTimer, cfg.Backoff, logger),
		lg:          logger,
	}
}

// String returns a description of the stream for debugging.
func (s *Stream) String() string {
	return fmt.Sprintf("%s (%s) %s", s.cfg.Name, s.id, s.state)
}

// Start starts the stream. A stream in the Error state backs off before it starts again.
// Starting a stream that is already started panics.
func (s *Stream) Start() {
	s.q.VerifyIsCurrentQueue()

	if s.state == StateError {
		s.backoffAndTryRestarting()
		return
	}

	s.lg.Debug("start stream")
	hardAssert(s.state == StateInitial, "stream %s already started", s)

	s.state = StateStarting
	s.requestCredentials()
}

// Stop closes the stream gracefully. It does nothing if the stream is not started.
func (s *Stream) Stop() {
	s.q.VerifyIsCurrentQueue()
	s.lg.Debug("stop stream")
	if !s.IsStarted() {
		return
	}
	s.Close(nil)
}

// IsStarted reports whether the stream is starting, open or backing off.
func (s *Stream) IsStarted() bool {
	s.q.VerifyIsCurrentQueue()
	return s.state.IsStarted()
}

// IsOpen reports whether the stream can be written to.
func (s *Stream) IsOpen() bool {
	s.q.VerifyIsCurrentQueue()
	return s.state.IsOpen()
}

// State returns the current state.
func (s *Stream) State() State {
	s.q.VerifyIsCurrentQueue()
	return s.state
}

// Write sends msg. The stream must be open.
// It cancels the idle check; callers mark the stream idle again when they are done writing.
func (s *Stream) Write(msg []byte) {
	s.q.VerifyIsCurrentQueue()
	hardAssert(s.IsOpen(), "writing to stream %s which is not open", s)
	s.CancelIdleCheck()
	s.transport.Write(msg)
}

// MarkIdle arms the idle timer if the stream is open and the timer is not armed yet.
// The stream stops once the timer fires.
func (s *Stream) MarkIdle() {
	s.q.VerifyIsCurrentQueue()
	if !s.IsOpen() || s.idleTimer != nil {
		return
	}
	s.idleTimer = s.q.EnqueueAfterDelay(s.cfg.IdleTimeout, s.cfg.IdleTimer, func() {
		s.idleTimer = nil
		if s.IsOpen() {
			s.lg.Debug("stream is idle, stop it", zap.Duration("idle-timeout", s.cfg.IdleTimeout))
			s.Stop()
		}
	})
}

// CancelIdleCheck disarms the idle timer.
func (s *Stream) CancelIdleCheck() {
	s.q.VerifyIsCurrentQueue()
	s.idleTimer.Cancel()
	s.idleTimer = nil
}

// InhibitBackoff clears the Error state without retrying. The stream must not be started.
func (s *Stream) InhibitBackoff() {
	s.q.VerifyIsCurrentQueue()
	hardAssert(!s.IsStarted(), "can only inhibit backoff of a stopped stream, got %s", s)

	s.backoff.Cancel()
	s.backoff.Reset()
	s.state = StateInitial
}

// Close closes the stream. A nil err closes it gracefully, leaving it Initial,
// otherwise it ends up in the Error state.
// Closing a stream that is not started does nothing for a nil err, and panics otherwise.
func (s *Stream) Close(err error) {
	s.q.VerifyIsCurrentQueue()
	graceful := err == nil

	if !s.IsStarted() {
		hardAssert(graceful, "stream %s closed with error while not started: %v", s, err)
		return
	}

	s.CancelIdleCheck()
	s.backoff.Cancel()
	s.healthCheck.Cancel()
	s.healthCheck = nil

	// invalidates every callback of the closed incarnation
	s.closeCount++

	if graceful {
		s.backoff.Reset()
	} else {
		s.handleError(err)
	}

	if graceful && s.transport != nil {
		if td, ok := s.listener.(TearDowner); ok {
			td.TearDown(s.transport)
		}
	}

	if s.transport != nil {
		s.transport.FinishImmediately()
		s.transport = nil
	}

	if graceful {
		s.state = StateInitial
	} else {
		s.state = StateError
	}
	s.lg.Debug("stream closed", zap.Stringer("state", s.state), zap.Int("close-count", s.closeCount), zap.Error(err))

	s.listener.OnStreamClose(err)
}

func (s *Stream) handleError(err error) {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		s.lg.Debug("remote resource exhausted, back off at max delay", zap.Error(err))
		s.backoff.ResetToMax()
	case codes.Unauthenticated:
		if s.state == StateHealthy {
			return
		}
		s.lg.Debug("unauthenticated, invalidate tokens", zap.Error(err))
		s.auth.InvalidateToken()
		s.attestation.InvalidateToken()
	}
}

func (s *Stream) backoffAndTryRestarting() {
	hardAssert(s.state == StateError, "backoff should only happen from the Error state, got %s", s)
	s.state = StateBackoff

	s.backoff.BackoffAndRun(func() {
		hardAssert(s.state == StateBackoff, "backoff elapsed in state %s", s.state)
		s.state = StateInitial
		s.Start()
		hardAssert(s.IsStarted(), "stream %s should be started", s)
	})
}

func (s *Stream) onStreamStart() {
	s.q.VerifyIsCurrentQueue()
	s.lg.Debug("stream is open")

	s.state = StateOpen
	s.healthCheck = s.q.EnqueueAfterDelay(s.cfg.HealthyTimeout, s.cfg.HealthCheckTimer, func() {
		s.healthCheck = nil
		if s.IsOpen() {
			s.state = StateHealthy
		}
	})

	s.listener.OnStreamOpen()
}

func (s *Stream) onStreamRead(msg []byte) {
	s.q.VerifyIsCurrentQueue()
	hardAssert(s.IsStarted(), "read on stopped stream %s", s)

	if logutil.DebugEnabled(s.lg) {
		s.lg.Debug("stream read", zap.String("headers", allowlistedHeaders(s.transport.ResponseHeaders())))
	}

	if err := s.listener.OnStreamMessage(msg); err != nil {
		s.transport.FinishImmediately()
		// the error is local, so the transport reports no status
		s.onStreamFinish(err)
	}
}

func (s *Stream) onStreamFinish(err error) {
	s.q.VerifyIsCurrentQueue()
	if err != nil {
		s.lg.Warn("stream error", zap.Error(err))
	}
	s.Close(err)
}

func hardAssert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.Errorf(format, args...))
	}
}
