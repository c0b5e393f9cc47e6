// Package backoff schedules retries on a queue with exponentially growing delays.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/queue"
)

const (
	// DefaultInitialDelay is the delay of the first retry after a reset.
	DefaultInitialDelay = time.Second
	// DefaultMaxDelay caps the delay between retries.
	DefaultMaxDelay = 60 * time.Second
	// DefaultFactor is how much the delay grows after each retry.
	DefaultFactor = 1.5
)

// Config describes the delay sequence of a Backoff.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter randomizes each delay within [delay*(1-Jitter), delay*(1+Jitter)]. Zero disables it.
	Jitter float64
}

// DefaultConfig returns the default delay sequence: 1s, 1.5s, 2.25s, ... up to 60s, without jitter.
func DefaultConfig() Config {
	return Config{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Factor:       DefaultFactor,
	}
}

// Adjust replaces each zero field but Jitter with its default.
func (c *Config) Adjust() {
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Factor == 0 {
		c.Factor = DefaultFactor
	}
}

// Backoff runs an operation on a queue after a delay that grows with each attempt,
// min(MaxDelay, previous*Factor), starting from InitialDelay.
//
// All methods must be called on the queue.
type Backoff struct {
	q   *queue.Queue
	id  queue.TimerID
	cfg Config

	eb        *backoff.ExponentialBackOff
	lastDelay time.Duration
	pending   *queue.DelayedOperation

	lg *zap.Logger
}

// New creates a Backoff that schedules operations tagged id on q.
func New(q *queue.Queue, id queue.TimerID, cfg Config, logger *zap.Logger) *Backoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.Factor
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxElapsedTime = 0
	eb.Clock = q.Clock()
	eb.Reset()

	return &Backoff{
		q:   q,
		id:  id,
		cfg: cfg,
		eb:  eb,
		lg:  logger.With(zap.Stringer("timer", id)),
	}
}

// BackoffAndRun cancels any pending operation and schedules op after the next delay.
func (b *Backoff) BackoffAndRun(op queue.Operation) {
	b.q.VerifyIsCurrentQueue()
	b.Cancel()

	delay := b.eb.NextBackOff()
	b.lastDelay = delay
	if delay > 0 {
		b.lg.Debug("backing off", zap.Duration("delay", delay))
	}
	b.pending = b.q.EnqueueAfterDelay(delay, b.id, op)
}

// Cancel cancels the pending operation, if any.
func (b *Backoff) Cancel() {
	b.pending.Cancel()
	b.pending = nil
}

// Reset makes the next delay InitialDelay.
func (b *Backoff) Reset() {
	b.eb.Reset()
}

// ResetToMax makes the next delay MaxDelay.
func (b *Backoff) ResetToMax() {
	b.eb.InitialInterval = b.cfg.MaxDelay
	b.eb.Reset()
	b.eb.InitialInterval = b.cfg.InitialDelay
}

// LastDelay returns the delay chosen by the latest BackoffAndRun.
func (b *Backoff) LastDelay() time.Duration {
	return b.lastDelay
}
