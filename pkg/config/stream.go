package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/streamlink/pkg/backoff"
	"github.com/AutoMQ/streamlink/pkg/stream"
)

const (
	_defaultStreamName = "streamlink"
)

// Stream is the configuration of the lifecycle of a stream
type Stream struct {
	// Name identifies the stream in logs.
	Name string
	// IdleTimeout is how long a stream marked idle stays open.
	IdleTimeout time.Duration
	// HealthyTimeout is how long a stream stays open before it is considered healthy.
	HealthyTimeout time.Duration

	BackoffInitialDelay time.Duration
	BackoffMaxDelay     time.Duration
	BackoffFactor       float64
	// BackoffJitter randomizes each delay within [delay*(1-jitter), delay*(1+jitter)].
	BackoffJitter float64
}

// NewStream creates a default stream configuration.
func NewStream() *Stream {
	return &Stream{}
}

// Adjust generates default values for some fields (if they are empty)
func (s *Stream) Adjust() {
	if s.Name == "" {
		s.Name = _defaultStreamName
	}
}

// Validate checks whether the configuration is valid.
func (s *Stream) Validate() error {
	if s.IdleTimeout <= 0 {
		return errors.Errorf("invalid idle timeout `%s`", s.IdleTimeout)
	}
	if s.HealthyTimeout <= 0 {
		return errors.Errorf("invalid healthy timeout `%s`", s.HealthyTimeout)
	}
	if s.BackoffInitialDelay <= 0 {
		return errors.Errorf("invalid backoff initial delay `%s`", s.BackoffInitialDelay)
	}
	if s.BackoffMaxDelay < s.BackoffInitialDelay {
		return errors.Errorf("backoff max delay `%s` is less than initial delay `%s`", s.BackoffMaxDelay, s.BackoffInitialDelay)
	}
	if s.BackoffFactor <= 1 {
		return errors.Errorf("invalid backoff factor `%g`", s.BackoffFactor)
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		return errors.Errorf("invalid backoff jitter `%g`", s.BackoffJitter)
	}
	return nil
}

// Config returns the configuration of a stream.Stream.
func (s *Stream) Config() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.Name = s.Name
	cfg.IdleTimeout = s.IdleTimeout
	cfg.HealthyTimeout = s.HealthyTimeout
	cfg.Backoff = backoff.Config{
		InitialDelay: s.BackoffInitialDelay,
		MaxDelay:     s.BackoffMaxDelay,
		Factor:       s.BackoffFactor,
		Jitter:       s.BackoffJitter,
	}
	return cfg
}

func streamConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("stream-name", "", "name of the stream in logs (default 'streamlink')")
	fs.Duration("stream-idle-timeout", stream.DefaultIdleTimeout, "time an idle stream stays open before it is stopped")
	fs.Duration("stream-healthy-timeout", stream.DefaultHealthyTimeout, "time a stream stays open before it is considered healthy")
	fs.Duration("stream-backoff-initial-delay", backoff.DefaultInitialDelay, "delay of the first retry after an error")
	fs.Duration("stream-backoff-max-delay", backoff.DefaultMaxDelay, "maximum delay between retries")
	fs.Float64("stream-backoff-factor", backoff.DefaultFactor, "how much the delay grows after each retry")
	fs.Float64("stream-backoff-jitter", 0, "randomization factor of the delays, in [0, 1)")
	_ = v.BindPFlag("stream.name", fs.Lookup("stream-name"))
	_ = v.BindPFlag("stream.idleTimeout", fs.Lookup("stream-idle-timeout"))
	_ = v.BindPFlag("stream.healthyTimeout", fs.Lookup("stream-healthy-timeout"))
	_ = v.BindPFlag("stream.backoffInitialDelay", fs.Lookup("stream-backoff-initial-delay"))
	_ = v.BindPFlag("stream.backoffMaxDelay", fs.Lookup("stream-backoff-max-delay"))
	_ = v.BindPFlag("stream.backoffFactor", fs.Lookup("stream-backoff-factor"))
	_ = v.BindPFlag("stream.backoffJitter", fs.Lookup("stream-backoff-jitter"))
}
