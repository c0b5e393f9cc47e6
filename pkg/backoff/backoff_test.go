package backoff

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/AutoMQ/streamlink/pkg/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBackoff(t *testing.T, cfg Config) (*Backoff, *queue.Queue) {
	q := queue.New(clockwork.NewFakeClock(), zaptest.NewLogger(t))
	t.Cleanup(q.Shutdown)
	var b *Backoff
	q.EnqueueBlocking(func() {
		b = New(q, queue.TimerStreamConnectionBackoff, cfg, zaptest.NewLogger(t))
	})
	return b, q
}

// nextDelays schedules n operations in a row, running each one, and returns the chosen delays.
func nextDelays(q *queue.Queue, b *Backoff, n int) []time.Duration {
	delays := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		q.EnqueueBlocking(func() {
			b.BackoffAndRun(func() {})
			delays = append(delays, b.LastDelay())
		})
		q.RunDelayedOperationsUntil(queue.TimerStreamConnectionBackoff)
	}
	return delays
}

func TestDelaySequence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want []time.Duration
	}{
		{
			name: "default",
			cfg:  DefaultConfig(),
			want: []time.Duration{
				time.Second,
				1500 * time.Millisecond,
				2250 * time.Millisecond,
				3375 * time.Millisecond,
			},
		},
		{
			name: "capped",
			cfg: Config{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     time.Second,
				Factor:       4,
			},
			want: []time.Duration{
				100 * time.Millisecond,
				400 * time.Millisecond,
				time.Second,
				time.Second,
			},
		},
		{
			name: "factor one",
			cfg: Config{
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Factor:       1,
			},
			want: []time.Duration{time.Second, time.Second, time.Second},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)
			b, q := newTestBackoff(t, tt.cfg)

			re.Equal(tt.want, nextDelays(q, b, len(tt.want)))
		})
	}
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero",
			in:   Config{},
			want: DefaultConfig(),
		},
		{
			name: "jitter only",
			in:   Config{Jitter: 0.2},
			want: Config{InitialDelay: DefaultInitialDelay, MaxDelay: DefaultMaxDelay, Factor: DefaultFactor, Jitter: 0.2},
		},
		{
			name: "initial delay only",
			in:   Config{InitialDelay: 10 * time.Millisecond},
			want: Config{InitialDelay: 10 * time.Millisecond, MaxDelay: DefaultMaxDelay, Factor: DefaultFactor},
		},
		{
			name: "all set",
			in:   Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, Factor: 3, Jitter: 0.1},
			want: Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, Factor: 3, Jitter: 0.1},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			cfg := tt.in
			cfg.Adjust()
			re.Equal(tt.want, cfg)
		})
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	b, q := newTestBackoff(t, DefaultConfig())

	nextDelays(q, b, 3)
	q.EnqueueBlocking(b.Reset)
	re.Equal([]time.Duration{time.Second, 1500 * time.Millisecond}, nextDelays(q, b, 2))
}

func TestResetToMax(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	b, q := newTestBackoff(t, DefaultConfig())

	q.EnqueueBlocking(b.ResetToMax)
	re.Equal([]time.Duration{DefaultMaxDelay, DefaultMaxDelay}, nextDelays(q, b, 2))

	q.EnqueueBlocking(b.Reset)
	re.Equal([]time.Duration{DefaultInitialDelay}, nextDelays(q, b, 1))
}

func TestJitter(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	cfg := DefaultConfig()
	cfg.Jitter = 0.5
	b, q := newTestBackoff(t, cfg)

	delays := nextDelays(q, b, 3)
	bases := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}
	for i, d := range delays {
		re.GreaterOrEqual(d, bases[i]/2)
		re.LessOrEqual(d, bases[i]*3/2+time.Nanosecond)
	}
}

func TestBackoffAndRunReplacesPending(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	b, q := newTestBackoff(t, DefaultConfig())

	var ran []string
	q.EnqueueBlocking(func() {
		b.BackoffAndRun(func() {
			ran = append(ran, "first")
		})
		b.BackoffAndRun(func() {
			ran = append(ran, "second")
		})
	})
	q.RunDelayedOperationsUntil(queue.TimerAll)

	re.Equal([]string{"second"}, ran)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	b, q := newTestBackoff(t, DefaultConfig())

	var ran bool
	q.EnqueueBlocking(func() {
		b.BackoffAndRun(func() {
			ran = true
		})
	})
	re.True(q.ContainsDelayedOperation(queue.TimerStreamConnectionBackoff))

	q.EnqueueBlocking(func() {
		b.Cancel()
		b.Cancel()
	})
	re.False(q.ContainsDelayedOperation(queue.TimerStreamConnectionBackoff))
	q.RunDelayedOperationsUntil(queue.TimerAll)
	re.False(ran)

	// cancelling does not rewind the sequence
	re.Equal([]time.Duration{1500 * time.Millisecond}, nextDelays(q, b, 1))
}

func TestOffQueue(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	b, _ := newTestBackoff(t, DefaultConfig())

	re.Panics(func() {
		b.BackoffAndRun(func() {})
	})
}
