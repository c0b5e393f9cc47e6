// Package queue provides a serial execution context.
//
// Every operation submitted to a Queue runs on one dedicated goroutine, one at a time, in
// submission order. Components that keep their state on the queue need no locking as long as
// they only touch that state from queued operations. Delayed operations are tagged with a
// TimerID, can be cancelled from the queue, and can be run on demand in tests.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/util/goroutine"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

// Operation is a unit of work run on the queue.
type Operation func()

// Queue runs operations serially on a single goroutine.
type Queue struct {
	clock clockwork.Clock
	tasks *outbox.Outbox[Operation]

	// worker is acquired by the worker goroutine before any operation runs.
	worker  goroutine.Lock
	started chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	delayed      []*DelayedOperation // sorted by target time, FIFO among equal targets
	shuttingDown bool

	lg *zap.Logger
}

// New creates a queue and starts its worker goroutine.
// Callers must call Shutdown to stop the worker.
func New(clock clockwork.Clock, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		clock:   clock,
		tasks:   outbox.New[Operation](),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		lg:      logger,
	}
	go q.run()
	<-q.started
	return q
}

// Clock returns the clock delayed operations are scheduled with.
func (q *Queue) Clock() clockwork.Clock {
	return q.clock
}

func (q *Queue) run() {
	defer close(q.done)
	defer logutil.LogPanic(q.lg)

	q.worker.Acquire()
	close(q.started)

	for range q.tasks.Ready() {
		ops, closed := q.tasks.Drain()
		for _, op := range ops {
			op()
		}
		if closed {
			return
		}
	}
}

// Enqueue submits op to run on the queue. It never blocks, and may be called from any
// goroutine, including from the queue itself. Operations submitted after Shutdown are dropped.
func (q *Queue) Enqueue(op Operation) {
	if !q.tasks.Push(op) {
		q.lg.Debug("drop operation enqueued after shutdown")
	}
}

// EnqueueBlocking submits op and waits for it to finish.
// It must not be called from the queue. A panic in op is raised again in the caller.
// If the queue has been shut down, op is dropped and EnqueueBlocking returns immediately.
func (q *Queue) EnqueueBlocking(op Operation) {
	if q.IsCurrentQueue() {
		panic(errors.New("EnqueueBlocking called from the queue itself"))
	}

	done := make(chan struct{})
	var recovered interface{}
	ok := q.tasks.Push(func() {
		defer close(done)
		defer func() {
			recovered = recover()
		}()
		op()
	})
	if !ok {
		q.lg.Debug("drop blocking operation enqueued after shutdown")
		return
	}
	<-done
	if recovered != nil {
		panic(recovered)
	}
}

// IsCurrentQueue reports whether the caller runs on the queue.
func (q *Queue) IsCurrentQueue() bool {
	return q.worker.Held()
}

// VerifyIsCurrentQueue panics if the caller does not run on the queue.
func (q *Queue) VerifyIsCurrentQueue() {
	if !q.IsCurrentQueue() {
		panic(errors.New("expected to be called on the queue"))
	}
}

// EnqueueAfterDelay schedules op to run on the queue after delay.
// The returned operation can be cancelled from the queue until it starts to run.
func (q *Queue) EnqueueAfterDelay(delay time.Duration, id TimerID, op Operation) *DelayedOperation {
	if id == TimerAll {
		panic(errors.New("TimerAll can not tag a delayed operation"))
	}
	if delay < 0 {
		delay = 0
	}

	d := &DelayedOperation{
		q:      q,
		id:     id,
		target: q.clock.Now().Add(delay),
		op:     op,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		d.done = true
		return d
	}
	i := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].target.After(d.target)
	})
	q.delayed = append(q.delayed, nil)
	copy(q.delayed[i+1:], q.delayed[i:])
	q.delayed[i] = d
	d.timer = q.clock.AfterFunc(delay, func() {
		q.Enqueue(d.fire)
	})
	return d
}

// ContainsDelayedOperation reports whether a delayed operation tagged id is pending.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.delayed {
		if d.id == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsUntil runs pending delayed operations early, in target order, up to and
// including the first one tagged lastID. TimerAll runs every pending operation, including
// operations scheduled while running. It must not be called from the queue, and panics if
// nothing tagged lastID is pending.
func (q *Queue) RunDelayedOperationsUntil(lastID TimerID) {
	q.EnqueueBlocking(func() {
		if lastID != TimerAll && !q.ContainsDelayedOperation(lastID) {
			panic(errors.Errorf("no delayed operation %s to run", lastID))
		}
		for {
			d := q.popDelayed()
			if d == nil {
				return
			}
			d.op()
			if d.id == lastID {
				return
			}
		}
	})
}

// Shutdown stops all delayed operations, runs the operations already enqueued and waits for
// the worker to exit. It must not be called from the queue. Calling it more than once is safe.
func (q *Queue) Shutdown() {
	if q.IsCurrentQueue() {
		panic(errors.New("Shutdown called from the queue itself"))
	}

	q.mu.Lock()
	q.shuttingDown = true
	for _, d := range q.delayed {
		d.done = true
		d.timer.Stop()
	}
	q.delayed = nil
	q.mu.Unlock()

	q.tasks.Close()
	<-q.done
}

// popDelayed removes the earliest pending delayed operation and marks it done.
func (q *Queue) popDelayed() *DelayedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) == 0 {
		return nil
	}
	d := q.delayed[0]
	q.delayed = q.delayed[1:]
	d.done = true
	d.timer.Stop()
	return d
}

// removeDelayed marks d done and drops it from the pending list.
// It returns false if d already ran or was cancelled.
func (q *Queue) removeDelayed(d *DelayedOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	for i, pending := range q.delayed {
		if pending == d {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			break
		}
	}
	return true
}

// DelayedOperation is an operation scheduled by EnqueueAfterDelay.
type DelayedOperation struct {
	q      *Queue
	id     TimerID
	target time.Time
	op     Operation
	timer  clockwork.Timer

	done bool // guarded by q.mu
}

// ID returns the tag of the operation.
func (d *DelayedOperation) ID() TimerID {
	return d.id
}

// Cancel prevents the operation from running. It must be called from the queue, which makes
// it synchronous: once Cancel returns the operation will never run. Cancelling an operation
// that already ran or was cancelled, or a nil operation, does nothing.
func (d *DelayedOperation) Cancel() {
	if d == nil {
		return
	}
	d.q.VerifyIsCurrentQueue()
	if d.q.removeDelayed(d) && d.timer != nil {
		d.timer.Stop()
	}
}

func (d *DelayedOperation) fire() {
	if !d.q.removeDelayed(d) {
		return
	}
	d.op()
}
