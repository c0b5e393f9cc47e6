package stream

import (
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/metadata"

	"github.com/AutoMQ/streamlink/pkg/credentials"
	"github.com/AutoMQ/streamlink/pkg/queue"
)

type fakeTransport struct {
	observer Observer
	creds    Credentials
	headers  metadata.MD

	started  bool
	finished int
	writes   [][]byte
	// events records calls in order, shared with the listener in tear down tests
	events *[]string
}

func (t *fakeTransport) Start() {
	t.started = true
}

func (t *fakeTransport) Write(msg []byte) {
	t.writes = append(t.writes, msg)
	if t.events != nil {
		*t.events = append(*t.events, "write:"+string(msg))
	}
}

func (t *fakeTransport) FinishImmediately() {
	t.finished++
	if t.events != nil {
		*t.events = append(*t.events, "finish")
	}
}

func (t *fakeTransport) ResponseHeaders() metadata.MD {
	return t.headers
}

type fakeConnection struct {
	transports []*fakeTransport
	events     *[]string
}

func (c *fakeConnection) CreateStream(observer Observer, creds Credentials) Transport {
	t := &fakeTransport{
		observer: observer,
		creds:    creds,
		headers:  metadata.Pairs("x-request-id", "req-1", "content-type", "application/grpc"),
		events:   c.events,
	}
	c.transports = append(c.transports, t)
	return t
}

// fakeProvider answers synchronously, or holds callbacks until release when manual.
type fakeProvider[T any] struct {
	mu            sync.Mutex
	token         T
	err           error
	manual        bool
	pending       []func(T, error)
	invalidations int
}

func (p *fakeProvider[T]) GetToken(callback func(T, error)) {
	p.mu.Lock()
	if p.manual {
		p.pending = append(p.pending, callback)
		p.mu.Unlock()
		return
	}
	token, err := p.token, p.err
	p.mu.Unlock()
	callback(token, err)
}

func (p *fakeProvider[T]) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations++
}

func (p *fakeProvider[T]) set(token T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token, p.err = token, err
}

// release answers every held callback, in the order they were requested.
func (p *fakeProvider[T]) release() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	token, err := p.token, p.err
	p.mu.Unlock()
	for _, cb := range pending {
		cb(token, err)
	}
}

func (p *fakeProvider[T]) invalidationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidations
}

// fakeListener records notifications. Its fields are only touched on the queue.
type fakeListener struct {
	s        *Stream
	opens    int
	messages [][]byte
	closes   []error
	// closeStates records the stream state seen by each close notification
	closeStates []State
	validate    func(msg []byte) error
}

func (l *fakeListener) OnStreamOpen() {
	l.opens++
}

func (l *fakeListener) OnStreamMessage(msg []byte) error {
	l.messages = append(l.messages, msg)
	if l.validate != nil {
		return l.validate(msg)
	}
	return nil
}

func (l *fakeListener) OnStreamClose(err error) {
	l.closes = append(l.closes, err)
	if l.s != nil {
		l.closeStates = append(l.closeStates, l.s.State())
	}
}

type harness struct {
	t           *testing.T
	q           *queue.Queue
	conn        *fakeConnection
	auth        *fakeProvider[credentials.AuthToken]
	attestation *fakeProvider[string]
	s           *Stream
}

func newHarness(t *testing.T, listener Listener) *harness {
	q := queue.New(clockwork.NewFakeClock(), zaptest.NewLogger(t))
	t.Cleanup(q.Shutdown)

	h := &harness{
		t:           t,
		q:           q,
		conn:        &fakeConnection{},
		auth:        &fakeProvider[credentials.AuthToken]{token: credentials.AuthToken{Token: "auth-token", User: "alice"}},
		attestation: &fakeProvider[string]{token: "attestation-token"},
	}
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	h.s = New(cfg, q, h.conn, h.auth, h.attestation, listener, zaptest.NewLogger(t))
	if fl, ok := listener.(*fakeListener); ok {
		fl.s = h.s
	}
	return h
}

// do runs f on the queue and waits for it.
func (h *harness) do(f func()) {
	h.q.EnqueueBlocking(f)
}

// barrier waits for everything enqueued so far to run.
func (h *harness) barrier() {
	h.q.EnqueueBlocking(func() {})
}

func (h *harness) state() State {
	var st State
	h.do(func() {
		st = h.s.State()
	})
	return st
}

func (h *harness) closeCount() int {
	var n int
	h.do(func() {
		n = h.s.closeCount
	})
	return n
}

func (h *harness) transportCount() int {
	var n int
	h.do(func() {
		n = len(h.conn.transports)
	})
	return n
}

// lastTransport returns the latest transport created.
func (h *harness) lastTransport() *fakeTransport {
	var t *fakeTransport
	h.do(func() {
		if n := len(h.conn.transports); n > 0 {
			t = h.conn.transports[n-1]
		}
	})
	return t
}

// start starts the stream and waits for the transport to be created.
func (h *harness) start() *fakeTransport {
	h.do(h.s.Start)
	h.barrier()
	return h.lastTransport()
}

// open starts the stream and reports the transport open.
func (h *harness) open() *fakeTransport {
	t := h.start()
	t.observer.OnStreamStart()
	h.barrier()
	return t
}

func (h *harness) pending(id queue.TimerID) bool {
	return h.q.ContainsDelayedOperation(id)
}
