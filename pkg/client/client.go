// Package client sends messages over a stream, opening it on demand.
package client

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/credentials"
	"github.com/AutoMQ/streamlink/pkg/queue"
	"github.com/AutoMQ/streamlink/pkg/stream"
)

// Client queues messages until the stream is open, then writes them and marks the stream idle.
// A stream closed while messages are queued is started again, backing off after errors.
//
// Messages written to a transport that fails afterwards are lost.
type Client struct {
	q *queue.Queue
	s *stream.Stream

	// owned by the queue
	pending   [][]byte
	drained   []chan struct{}
	onMessage func(msg []byte)
	onClose   func(err error)

	lg *zap.Logger
}

// New creates a client. onMessage and onClose, if not nil, are called on the queue.
func New(cfg stream.Config, q *queue.Queue, conn stream.Connection, auth credentials.AuthProvider,
	attestation credentials.AttestationProvider, onMessage func(msg []byte), onClose func(err error), logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		q:         q,
		onMessage: onMessage,
		onClose:   onClose,
		lg:        logger,
	}
	c.s = stream.New(cfg, q, conn, auth, attestation, c, logger)
	return c
}

// Send queues msg, starting the stream if needed.
func (c *Client) Send(msg []byte) {
	c.q.Enqueue(func() {
		c.pending = append(c.pending, msg)
		switch {
		case c.s.IsOpen():
			c.flush()
		case !c.s.IsStarted():
			c.s.Start()
		}
	})
}

// State returns the state of the stream.
func (c *Client) State() stream.State {
	var st stream.State
	c.q.EnqueueBlocking(func() {
		st = c.s.State()
	})
	return st
}

// Close stops the stream, dropping the messages not written yet.
func (c *Client) Close() {
	c.q.EnqueueBlocking(func() {
		if n := len(c.pending); n > 0 {
			c.lg.Warn("drop pending messages", zap.Int("count", n))
		}
		c.pending = nil
		c.s.Stop()
		if c.s.State() == stream.StateError {
			c.s.InhibitBackoff()
		}
		c.notifyDrained()
	})
}

// Drained returns a channel closed once no message is pending and the stream is stopped,
// either because it went idle or because it failed with nothing left to write.
func (c *Client) Drained() <-chan struct{} {
	ch := make(chan struct{})
	c.q.Enqueue(func() {
		c.drained = append(c.drained, ch)
		c.notifyDrained()
	})
	return ch
}

// OnStreamOpen implements stream.Listener
func (c *Client) OnStreamOpen() {
	c.flush()
}

// OnStreamMessage implements stream.Listener
func (c *Client) OnStreamMessage(msg []byte) error {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	return nil
}

// OnStreamClose implements stream.Listener
func (c *Client) OnStreamClose(err error) {
	if c.onClose != nil {
		c.onClose(err)
	}
	if len(c.pending) > 0 {
		c.lg.Debug("restart stream with pending messages", zap.Int("count", len(c.pending)), zap.Error(err))
		c.s.Start()
	}
	c.notifyDrained()
}

func (c *Client) notifyDrained() {
	if len(c.pending) > 0 || c.s.IsStarted() {
		return
	}
	for _, ch := range c.drained {
		close(ch)
	}
	c.drained = nil
}

func (c *Client) flush() {
	for _, msg := range c.pending {
		c.s.Write(msg)
	}
	c.pending = nil
	c.s.MarkIdle()
}
