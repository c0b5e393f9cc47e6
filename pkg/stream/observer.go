package stream

import (
	"weak"

	"github.com/AutoMQ/streamlink/pkg/queue"
)

// observer forwards the events of one transport to the stream on the queue.
// Events reported after the stream closed that transport are dropped.
type observer struct {
	ws         weak.Pointer[Stream]
	q          *queue.Queue
	closeCount int
}

func newObserver(s *Stream) *observer {
	return &observer{
		ws:         weak.Make(s),
		q:          s.q,
		closeCount: s.closeCount,
	}
}

func (o *observer) OnStreamStart() {
	o.dispatch(func(s *Stream) {
		s.onStreamStart()
	})
}

func (o *observer) OnStreamRead(msg []byte) {
	o.dispatch(func(s *Stream) {
		s.onStreamRead(msg)
	})
}

func (o *observer) OnStreamFinish(err error) {
	o.dispatch(func(s *Stream) {
		s.onStreamFinish(err)
	})
}

func (o *observer) dispatch(f func(s *Stream)) {
	o.q.Enqueue(func() {
		s := o.ws.Value()
		if s == nil || s.closeCount != o.closeCount {
			return
		}
		f(s)
	})
}
