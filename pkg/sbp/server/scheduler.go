package server

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
)

// writeScheduler manages frames to be written in each streams
// Methods are never called concurrently.
type writeScheduler struct {
	// Frames in ctrlQueue queue are connection level frames, and should be popped first.
	ctrlQueue *queue.Queue

	// queues contains the stream-specific queues, keyed by stream ID.
	// When a stream is idle, closed, or emptied, it's deleted
	// from the map.
	queues map[uint32]*queue.Queue
	// order lists the stream ids with queued frames, so that streams are served round-robin.
	order []uint32

	// queuePool is pool of empty queues for reuse.
	queuePool sync.Pool
}

// newWriteScheduler creates a new writeScheduler with empty queues
func newWriteScheduler() *writeScheduler {
	ws := &writeScheduler{
		queues: make(map[uint32]*queue.Queue),
		queuePool: sync.Pool{
			New: func() interface{} {
				return queue.New()
			},
		},
	}
	ws.ctrlQueue = ws.queuePool.Get().(*queue.Queue)
	return ws
}

// Push queues a frame in the scheduler.
func (ws *writeScheduler) Push(wr frameWriteRequest) {
	if wr.stream == nil {
		ws.ctrlQueue.Add(wr)
		return
	}
	id := wr.stream.id
	q, ok := ws.queues[id]
	if !ok {
		q = ws.queuePool.Get().(*queue.Queue)
		ws.queues[id] = q
		ws.order = append(ws.order, id)
	}
	q.Add(wr)
}

// Pop dequeues the next frame to write. Returns false if no frames can
// be written. Frames with a given wr.stream.id are Pop'd in the same
// order they are Push'd. No frames should be discarded except by CloseStream.
func (ws *writeScheduler) Pop() (frameWriteRequest, bool) {
	if ws.ctrlQueue.Length() > 0 {
		return ws.ctrlQueue.Remove().(frameWriteRequest), true
	}
	if len(ws.order) == 0 {
		return frameWriteRequest{}, false
	}
	id := ws.order[0]
	ws.order = ws.order[1:]
	q := ws.queues[id]
	wr := q.Remove().(frameWriteRequest)
	if q.Length() == 0 {
		ws.deleteQueue(q, id)
	} else {
		ws.order = append(ws.order, id)
	}
	return wr, true
}

// CloseStream closes a stream in the write scheduler. Any frames queued on
// this stream are discarded and returned, so that their resources can be released.
func (ws *writeScheduler) CloseStream(streamID uint32) []frameWriteRequest {
	q, ok := ws.queues[streamID]
	if !ok {
		return nil
	}
	discarded := make([]frameWriteRequest, 0, q.Length())
	for q.Length() > 0 {
		discarded = append(discarded, q.Remove().(frameWriteRequest))
	}
	ws.deleteQueue(q, streamID)
	for i, id := range ws.order {
		if id == streamID {
			ws.order = append(ws.order[:i], ws.order[i+1:]...)
			break
		}
	}
	return discarded
}

func (ws *writeScheduler) deleteQueue(q *queue.Queue, streamID uint32) {
	delete(ws.queues, streamID)
	ws.queuePool.Put(q)
}

// frameWriteRequest is a request to write a frame.
type frameWriteRequest struct {
	f codec.Frame

	// free, if non-nil, releases the buffers of f once it is written or discarded.
	free func()

	// stream is the stream on which this frame will be written, nil for connection level frames.
	stream *stream

	// done, if non-nil, must be a buffered channel with space for
	// 1 message and is sent the return value from write (or an
	// earlier error) when the frame has been written.
	done chan error

	// whether f is the last frame to be written in the stream
	endStream bool
}

// release frees the buffers of the frame and replies err to the writer.
func (wr *frameWriteRequest) release(err error) {
	if wr.free != nil {
		wr.free()
	}
	wr.replyToWriter(err)
}

// replyToWriter sends err to frameWriteRequest.done and panics if done is unbuffered
// This does nothing if frameWriteRequest.done is nil.
func (wr *frameWriteRequest) replyToWriter(err error) {
	if wr.done == nil {
		return
	}
	select {
	case wr.done <- err:
	default:
		panic("unbuffered done channel")
	}
}
