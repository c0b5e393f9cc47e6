package server

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
	"github.com/AutoMQ/streamlink/pkg/sbp/protocol"
	"github.com/AutoMQ/streamlink/pkg/service"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

type streamState int

const (
	stateOpen streamState = iota
	// stateEnding means the last frame of the stream is queued.
	stateEnding
	stateClosed
)

var errStreamClosed = errors.New("stream closed")

// stream is the state for a single stream
type stream struct {
	cc *conn

	id        uint32
	headerFmt format.Format
	clientID  string

	// owned by the serve loop
	state streamState

	// inbox holds messages not handled yet, pushed by the serve loop.
	inbox *outbox.Outbox[[]byte]

	lg *zap.Logger
}

// ClientID implements service.Session
func (st *stream) ClientID() string {
	return st.clientID
}

// Send implements service.Session
func (st *stream) Send(msg []byte) error {
	ctx := &codec.DataFrameContext{OpCode: operation.Message(), HeaderFmt: st.headerFmt, StreamID: st.id}
	return st.cc.writeFrameFromHandler(frameWriteRequest{
		f:      codec.NewDataFrameResp(ctx, nil, msg),
		stream: st,
	})
}

// run handshakes, then hands messages to the handler one at a time.
// It runs in its own goroutine, and returns once the stream ends.
func (st *stream) run(hs *service.Handshake) {
	c := st.cc
	c.serveG.CheckNotOn()
	logger := st.lg
	handler := c.server.handler

	var headers map[string]string
	err := st.runHandler(func() (err error) {
		headers, err = handler.Handshake(hs)
		return
	})
	if err != nil {
		logger.Info("handshake rejected", zap.Error(err))
		st.reject(err)
		return
	}
	if err := st.accept(headers); err != nil {
		logger.Warn("failed to accept stream", zap.Error(err))
		return
	}

	for range st.inbox.Ready() {
		msgs, closed := st.inbox.Drain()
		for _, msg := range msgs {
			msg := msg
			err := st.runHandler(func() error {
				return handler.Message(st, msg)
			})
			if err == nil {
				continue
			}
			if errors.Is(err, service.ErrEndStream) {
				logger.Debug("handler ends stream")
				err = nil
			} else {
				logger.Warn("failed to handle message", zap.Error(err))
			}
			st.end(err)
			return
		}
		if closed {
			return
		}
	}
}

// runHandler runs act, turning a panic into an internal error.
func (st *stream) runHandler(act func() error) (err error) {
	didPanic := true
	defer func() {
		if didPanic {
			e := recover()
			st.lg.Error("panic serving", zap.Reflect("panic", e), zap.Stack("stack"))
			err = status.Error(codes.Internal, "handler panic")
		}
	}()
	err = act()
	didPanic = false
	return
}

func (st *stream) accept(headers map[string]string) error {
	resp := &protocol.HandshakeResponse{Headers: headers}
	header, err := resp.Marshal(st.headerFmt)
	if err != nil {
		st.end(status.Error(codes.Internal, err.Error()))
		return err
	}
	ctx := &codec.DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: st.headerFmt, StreamID: st.id}
	return st.cc.writeFrameFromHandler(frameWriteRequest{
		f:      codec.NewDataFrameResp(ctx, header, nil),
		stream: st,
	})
}

// reject answers the handshake with a system error, ending the stream.
func (st *stream) reject(err error) {
	header, merr := protocol.NewStatus(err).Marshal(st.headerFmt)
	if merr != nil {
		st.lg.Error("failed to marshal status", zap.Error(merr))
	}
	ctx := &codec.DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: st.headerFmt, StreamID: st.id}
	_ = st.cc.writeFrameFromHandler(frameWriteRequest{
		f:         codec.NewDataFrameResp(ctx, header, nil, codec.FlagSystemError, codec.FlagEnd),
		stream:    st,
		endStream: true,
	})
}

// end sends a GoAway carrying the status of err, nil for OK, ending the stream.
func (st *stream) end(err error) {
	_ = st.cc.writeFrameFromHandler(st.goAwayRequest(err))
}

func (st *stream) goAwayRequest(err error) frameWriteRequest {
	var header []byte
	if err != nil {
		var merr error
		header, merr = protocol.NewStatus(err).Marshal(st.headerFmt)
		if merr != nil {
			st.lg.Error("failed to marshal status", zap.Error(merr))
		}
	}
	f := codec.NewGoAwayFrame(st.id, st.headerFmt, header)
	f.Flag |= codec.FlagResponse
	return frameWriteRequest{
		f:         f,
		stream:    st,
		endStream: true,
	}
}
