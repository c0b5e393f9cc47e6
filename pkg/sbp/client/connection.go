package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
	"github.com/AutoMQ/streamlink/pkg/sbp/protocol"
	"github.com/AutoMQ/streamlink/pkg/stream"
	"github.com/AutoMQ/streamlink/pkg/util/idutil"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

var errPingTimeout = errors.New("ping timeout")

// writeRequest is a frame waiting to be written by the write loop.
type writeRequest struct {
	f    codec.Frame
	free func()
}

// conn is one stream on a connection of its own. It implements stream.Transport.
//
// Start dials, sends the handshake, and runs the read loop. The stream is reported open
// once the server accepts the handshake. Frames are written by a write loop fed by an
// outbox, so that Write never blocks.
type conn struct {
	c        *Client
	observer stream.Observer
	creds    stream.Credentials
	ctx      context.Context
	cancel   context.CancelFunc
	outbox   *outbox.Outbox[writeRequest]

	started atomic.Bool
	// writing is set once the write loop runs, which then owns closing the connection.
	writing atomic.Bool
	// finished is set once the observer must not hear from the connection anymore.
	finished atomic.Bool
	pinged   atomic.Bool

	// set before the read and write loops start
	streamID uint32
	fr       *codec.Framer

	mu          sync.Mutex
	rwc         net.Conn
	closed      bool
	headers     metadata.MD
	healthErr   error
	healthTimer *time.Timer

	lg *zap.Logger
}

func (c *Client) newConn(observer stream.Observer, creds stream.Credentials) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		c:        c,
		observer: observer,
		creds:    creds,
		ctx:      ctx,
		cancel:   cancel,
		outbox:   outbox.New[writeRequest](),
		lg:       c.lg.With(zap.String("trace-id", idutil.NewTraceID())),
	}
}

func (cc *conn) Start() {
	if !cc.started.CompareAndSwap(false, true) {
		return
	}
	go cc.run()
}

func (cc *conn) Write(msg []byte) {
	ctx := &codec.DataFrameContext{OpCode: operation.Message(), HeaderFmt: cc.c.format(), StreamID: cc.streamID}
	if !cc.outbox.Push(writeRequest{f: codec.NewDataFrameReq(ctx, nil, msg, 0)}) {
		cc.lg.Warn("drop message written after finish", zap.Int("size", len(msg)))
	}
}

func (cc *conn) FinishImmediately() {
	cc.finished.Store(true)
	cc.outbox.Close()
	cc.cancel()
	if !cc.writing.Load() {
		cc.closeConn()
	}
}

func (cc *conn) ResponseHeaders() metadata.MD {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.headers == nil {
		return nil
	}
	return cc.headers.Copy()
}

func (cc *conn) run() {
	logger := cc.lg
	defer logutil.LogPanic(logger)

	rwc, err := cc.c.dial(cc.ctx)
	if err != nil {
		cc.finish(status.Error(codes.Unavailable, err.Error()))
		return
	}
	if !cc.setConn(rwc) {
		_ = rwc.Close()
		return
	}
	logger = logger.With(zap.String("local-addr", rwc.LocalAddr().String()))
	cc.fr = codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger)
	cc.streamID = cc.fr.NextID()

	if err := cc.writeHandshake(); err != nil {
		cc.finish(status.Error(codes.Unavailable, err.Error()))
		return
	}
	logger.Debug("handshake sent", zap.Uint32("stream-id", cc.streamID))

	if cc.c.ReadIdleTimeout > 0 {
		cc.mu.Lock()
		cc.healthTimer = time.AfterFunc(cc.c.ReadIdleTimeout, cc.healthCheck)
		cc.mu.Unlock()
		defer cc.stopHealthCheck()
	}

	cc.writing.Store(true)
	go cc.writeLoop(logger)
	cc.readLoop(logger)
}

func (cc *conn) writeHandshake() error {
	req := &protocol.HandshakeRequest{
		ClientID:         cc.c.id,
		AuthToken:        cc.creds.Auth.Token,
		AttestationToken: cc.creds.Attestation,
	}
	header, err := req.Marshal(cc.c.format())
	if err != nil {
		return err
	}
	ctx := &codec.DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: cc.c.format(), StreamID: cc.streamID}
	if err := cc.fr.WriteFrame(codec.NewDataFrameReq(ctx, header, nil, 0)); err != nil {
		return err
	}
	return errors.Wrap(cc.fr.Flush(), "flush handshake")
}

func (cc *conn) readLoop(logger *zap.Logger) {
	for {
		f, free, err := cc.fr.ReadFrame()
		if err != nil {
			cc.finish(cc.readError(err))
			return
		}
		cc.pinged.Store(false)
		cc.resetHealthCheck()
		if logutil.DebugEnabled(logger) {
			logger.Debug("client read frame", zap.String("frame", f.Summarize()))
		}

		done := cc.processFrame(f)
		free()
		if done {
			return
		}
	}
}

// processFrame handles a frame from the server, and reports whether the stream ended.
func (cc *conn) processFrame(f codec.Frame) bool {
	switch f := f.(type) {
	case *codec.PingFrame:
		if f.IsRequest() {
			pong, free := codec.NewPingFrameResp(f)
			if !cc.outbox.Push(writeRequest{f: pong, free: free}) {
				free()
			}
		}
		return false
	case *codec.GoAwayFrame:
		if f.StreamID == 0 {
			// the server ends the stream with a GoAway of its own
			cc.lg.Debug("server connection is going away")
			return false
		}
		var st protocol.Status
		if len(f.Header) > 0 {
			if err := st.Unmarshal(f.HeaderFmt, f.Header); err != nil {
				cc.finish(status.Error(codes.Internal, err.Error()))
				return true
			}
		}
		cc.finish(st.Err())
		return true
	case *codec.DataFrame:
		switch f.OpCode {
		case operation.Handshake():
			return cc.processHandshakeResponse(f)
		case operation.Message():
			// the payload is freed once the frame is processed
			msg := append([]byte(nil), f.Payload...)
			if !cc.finished.Load() {
				cc.observer.OnStreamRead(msg)
			}
			return false
		}
	}
	cc.lg.Warn("client ignoring unknown frame", zap.String("frame", f.Info()))
	return false
}

func (cc *conn) processHandshakeResponse(f *codec.DataFrame) bool {
	if f.Flag.Has(codec.FlagSystemError) {
		var st protocol.Status
		if err := st.Unmarshal(f.HeaderFmt, f.Header); err != nil {
			cc.finish(status.Error(codes.Internal, err.Error()))
			return true
		}
		err := st.Err()
		if err == nil {
			err = status.Error(codes.Unknown, "handshake rejected")
		}
		cc.finish(err)
		return true
	}

	var resp protocol.HandshakeResponse
	if len(f.Header) > 0 {
		if err := resp.Unmarshal(f.HeaderFmt, f.Header); err != nil {
			cc.finish(status.Error(codes.Internal, err.Error()))
			return true
		}
	}
	cc.mu.Lock()
	cc.headers = metadata.New(resp.Headers)
	cc.mu.Unlock()

	if !cc.finished.Load() {
		cc.lg.Debug("stream open")
		cc.observer.OnStreamStart()
	}
	return false
}

func (cc *conn) writeLoop(logger *zap.Logger) {
	defer logutil.LogPanic(logger)

	for range cc.outbox.Ready() {
		reqs, closed := cc.outbox.Drain()
		for i, wr := range reqs {
			err := cc.fr.WriteFrame(wr.f)
			if wr.free != nil {
				wr.free()
			}
			if err != nil {
				// the read loop reports the connection lost
				logger.Debug("failed to write frame", zap.Error(err))
				for _, rest := range reqs[i+1:] {
					if rest.free != nil {
						rest.free()
					}
				}
				cc.closeConn()
				return
			}
		}
		if closed {
			if !cc.isClosed() {
				// tell the server the stream ends
				if err := cc.fr.WriteFrame(codec.NewGoAwayFrame(cc.streamID, cc.c.format(), nil)); err == nil {
					_ = cc.fr.Flush()
				}
			}
			cc.closeConn()
			return
		}
		if err := cc.fr.Flush(); err != nil {
			logger.Debug("failed to flush frames", zap.Error(err))
			cc.closeConn()
			return
		}
	}
}

// healthCheck runs when nothing was read for a while: it pings the server first,
// and closes the connection if still nothing was read after that.
func (cc *conn) healthCheck() {
	if cc.pinged.Swap(true) {
		cc.lg.Warn("no frame received after ping, close connection", zap.Duration("ping-timeout", cc.c.pingTimeout()))
		cc.mu.Lock()
		cc.healthErr = errPingTimeout
		cc.mu.Unlock()
		cc.closeConn()
		return
	}
	cc.outbox.Push(writeRequest{f: codec.NewPingFrame(cc.streamID, nil)})
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.healthTimer != nil {
		cc.healthTimer.Reset(cc.c.pingTimeout())
	}
}

func (cc *conn) resetHealthCheck() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.healthTimer != nil {
		cc.healthTimer.Reset(cc.c.ReadIdleTimeout)
	}
}

func (cc *conn) stopHealthCheck() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.healthTimer != nil {
		cc.healthTimer.Stop()
		cc.healthTimer = nil
	}
}

func (cc *conn) readError(err error) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.healthErr != nil {
		err = cc.healthErr
	}
	return status.Error(codes.Unavailable, errors.Wrap(err, "connection lost").Error())
}

// finish reports the end of the stream unless it was finished locally, and releases the connection.
func (cc *conn) finish(err error) {
	if cc.finished.CompareAndSwap(false, true) {
		if err != nil {
			cc.lg.Debug("stream failed", zap.Error(err))
		}
		cc.observer.OnStreamFinish(err)
	}
	cc.outbox.Close()
	cc.cancel()
	cc.closeConn()
}

// setConn records the dialed connection, and reports false if the stream finished meanwhile.
func (cc *conn) setConn(rwc net.Conn) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return false
	}
	cc.rwc = rwc
	return true
}

func (cc *conn) isClosed() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closed
}

func (cc *conn) closeConn() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return
	}
	cc.closed = true
	if cc.rwc != nil {
		_ = cc.rwc.Close()
	}
}
