package server

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
	"github.com/AutoMQ/streamlink/pkg/sbp/protocol"
	"github.com/AutoMQ/streamlink/pkg/service"
	"github.com/AutoMQ/streamlink/pkg/util/goroutine"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
	"github.com/AutoMQ/streamlink/pkg/util/outbox"
)

// conn is the state of a connection between server and client.
type conn struct {
	// Immutable:
	server *Server
	rwc    net.Conn

	ctx              context.Context
	cancelCtx        context.CancelFunc
	framer           *codec.Framer
	doneServing      chan struct{}          // closed when serve ends
	readFrameCh      chan frameReadResult   // written by readFrames
	wantWriteFrameCh chan frameWriteRequest // from handlers -> serve
	wroteFrameCh     chan frameWriteResult  // from writeFrameAsync -> serve, tickles more frame writes
	serveMsgCh       chan *serverMessage    // misc messages & code to send to / run on the serve loop

	// Everything following is owned by the serve loop; use serveG.Check():
	serveG              goroutine.Lock // used to verify func is on serve()
	maxClientStreamID   uint32         // max ever seen from client, or 0 if there have been no client requests
	streams             map[uint32]*stream
	wScheduler          *writeScheduler // wScheduler manages frames to be written
	inFrameScheduleLoop bool            // whether we're in the scheduleFrameWrite loop
	writingFrame        bool            // started writing a frame
	writingFrameAsync   bool            // started a frame on its own goroutine but haven't heard back on wroteFrameCh
	needsFrameFlush     bool            // last frame write wasn't a flush
	inGoAway            bool            // we've started to or sent GOAWAY
	needToSendGoAway    bool            // we need to schedule a GOAWAY frame write
	goAwayErr           error           // the status open streams are ended with, nil for OK
	shutdownTimer       *time.Timer     // nil until used
	idleTimeout         time.Duration   // zero if disabled
	idleTimer           *time.Timer     // nil if unused

	// Used by startGracefulShutdown.
	shutdownOnce sync.Once

	lg *zap.Logger
}

func (c *conn) serve() {
	c.serveG.Acquire()
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	logger.Info("start to serve connection")

	if c.idleTimeout != 0 {
		c.idleTimer = time.AfterFunc(c.idleTimeout, func() { c.sendServeMsg(idleTimerMsg) })
	}

	go c.readFrames() // closed by c.rwc.Close in defer close above

	for {
		select {
		case wr := <-c.wantWriteFrameCh:
			c.writeFrame(wr)
		case res := <-c.wroteFrameCh:
			c.wroteFrame(res)
		case res := <-c.readFrameCh:
			// Process any written frames before reading new frames from the client since a
			// written frame could have closed a stream.
			if c.writingFrameAsync {
				select {
				case wroteRes := <-c.wroteFrameCh:
					c.wroteFrame(wroteRes)
				default:
				}
			}
			if !c.processFrameFromReader(res) {
				return
			}
		case msg := <-c.serveMsgCh:
			switch msg {
			case idleTimerMsg:
				logger.Info("connection is idle")
				c.goAway(nil)
			case shutdownTimerMsg:
				logger.Info("GOAWAY close timer fired, closing connection")
				return
			case gracefulShutdownMsg:
				logger.Info("start to shut down gracefully")
				c.goAway(status.Error(codes.Unavailable, "server is shutting down"))
			default:
				panic("unknown timer")
			}
		}

		// Start the shutdown timer after sending a GOAWAY, once all streams are ended.
		sentGoAway := c.inGoAway && !c.needToSendGoAway && !c.writingFrame
		if sentGoAway && c.shutdownTimer == nil && len(c.streams) == 0 {
			c.shutdownTimer = time.AfterFunc(goAwayTimeout, func() { c.sendServeMsg(shutdownTimerMsg) })
		}
	}
}

// readFrames is the loop that reads incoming frames.
// It runs on its own goroutine.
func (c *conn) readFrames() {
	c.serveG.CheckNotOn()
	for {
		f, free, err := c.framer.ReadFrame()
		select {
		case c.readFrameCh <- frameReadResult{f, free, err}:
		case <-c.doneServing:
			if free != nil {
				free()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// writeFrame schedules a frame to write and sends it if there's nothing
// already being written.
//
// There is no pushback here (the serve goroutine never blocks). It's
// the handlers that block, waiting for their previous frames to
// make it onto the wire
//
// If you're not on the serve goroutine, use writeFrameFromHandler instead.
func (c *conn) writeFrame(wr frameWriteRequest) {
	c.serveG.Check()

	// We never write frames on ended streams. The handler of a stream may keep sending
	// after the stream is ended, those frames are dropped.
	if st := wr.stream; st != nil && st.state != stateOpen {
		wr.release(errStreamClosed)
		return
	}
	if wr.endStream && wr.stream != nil {
		wr.stream.state = stateEnding
	}
	c.wScheduler.Push(wr)
	c.scheduleFrameWrite()
}

// wroteFrame is called on the serve goroutine with the result of whatever
// happened after writing a frame.
func (c *conn) wroteFrame(res frameWriteResult) {
	c.serveG.Check()
	if !c.writingFrame {
		panic("internal error: expected to be already writing a frame")
	}
	c.writingFrame = false
	c.writingFrameAsync = false

	wr := res.wr
	if wr.endStream && wr.stream != nil {
		c.closeStream(wr.stream)
	}
	wr.release(res.err)

	c.scheduleFrameWrite()
}

// scheduleFrameWrite tickles the frame writing scheduler.
//
// If a frame is already being written, nothing happens. This will be called again
// when the frame is done being written.
//
// If a frame isn't being written, and we need to send one, the best frame
// to send is selected by conn.wScheduler.
//
// If a frame isn't being written and there's nothing else to send, we
// flush the write buffer.
func (c *conn) scheduleFrameWrite() {
	c.serveG.Check()
	if c.writingFrame || c.inFrameScheduleLoop {
		return
	}
	c.inFrameScheduleLoop = true
	for !c.writingFrameAsync {
		if c.needToSendGoAway {
			c.needToSendGoAway = false
			// end every open stream after what it has queued so far
			for _, st := range c.streams {
				if st.state == stateOpen {
					st.state = stateEnding
					c.wScheduler.Push(st.goAwayRequest(c.goAwayErr))
				}
			}
			c.startFrameWrite(c.connGoAwayRequest())
			continue
		}
		if wr, ok := c.wScheduler.Pop(); ok {
			c.startFrameWrite(wr)
			continue
		}
		if c.needsFrameFlush {
			if err := c.framer.Flush(); err != nil {
				c.lg.Warn("failed to flush frames", zap.Error(err))
			}
			c.needsFrameFlush = false
			continue
		}
		break
	}
	c.inFrameScheduleLoop = false
}

func (c *conn) connGoAwayRequest() frameWriteRequest {
	var header []byte
	if c.goAwayErr != nil {
		var err error
		header, err = protocol.NewStatus(c.goAwayErr).Marshal(format.Default())
		if err != nil {
			c.lg.Error("failed to marshal status", zap.Error(err))
		}
	}
	return frameWriteRequest{f: codec.NewGoAwayFrame(0, format.Default(), header)}
}

// startFrameWrite starts a goroutine to write wr (in a separate
// goroutine since that might block on the network), and updates the
// serve goroutine's state about the world, updated from info in wr.
func (c *conn) startFrameWrite(wr frameWriteRequest) {
	c.serveG.Check()
	if c.writingFrame {
		panic("internal error: can only be writing one frame at a time")
	}

	if st := wr.stream; st != nil && st.state == stateClosed {
		panic("internal error: attempt to send frame on a closed stream: " + wr.f.Info())
	}

	c.writingFrame = true
	c.needsFrameFlush = true
	if c.framer.Available() >= wr.f.Size() {
		c.writingFrameAsync = false
		err := c.framer.WriteFrame(wr.f)
		c.wroteFrame(frameWriteResult{wr: wr, err: err})
	} else {
		c.writingFrameAsync = true
		go c.writeFrameAsync(wr)
	}
}

// writeFrameAsync runs in its own goroutine and writes a single frame
// and then reports when it's done.
// At most one goroutine can be running writeFrameAsync at a time per
// conn.
func (c *conn) writeFrameAsync(wr frameWriteRequest) {
	err := c.framer.WriteFrame(wr.f)
	select {
	case c.wroteFrameCh <- frameWriteResult{wr: wr, err: err}:
	case <-c.doneServing:
	}
}

// processFrameFromReader processes the serve loop's read from readFrameCh from the
// frame-reading goroutine.
// processFrameFromReader returns whether the connection should be kept open.
func (c *conn) processFrameFromReader(res frameReadResult) bool {
	logger := c.lg
	c.serveG.Check()
	if res.free != nil {
		defer res.free()
	}

	err := res.err
	if err != nil {
		if isClientGone(err) {
			logger.Info("client closed the connection")
			return false
		}
		logger.Error("failed to read frame from client connection", zap.Error(err))
	} else {
		f := res.f
		if logutil.DebugEnabled(logger) {
			logger.Debug("server read frame", zap.String("frame", f.Summarize()))
		}

		err = c.processFrame(f)
		if err == nil {
			return true
		}
		logger.Error("failed to process frame", zap.Error(err))
	}
	c.goAway(status.Error(codes.Internal, err.Error()))
	return true
}

func isClientGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (c *conn) processFrame(f codec.Frame) error {
	logger := c.lg
	c.serveG.Check()

	// ignore response frames
	if f.IsResponse() {
		if _, ok := f.(*codec.PingFrame); !ok {
			logger.Warn("server ignoring response frame", zap.String("frame", f.Info()))
		}
		return nil
	}

	switch f := f.(type) {
	case *codec.PingFrame:
		return c.processPing(f)
	case *codec.GoAwayFrame:
		return c.processGoAway(f)
	case *codec.DataFrame:
		switch f.OpCode {
		case operation.Handshake():
			return c.processHandshake(f)
		case operation.Message():
			return c.processMessage(f)
		}
	}
	logger.Warn("server ignoring unknown type frame", zap.String("frame", f.Info()))
	return nil
}

func (c *conn) processPing(f *codec.PingFrame) error {
	c.serveG.Check()
	outFrame, free := codec.NewPingFrameResp(f)
	c.writeFrame(frameWriteRequest{
		f:    outFrame,
		free: free,
	})
	return nil
}

func (c *conn) processGoAway(f *codec.GoAwayFrame) error {
	logger := c.lg
	c.serveG.Check()
	if f.StreamID == 0 {
		logger.Info("received GOAWAY frame, starting graceful shutdown")
		c.goAway(nil)
		return nil
	}
	st, ok := c.streams[f.StreamID]
	if !ok {
		return nil
	}
	logger.Debug("client ended stream", zap.Uint32("stream-id", f.StreamID))
	c.closeStream(st)
	return nil
}

func (c *conn) processHandshake(f *codec.DataFrame) error {
	logger := c.lg
	c.serveG.Check()

	// Discard streams initiated after a GOAWAY
	if c.inGoAway {
		logger.Warn("server ignoring stream initiated after GOAWAY", zap.String("frame", f.Info()))
		return nil
	}
	if f.StreamID <= c.maxClientStreamID {
		logger.Error("server received a stream with an ID that has decreased", zap.String("frame", f.Info()))
		return errors.New("decreased stream ID")
	}

	var req protocol.HandshakeRequest
	if err := req.Unmarshal(f.HeaderFmt, f.Header); err != nil {
		return errors.Wrap(err, "unmarshal handshake")
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}

	st := c.newStream(f.StreamID, f.HeaderFmt, req.ClientID)
	go st.run(&service.Handshake{
		ClientID:         req.ClientID,
		AuthToken:        req.AuthToken,
		AttestationToken: req.AttestationToken,
	})
	return nil
}

func (c *conn) processMessage(f *codec.DataFrame) error {
	c.serveG.Check()
	st, ok := c.streams[f.StreamID]
	if !ok || st.state != stateOpen {
		c.lg.Debug("server ignoring message of an ended stream", zap.String("frame", f.Info()))
		return nil
	}
	// the payload is freed once the frame is processed
	st.inbox.Push(append([]byte(nil), f.Payload...))
	return nil
}

// writeFrameFromHandler sends wr to conn.wantWriteFrameCh, but aborts
// if the connection has gone away.
//
// This must not be run from the serve goroutine itself, else it might
// deadlock writing to conn.wantWriteFrameCh (which is only mildly
// buffered and is read by serve itself). If you're on the serve
// goroutine, call writeFrame instead.
func (c *conn) writeFrameFromHandler(wr frameWriteRequest) error {
	c.serveG.CheckNotOn()
	select {
	case c.wantWriteFrameCh <- wr:
		return nil
	case <-c.doneServing:
		// Serve loop is gone.
		// Client has closed their connection to the server.
		return errors.New("client disconnected")
	}
}

func (c *conn) newStream(id uint32, headerFmt format.Format, clientID string) *stream {
	c.serveG.Check()
	st := &stream{
		cc:        c,
		id:        id,
		headerFmt: headerFmt,
		clientID:  clientID,
		state:     stateOpen,
		inbox:     outbox.New[[]byte](),
		lg:        c.lg.With(zap.Uint32("stream-id", id), zap.String("client-id", clientID)),
	}
	c.streams[id] = st
	c.maxClientStreamID = id
	return st
}

func (c *conn) closeStream(st *stream) {
	if st.state == stateClosed {
		return
	}
	st.state = stateClosed
	st.inbox.Close()
	delete(c.streams, st.id)
	for _, wr := range c.wScheduler.CloseStream(st.id) {
		wr.release(errStreamClosed)
	}
	if len(c.streams) == 0 && c.idleTimeout != 0 && !c.inGoAway {
		c.idleTimer.Reset(c.idleTimeout)
	}
}

func (c *conn) close() {
	logger := c.lg
	logger.Info("closing connection")
	close(c.doneServing)
	if t := c.shutdownTimer; t != nil {
		t.Stop()
	}
	c.inGoAway = true
	for _, st := range c.streams {
		c.closeStream(st)
	}
	if t := c.idleTimer; t != nil {
		t.Stop()
	}
	_ = c.rwc.Close()
	c.cancelCtx()
	logger.Info("connection closed")
}

// After sending GOAWAY, the connection will close after goAwayTimeout.
//
// If we close the connection immediately after sending GOAWAY, there may
// be unsent data in our kernel receive buffer, which will cause the kernel
// to send a TCP RST on close() instead of a FIN. This RST will abort the
// connection immediately, whether the client had received the GOAWAY.
//
// Ideally we should delay for at least 1 RTT + epsilon so the client has
// a chance to read the GOAWAY and stop sending messages. Measuring RTT
// is hard, so we approximate with 1 second. See golang.org/issue/18701.
//
// This is a var, so it can be shorter in tests, where all requests uses the
// loopback interface making the expected RTT very small.
var goAwayTimeout = 1 * time.Second

// goAway ends every open stream with the status of err and tells the client the connection
// is going away.
func (c *conn) goAway(err error) {
	c.serveG.Check()
	if c.inGoAway {
		return
	}
	c.inGoAway = true
	c.needToSendGoAway = true
	c.goAwayErr = err
	c.scheduleFrameWrite()
}

// startGracefulShutdown gracefully shuts down a connection. This
// sends GOAWAY to tell the client we're gracefully shutting down.
// The connection isn't closed until all current streams are done.
//
// startGracefulShutdown returns immediately; it does not wait until
// the connection has shutdown.
func (c *conn) startGracefulShutdown() {
	c.serveG.CheckNotOn()
	c.shutdownOnce.Do(func() { c.sendServeMsg(gracefulShutdownMsg) })
}

type serverMessage int

// Message values sent to serveMsgCh.
var (
	idleTimerMsg        = new(serverMessage)
	shutdownTimerMsg    = new(serverMessage)
	gracefulShutdownMsg = new(serverMessage)
)

func (c *conn) sendServeMsg(msg *serverMessage) {
	c.serveG.CheckNotOn()
	select {
	case c.serveMsgCh <- msg:
	case <-c.doneServing:
	}
}

type frameReadResult struct {
	f    codec.Frame
	free func() // free should be called once the frame is no longer needed
	err  error
}

// frameWriteResult is the message passed from writeFrameAsync to the serve goroutine.
type frameWriteResult struct {
	wr  frameWriteRequest // what was written (or attempted)
	err error             // result of the writeFrame call
}
