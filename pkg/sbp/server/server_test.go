package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
	"github.com/AutoMQ/streamlink/pkg/sbp/protocol"
	"github.com/AutoMQ/streamlink/pkg/service"
	tempurl "github.com/AutoMQ/streamlink/pkg/util/testutil/url"
)

func TestMain(m *testing.M) {
	goAwayTimeout = 50 * time.Millisecond
	code := m.Run()
	if code == 0 {
		if err := goleak.Find(); err != nil {
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
			code = 1
		}
	}
	os.Exit(code)
}

type handlerFunc func(s service.Session, msg []byte) error

func (f handlerFunc) Handshake(hs *service.Handshake) (map[string]string, error) {
	if hs.AuthToken == "bad" {
		return nil, status.Error(codes.Unauthenticated, "bad token")
	}
	return map[string]string{"client": hs.ClientID}, nil
}

func (f handlerFunc) Message(s service.Session, msg []byte) error {
	return f(s, msg)
}

// testClient speaks SBP frame by frame.
type testClient struct {
	t    *testing.T
	conn net.Conn
	fr   *codec.Framer
}

func startServer(t *testing.T, handler service.Handler, idleTimeout time.Duration) *testClient {
	re := require.New(t)

	listener, err := net.Listen("tcp", tempurl.AllocAddr(t))
	re.NoError(err)
	s := NewServer(context.Background(), handler, zaptest.NewLogger(t))
	s.IdleTimeout = idleTimeout
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = s.Serve(listener)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	re.NoError(err)
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		<-served
	})
	return &testClient{
		t:    t,
		conn: conn,
		fr:   codec.NewFramer(bufio.NewWriter(conn), bufio.NewReader(conn), zaptest.NewLogger(t)),
	}
}

func (c *testClient) write(f codec.Frame) {
	re := require.New(c.t)
	re.NoError(c.fr.WriteFrame(f))
	re.NoError(c.fr.Flush())
}

// readFrame is a copy of a frame read, valid after the frame is freed.
type readFrame struct {
	ping      bool
	goAway    bool
	opCode    operation.Operation
	flag      codec.Flags
	streamID  uint32
	headerFmt format.Format
	header    []byte
	payload   []byte
}

func (c *testClient) read() readFrame {
	re := require.New(c.t)
	re.NoError(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	f, free, err := c.fr.ReadFrame()
	re.NoError(err)
	defer free()

	base := f.Base()
	rf := readFrame{
		opCode:    base.OpCode,
		flag:      base.Flag,
		streamID:  base.StreamID,
		headerFmt: base.HeaderFmt,
		header:    append([]byte(nil), base.Header...),
		payload:   append([]byte(nil), base.Payload...),
	}
	switch f.(type) {
	case *codec.PingFrame:
		rf.ping = true
	case *codec.GoAwayFrame:
		rf.goAway = true
	}
	return rf
}

// status decodes the status carried by a GoAway or a rejected handshake.
func (f readFrame) status(t *testing.T) error {
	if len(f.header) == 0 {
		return nil
	}
	var st protocol.Status
	require.NoError(t, st.Unmarshal(f.headerFmt, f.header))
	return st.Err()
}

func (c *testClient) handshake(streamID uint32, token string) {
	req := &protocol.HandshakeRequest{ClientID: "test-client", AuthToken: token}
	header, err := req.Marshal(format.JSON())
	require.NoError(c.t, err)
	ctx := &codec.DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: format.JSON(), StreamID: streamID}
	c.write(codec.NewDataFrameReq(ctx, header, nil, 0))
}

func (c *testClient) send(streamID uint32, msg string) {
	ctx := &codec.DataFrameContext{OpCode: operation.Message(), HeaderFmt: format.JSON(), StreamID: streamID}
	c.write(codec.NewDataFrameReq(ctx, nil, []byte(msg), 0))
}

// waitClosed waits for the server to close the connection.
func (c *testClient) waitClosed() {
	re := require.New(c.t)
	re.NoError(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, err := io.Copy(io.Discard, c.conn)
	re.NoError(err)
}

func echoHandler(s service.Session, msg []byte) error {
	if string(msg) == "quit" {
		return service.ErrEndStream
	}
	return s.Send(msg)
}

func TestPing(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 0)
	c.write(codec.NewPingFrame(0, []byte("hello")))

	f := c.read()
	re.True(f.ping)
	re.True(f.flag.Has(codec.FlagResponse))
	re.Equal([]byte("hello"), f.payload)
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 0)
	c.handshake(1, "good")

	f := c.read()
	re.Equal(operation.Handshake(), f.opCode)
	re.Equal(uint32(1), f.streamID)
	re.True(f.flag.Has(codec.FlagResponse))
	re.False(f.flag.Has(codec.FlagSystemError))
	var resp protocol.HandshakeResponse
	re.NoError(resp.Unmarshal(f.headerFmt, f.header))
	re.Equal(map[string]string{"client": "test-client"}, resp.Headers)

	c.send(1, "a")
	c.send(1, "b")
	for _, want := range []string{"a", "b"} {
		f := c.read()
		re.Equal(operation.Message(), f.opCode)
		re.Equal(uint32(1), f.streamID)
		re.Equal([]byte(want), f.payload)
	}

	c.send(1, "quit")
	f = c.read()
	re.True(f.goAway)
	re.Equal(uint32(1), f.streamID)
	re.True(f.flag.Has(codec.FlagEnd))
	re.NoError(f.status(t))

	// messages of an ended stream are dropped
	c.send(1, "c")
	c.write(codec.NewPingFrame(0, nil))
	re.True(c.read().ping)
}

func TestHandshakeRejected(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 0)
	c.handshake(1, "bad")

	f := c.read()
	re.Equal(operation.Handshake(), f.opCode)
	re.True(f.flag.Has(codec.FlagSystemError))
	re.True(f.flag.Has(codec.FlagEnd))
	err := f.status(t)
	re.Equal(codes.Unauthenticated, status.Code(err))
	re.Contains(err.Error(), "bad token")
}

func TestHandlerPanic(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(func(service.Session, []byte) error {
		panic("boom")
	}), 0)
	c.handshake(1, "good")
	re.Equal(operation.Handshake(), c.read().opCode)

	c.send(1, "a")
	f := c.read()
	re.True(f.goAway)
	re.Equal(uint32(1), f.streamID)
	re.Equal(codes.Internal, status.Code(f.status(t)))

	// the connection survives the panic
	c.handshake(3, "good")
	re.Equal(uint32(3), c.read().streamID)
}

func TestHandlerError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(func(service.Session, []byte) error {
		return status.Error(codes.ResourceExhausted, "too many messages")
	}), 0)
	c.handshake(1, "good")
	re.Equal(operation.Handshake(), c.read().opCode)

	c.send(1, "a")
	f := c.read()
	re.True(f.goAway)
	re.Equal(codes.ResourceExhausted, status.Code(f.status(t)))
}

func TestClientEndsStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 0)
	c.handshake(1, "good")
	re.Equal(operation.Handshake(), c.read().opCode)

	c.write(codec.NewGoAwayFrame(1, format.JSON(), nil))
	c.send(1, "dropped")
	c.write(codec.NewPingFrame(0, nil))
	re.True(c.read().ping)
}

func TestDecreasedStreamID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 0)
	c.handshake(3, "good")
	re.Equal(operation.Handshake(), c.read().opCode)
	c.handshake(1, "good")

	// the connection goes away first, then every open stream ends
	f := c.read()
	re.True(f.goAway)
	re.Equal(uint32(0), f.streamID)
	re.Equal(codes.Internal, status.Code(f.status(t)))

	f = c.read()
	re.True(f.goAway)
	re.Equal(uint32(3), f.streamID)
	re.Equal(codes.Internal, status.Code(f.status(t)))
	c.waitClosed()
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 50*time.Millisecond)

	f := c.read()
	re.True(f.goAway)
	re.Equal(uint32(0), f.streamID)
	re.NoError(f.status(t))
	c.waitClosed()
}

func TestIdleTimeoutAfterStreamEnds(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := startServer(t, handlerFunc(echoHandler), 100*time.Millisecond)
	c.handshake(1, "good")
	re.Equal(operation.Handshake(), c.read().opCode)

	// streams keep the connection open
	time.Sleep(200 * time.Millisecond)
	c.send(1, "a")
	re.Equal([]byte("a"), c.read().payload)

	c.send(1, "quit")
	re.True(c.read().goAway)

	f := c.read()
	re.True(f.goAway)
	re.Equal(uint32(0), f.streamID)
	c.waitClosed()
}

func TestShutdownEndsStreams(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	listener, err := net.Listen("tcp", tempurl.AllocAddr(t))
	re.NoError(err)
	s := NewServer(context.Background(), handlerFunc(echoHandler), zaptest.NewLogger(t))
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(listener)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	re.NoError(err)
	defer conn.Close()
	c := &testClient{t: t, conn: conn, fr: codec.NewFramer(bufio.NewWriter(conn), bufio.NewReader(conn), zaptest.NewLogger(t))}
	c.handshake(1, "good")
	re.Equal(operation.Handshake(), c.read().opCode)

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- s.Shutdown(ctx)
	}()

	f := c.read()
	re.True(f.goAway)
	re.Equal(uint32(0), f.streamID)

	f = c.read()
	re.True(f.goAway)
	re.Equal(uint32(1), f.streamID)
	err = f.status(t)
	re.Equal(codes.Unavailable, status.Code(err))
	re.Contains(err.Error(), "server is shutting down")
	c.waitClosed()

	re.NoError(<-shutdownErr)
	re.ErrorIs(<-served, ErrServerClosed)
	re.ErrorIs(s.Serve(listener), ErrServerClosed)
}
