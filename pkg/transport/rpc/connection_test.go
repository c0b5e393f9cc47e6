package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AutoMQ/streamlink/pkg/credentials"
	"github.com/AutoMQ/streamlink/pkg/service"
	"github.com/AutoMQ/streamlink/pkg/stream"
)

const _waitTimeout = 5 * time.Second

var _secret = []byte("rpc-test-secret")

func newTestClientConn(t *testing.T, handler service.Handler) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(handler, zaptest.NewLogger(t))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	cc, err := Dial("passthrough:///bufnet", time.Second, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})
	return cc
}

func newToken(t *testing.T, secret []byte) string {
	p, err := credentials.NewJWTProvider(credentials.JWTConfig{Secret: secret, Subject: "rpc-test"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	tokenC := make(chan string, 1)
	p.GetToken(func(token credentials.AuthToken, err error) {
		require.NoError(t, err)
		tokenC <- token.Token
	})
	return <-tokenC
}

type recordingObserver struct {
	startC  chan struct{}
	readC   chan []byte
	finishC chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		startC:  make(chan struct{}, 16),
		readC:   make(chan []byte, 16),
		finishC: make(chan error, 16),
	}
}

func (o *recordingObserver) OnStreamStart() {
	o.startC <- struct{}{}
}

func (o *recordingObserver) OnStreamRead(msg []byte) {
	o.readC <- msg
}

func (o *recordingObserver) OnStreamFinish(err error) {
	o.finishC <- err
}

func (o *recordingObserver) waitStart(t *testing.T) {
	select {
	case <-o.startC:
	case err := <-o.finishC:
		t.Fatalf("stream finished before start: %v", err)
	case <-time.After(_waitTimeout):
		t.Fatal("timeout waiting for stream start")
	}
}

func (o *recordingObserver) waitRead(t *testing.T) []byte {
	select {
	case msg := <-o.readC:
		return msg
	case <-time.After(_waitTimeout):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func (o *recordingObserver) waitFinish(t *testing.T) error {
	select {
	case err := <-o.finishC:
		return err
	case <-time.After(_waitTimeout):
		t.Fatal("timeout waiting for stream finish")
	}
	return nil
}

func TestTransportEcho(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cc := newTestClientConn(t, service.NewEcho(_secret, zaptest.NewLogger(t)))
	conn := NewConnection(cc, "", "rpc-test", zaptest.NewLogger(t))
	re.Contains(conn.ClientID(), "rpc-test|")

	obs := newRecordingObserver()
	tr := conn.CreateStream(obs, stream.Credentials{
		Auth:        credentials.AuthToken{Token: newToken(t, _secret)},
		Attestation: "attested",
	})
	re.Nil(tr.ResponseHeaders())

	tr.Start()
	tr.Start()
	obs.waitStart(t)
	re.Equal([]string{"streamlink-echo"}, tr.ResponseHeaders().Get("server"))
	re.Len(tr.ResponseHeaders().Get("x-request-id"), 1)

	tr.Write([]byte("hello"))
	tr.Write([]byte("world"))
	re.Equal([]byte("hello"), obs.waitRead(t))
	re.Equal([]byte("world"), obs.waitRead(t))

	tr.Write(service.QuitMessage)
	re.NoError(obs.waitFinish(t))
	re.Len(obs.startC, 0)
}

func TestTransportUnauthenticated(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cc := newTestClientConn(t, service.NewEcho(_secret, zaptest.NewLogger(t)))
	conn := NewConnection(cc, DefaultMethod, "rpc-test", zaptest.NewLogger(t))

	obs := newRecordingObserver()
	tr := conn.CreateStream(obs, stream.Credentials{Auth: credentials.AuthToken{Token: newToken(t, []byte("other-secret"))}})
	tr.Start()

	err := obs.waitFinish(t)
	re.Equal(codes.Unauthenticated, status.Code(err))
	tr.FinishImmediately()
}

func TestTransportUnavailable(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	lis := bufconn.Listen(1 << 10)
	re.NoError(lis.Close())
	cc, err := Dial("passthrough:///bufnet", 100*time.Millisecond, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	re.NoError(err)
	defer cc.Close()

	obs := newRecordingObserver()
	tr := NewConnection(cc, "", "", zaptest.NewLogger(t)).CreateStream(obs, stream.Credentials{})
	tr.Start()
	re.Equal(codes.Unavailable, status.Code(obs.waitFinish(t)))
}

func TestTransportFinishImmediately(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cc := newTestClientConn(t, service.NewEcho(nil, zaptest.NewLogger(t)))
	conn := NewConnection(cc, "", "rpc-test", zaptest.NewLogger(t))

	obs := newRecordingObserver()
	tr := conn.CreateStream(obs, stream.Credentials{})
	tr.Start()
	obs.waitStart(t)

	tr.FinishImmediately()
	tr.FinishImmediately()
	tr.Write([]byte("dropped"))
	re.Never(func() bool {
		return len(obs.finishC) > 0 || len(obs.readC) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestTransportFinishBeforeStart(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cc := newTestClientConn(t, service.NewEcho(nil, zaptest.NewLogger(t)))
	obs := newRecordingObserver()
	tr := NewConnection(cc, "", "", zaptest.NewLogger(t)).CreateStream(obs, stream.Credentials{})

	tr.FinishImmediately()
	tr.Start()
	re.Never(func() bool {
		return len(obs.startC) > 0 || len(obs.finishC) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}
