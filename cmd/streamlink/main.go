// Package main is the entrypoint for streamlink, which sends every line read from stdin
// over a stream and prints what comes back.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/client"
	"github.com/AutoMQ/streamlink/pkg/config"
	"github.com/AutoMQ/streamlink/pkg/queue"
	sbpClient "github.com/AutoMQ/streamlink/pkg/sbp/client"
	"github.com/AutoMQ/streamlink/pkg/stream"
	"github.com/AutoMQ/streamlink/pkg/transport"
	"github.com/AutoMQ/streamlink/pkg/transport/rpc"
	"github.com/AutoMQ/streamlink/pkg/util/cmdutil"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

func main() {
	cfg, logger, err := cmdutil.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, cmdutil.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		cmdutil.Exit(logger, 1)
	}

	conn, closeConn, err := newConnection(cfg, logger)
	if err != nil {
		logger.Error("failed to create connection", zap.Error(err))
		cmdutil.Exit(logger, 1)
	}

	clock := clockwork.NewRealClock()
	auth, err := cfg.Auth.AuthProvider(clock, logger)
	if err != nil {
		logger.Error("failed to create auth provider", zap.Error(err))
		cmdutil.Exit(logger, 1)
	}

	q := queue.New(clock, logger)
	c := client.New(cfg.Stream.Config(), q, conn, auth, cfg.Auth.AttestationProvider(),
		func(msg []byte) {
			fmt.Println(string(msg))
		},
		func(err error) {
			if err != nil {
				logger.Warn("stream closed", zap.Error(err))
			}
		},
		logger)

	sc := cmdutil.Signals()
	lines := make(chan string)
	go func() {
		defer logutil.LogPanicAndExit(logger)
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Error("failed to read stdin", zap.Error(err))
		}
	}()

	var (
		sig     os.Signal
		in      <-chan string = lines
		drained <-chan struct{}
	)
loop:
	for {
		select {
		case line, ok := <-in:
			if !ok {
				// wait for the replies until the stream goes idle
				in = nil
				drained = c.Drained()
				continue
			}
			c.Send([]byte(line))
		case <-drained:
			logger.Info("stream is idle with nothing left to send")
			break loop
		case sig = <-sc:
			logger.Info("got signal to exit", zap.String("signal", sig.String()))
			break loop
		}
	}

	c.Close()
	q.Shutdown()
	closeConn()
	cmdutil.Exit(logger, cmdutil.ExitCode(sig))
}

// newConnection creates the connection streams are opened on, and a func releasing it.
func newConnection(cfg *config.Config, logger *zap.Logger) (stream.Connection, func(), error) {
	tc := cfg.Transport
	switch tc.Type {
	case config.TransportSBP:
		c := sbpClient.NewClient(tc.Addr, tc.ClientIDPrefix, logger)
		c.DialTimeout = tc.DialTimeout
		c.ReadIdleTimeout = tc.ReadIdleTimeout
		c.PingTimeout = tc.PingTimeout
		return transport.NewLogger(c, logger), func() {}, nil
	default:
		cc, err := rpc.Dial(tc.Addr, tc.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		conn := rpc.NewConnection(cc, tc.Method, tc.ClientIDPrefix, logger)
		return transport.NewLogger(conn, logger), func() { _ = cc.Close() }, nil
	}
}
