// Package client opens streams to an SBP server.
package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/stream"
	"github.com/AutoMQ/streamlink/pkg/util/idutil"
)

// Address is the address of a server, in the format of "host:port"
type Address = string

const (
	_defaultDialTimeout = 5 * time.Second
	_defaultPingTimeout = 15 * time.Second
)

// A Client opens streams to a server, each on a connection of its own.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	// DialTimeout is the maximum amount of time a dial will wait for a connection to complete.
	// Default to _defaultDialTimeout
	DialTimeout time.Duration
	// ReadIdleTimeout is the timeout after which a health check using Ping
	// frame will be carried out if no frame is received on the connection.
	// If zero, no health check is performed.
	ReadIdleTimeout time.Duration
	// PingTimeout is the timeout after which the connection will be closed
	// if a response to Ping is not received.
	// Default to _defaultPingTimeout
	PingTimeout time.Duration
	// Format is the format of the frame headers sent to the server.
	// Default to format.Default
	Format format.Format

	addr Address
	id   string

	lg *zap.Logger
}

// NewClient creates a client opening streams to addr.
func NewClient(addr Address, clientIDPrefix string, lg *zap.Logger) *Client {
	if lg == nil {
		lg = zap.NewNop()
	}
	id := idutil.NewClientID(clientIDPrefix)
	return &Client{
		addr: addr,
		id:   id,
		lg:   lg.With(zap.String("server-addr", addr), zap.String("client-id", id)),
	}
}

// ID returns the id the client presents to the server.
func (c *Client) ID() string {
	return c.id
}

// CreateStream implements stream.Connection
func (c *Client) CreateStream(observer stream.Observer, creds stream.Credentials) stream.Transport {
	return c.newConn(observer, creds)
}

// Logger returns the logger of the client.
func (c *Client) Logger() *zap.Logger {
	return c.lg
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.addr)
	}
	return conn, nil
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return _defaultDialTimeout
}

func (c *Client) pingTimeout() time.Duration {
	if c.PingTimeout > 0 {
		return c.PingTimeout
	}
	return _defaultPingTimeout
}

func (c *Client) format() format.Format {
	if c.Format == format.JSON() {
		return c.Format
	}
	return format.Default()
}
