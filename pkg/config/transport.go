package config

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/streamlink/pkg/transport/rpc"
)

const (
	// TransportGRPC carries streams over gRPC bidirectional streaming calls.
	TransportGRPC = "grpc"
	// TransportSBP carries streams over SBP, one TCP connection per stream.
	TransportSBP = "sbp"

	_defaultTransportType            = TransportGRPC
	_defaultTransportAddr            = "127.0.0.1:12390"
	_defaultTransportDialTimeout     = 5 * time.Second
	_defaultTransportReadIdleTimeout = 5 * time.Second
	_defaultTransportPingTimeout     = 10 * time.Second
	_defaultTransportClientIDPrefix  = "streamlink"
)

// Transport is the configuration of the transport carrying the stream
type Transport struct {
	// Type is either TransportGRPC or TransportSBP.
	Type string
	// Addr is the address the client dials and the server listens on.
	Addr string
	// Method is the full gRPC method name. Only used by TransportGRPC.
	Method string
	// DialTimeout is the maximum amount of time a dial will wait for a connection to complete.
	DialTimeout time.Duration
	// ReadIdleTimeout is the timeout after which a health check using Ping frame will be
	// carried out if no frame is received. If zero, no health check is performed.
	// Only used by TransportSBP.
	ReadIdleTimeout time.Duration
	// PingTimeout is the timeout after which the connection will be closed
	// if a response to Ping is not received. Only used by TransportSBP.
	PingTimeout time.Duration
	// ServerIdleTimeout is how long a server keeps a connection without streams.
	// If zero, idle connections are kept. Only used by TransportSBP.
	ServerIdleTimeout time.Duration
	// ClientIDPrefix prefixes the client id presented to the server.
	ClientIDPrefix string
}

// NewTransport creates a default transport configuration.
func NewTransport() *Transport {
	return &Transport{}
}

// Adjust generates default values for some fields (if they are empty)
func (t *Transport) Adjust() {
	if t.Method == "" {
		t.Method = rpc.DefaultMethod
	}
}

// Validate checks whether the configuration is valid.
func (t *Transport) Validate() error {
	switch t.Type {
	case TransportGRPC, TransportSBP:
	default:
		return errors.Errorf("unknown transport type `%s`", t.Type)
	}
	if _, _, err := net.SplitHostPort(t.Addr); err != nil {
		return errors.Wrapf(err, "invalid address `%s`", t.Addr)
	}
	if t.DialTimeout <= 0 {
		return errors.Errorf("invalid dial timeout `%s`", t.DialTimeout)
	}
	if t.ReadIdleTimeout < 0 {
		return errors.Errorf("invalid read idle timeout `%s`", t.ReadIdleTimeout)
	}
	if t.PingTimeout <= 0 {
		return errors.Errorf("invalid ping timeout `%s`", t.PingTimeout)
	}
	if t.ServerIdleTimeout < 0 {
		return errors.Errorf("invalid server idle timeout `%s`", t.ServerIdleTimeout)
	}
	return nil
}

func transportConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("transport-type", _defaultTransportType, "transport carrying the stream, \"grpc\" or \"sbp\"")
	fs.String("transport-addr", _defaultTransportAddr, "address of the server")
	fs.String("transport-method", "", "full gRPC method name of the stream (default '"+rpc.DefaultMethod+"')")
	fs.Duration("transport-dial-timeout", _defaultTransportDialTimeout, "maximum amount of time a dial will wait for a connection to complete")
	fs.Duration("transport-read-idle-timeout", _defaultTransportReadIdleTimeout, "time after which a ping will be sent if nothing was read (zero for no health checks)")
	fs.Duration("transport-ping-timeout", _defaultTransportPingTimeout, "time after which the connection is closed if the server doesn't respond to a ping")
	fs.Duration("transport-server-idle-timeout", 0, "time after which a server closes a connection without streams (zero for no timeout)")
	fs.String("transport-client-id-prefix", _defaultTransportClientIDPrefix, "prefix of the client id presented to the server")
	_ = v.BindPFlag("transport.type", fs.Lookup("transport-type"))
	_ = v.BindPFlag("transport.addr", fs.Lookup("transport-addr"))
	_ = v.BindPFlag("transport.method", fs.Lookup("transport-method"))
	_ = v.BindPFlag("transport.dialTimeout", fs.Lookup("transport-dial-timeout"))
	_ = v.BindPFlag("transport.readIdleTimeout", fs.Lookup("transport-read-idle-timeout"))
	_ = v.BindPFlag("transport.pingTimeout", fs.Lookup("transport-ping-timeout"))
	_ = v.BindPFlag("transport.serverIdleTimeout", fs.Lookup("transport-server-idle-timeout"))
	_ = v.BindPFlag("transport.clientIDPrefix", fs.Lookup("transport-client-id-prefix"))
}
