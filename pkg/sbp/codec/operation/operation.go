package operation

const (
	unknown uint16 = iota
	ping
	goAway
	handshake
	message
)

var (
	_ping      = Operation{ping}
	_goAway    = Operation{goAway}
	_handshake = Operation{handshake}
	_message   = Operation{message}
	_unknown   = Operation{unknown}
)

// Operation is enumeration of Frame.opCode
type Operation struct {
	code uint16
}

// NewOperation new an operation with code
func NewOperation(code uint16) Operation {
	switch code {
	case ping:
		return _ping
	case goAway:
		return _goAway
	case handshake:
		return _handshake
	case message:
		return _message
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (o Operation) String() string {
	switch o.code {
	case ping:
		return "Ping"
	case goAway:
		return "GoAway"
	case handshake:
		return "Handshake"
	case message:
		return "Message"
	default:
		return "Unknown"
	}
}

// Code returns the operation code
func (o Operation) Code() uint16 {
	return o.code
}

// IsControl returns whether o is a control operation
func (o Operation) IsControl() bool {
	switch o.code {
	case ping, goAway:
		return true
	default:
		return false
	}
}

// Ping frame is a mechanism for measuring a minimal round-trip time from the sender,
// as well as determining whether an idle connection is still functional
func Ping() Operation {
	return _ping
}

// GoAway frame ends a stream, carrying the status it ends with
func GoAway() Operation {
	return _goAway
}

// Handshake frame opens a stream, presenting the credentials of the client
func Handshake() Operation {
	return _handshake
}

// Message frame carries one message of a stream in its payload
func Message() Operation {
	return _message
}
