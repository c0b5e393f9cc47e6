package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
)

// A frame on the wire, integers in big endian:
//
//	length       uint32  number of bytes following this field
//	magic        uint8   always 23
//	operation    uint16
//	flag         uint8
//	stream id    uint32
//	header fmt   uint8
//	header len   uint24
//	header       header len bytes
//	payload      up to the checksum
//	checksum     uint32  crc32 (IEEE) of the payload, 0 if there is none
const (
	_lengthLen      = 4
	_checksumLen    = 4
	_fixedHeaderLen = 16
	_minFrameLen    = _fixedHeaderLen - _lengthLen + _checksumLen
	_maxFrameLen    = 16 * 1024 * 1024
	_maxHeaderLen   = 1<<24 - 1

	_magicCode uint8 = 23

	_summaryPayloadLen = 256
)

const (
	// FlagResponse marks a frame answering the frame with the same operation on the same stream.
	FlagResponse Flags = 1 << iota
	// FlagEnd marks the last frame the sender sends on the stream.
	FlagEnd
	// FlagSystemError marks a response whose header is the status of a failure.
	FlagSystemError
)

// Flags is a bitmask of SBP flags.
type Flags uint8

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

// Frame is the base interface implemented by all frame types
type Frame interface {
	Base() baseFrame

	// Size returns the number of bytes that the Frame takes after encoding
	Size() int

	// Summarize returns all info of the frame, only for debug use
	Summarize() string

	// Info returns fixed header info of the frame
	Info() string

	IsRequest() bool
	IsResponse() bool
}

type baseFrame struct {
	OpCode    operation.Operation
	Flag      Flags
	StreamID  uint32
	HeaderFmt format.Format
	Header    []byte // nil for no header
	Payload   []byte // nil for no payload
}

// Base implement the Frame interface
func (f baseFrame) Base() baseFrame {
	return f
}

func (f baseFrame) Size() int {
	return _fixedHeaderLen + len(f.Header) + len(f.Payload) + _checksumLen
}

func (f baseFrame) Summarize() string {
	var b strings.Builder
	b.WriteString(f.Info())
	fmt.Fprintf(&b, " header=%q", f.Header)
	if len(f.Payload) > _summaryPayloadLen {
		fmt.Fprintf(&b, " payload=%q (%d bytes omitted)", f.Payload[:_summaryPayloadLen], len(f.Payload)-_summaryPayloadLen)
	} else {
		fmt.Fprintf(&b, " payload=%q", f.Payload)
	}
	return b.String()
}

func (f baseFrame) Info() string {
	return fmt.Sprintf("size=%d operation=%s flag=%08b streamID=%d format=%s",
		f.Size(), f.OpCode.String(), f.Flag, f.StreamID, f.HeaderFmt.String())
}

func (f baseFrame) IsRequest() bool {
	return !f.IsResponse()
}

func (f baseFrame) IsResponse() bool {
	return f.Flag.Has(FlagResponse)
}

// fixedHeader is the decoded fixed length portion of a frame.
type fixedHeader struct {
	length    uint32
	opCode    uint16
	flag      uint8
	streamID  uint32
	headerFmt uint8
	headerLen uint32
}

func (h *fixedHeader) decode(b []byte) error {
	h.length = binary.BigEndian.Uint32(b[0:4])
	if h.length < _minFrameLen {
		return errors.Errorf("frame too small: %d < %d", h.length, _minFrameLen)
	}
	if h.length > _maxFrameLen {
		return errors.Errorf("frame too large: %d > %d", h.length, _maxFrameLen)
	}
	if magic := b[4]; magic != _magicCode {
		return errors.Errorf("magic code mismatch: %d != %d", magic, _magicCode)
	}
	h.opCode = binary.BigEndian.Uint16(b[5:7])
	h.flag = b[7]
	h.streamID = binary.BigEndian.Uint32(b[8:12])
	h.headerFmt = b[12]
	h.headerLen = uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
	if h.headerLen > h.bodyLen()-_checksumLen {
		return errors.Errorf("header too large: %d > %d", h.headerLen, h.bodyLen()-_checksumLen)
	}
	return nil
}

// bodyLen is the number of bytes following the fixed header, checksum included.
func (h *fixedHeader) bodyLen() uint32 {
	return h.length + _lengthLen - _fixedHeaderLen
}

// Framer reads and writes Frames
type Framer struct {
	streamID atomic.Uint32

	r        io.Reader
	fixedBuf [_fixedHeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// NextID generates the next new StreamID
func (fr *Framer) NextID() uint32 {
	return fr.streamID.Add(1)
}

// ReadFrame reads a single frame. The header and payload of the returned frame are only valid
// until free is called.
func (fr *Framer) ReadFrame() (Frame, func(), error) {
	logger := fr.lg

	if _, err := io.ReadFull(fr.r, fr.fixedBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			logger.Debug("connection closed", zap.Error(err))
		} else {
			logger.Error("failed to read fixed header", zap.Error(err))
		}
		return &baseFrame{}, nil, errors.Wrap(err, "read fixed header")
	}
	var h fixedHeader
	if err := h.decode(fr.fixedBuf[:]); err != nil {
		logger.Error("illegal fixed header", zap.Error(err))
		return &baseFrame{}, nil, err
	}

	body := mcache.Malloc(int(h.bodyLen()))
	free := func() { mcache.Free(body) }
	if _, err := io.ReadFull(fr.r, body); err != nil {
		logger.Error("failed to read frame body", zap.Error(err))
		free()
		return &baseFrame{}, nil, errors.Wrap(err, "read frame body")
	}

	checksumAt := len(body) - _checksumLen
	header, payload := body[:h.headerLen], body[h.headerLen:checksumAt]
	if len(payload) > 0 {
		want := binary.BigEndian.Uint32(body[checksumAt:])
		if got := crc32.ChecksumIEEE(payload); got != want {
			logger.Error("payload checksum mismatch", zap.Uint32("expected", want), zap.Uint32("got", got))
			free()
			return &baseFrame{}, nil, errors.New("payload checksum mismatch")
		}
	}

	return newFrame(baseFrame{
		OpCode:    operation.NewOperation(h.opCode),
		Flag:      Flags(h.flag),
		StreamID:  h.streamID,
		HeaderFmt: format.NewFormat(h.headerFmt),
		Header:    nilIfEmpty(header),
		Payload:   nilIfEmpty(payload),
	}), free, nil
}

func newFrame(base baseFrame) Frame {
	switch base.OpCode {
	case operation.Ping():
		return &PingFrame{base}
	case operation.GoAway():
		return &GoAwayFrame{base}
	case operation.Handshake(), operation.Message():
		return &DataFrame{base}
	default:
		return &base
	}
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to call other Write methods concurrently.
func (fr *Framer) WriteFrame(f Frame) error {
	logger := fr.lg
	frame := f.Base()

	if len(frame.Header) > _maxHeaderLen {
		logger.Error("frame header too large", zap.Int("header-length", len(frame.Header)))
		return errors.Errorf("header too large: %d > %d", len(frame.Header), _maxHeaderLen)
	}
	length := frame.Size() - _lengthLen
	if length > _maxFrameLen {
		logger.Error("frame too large", zap.Int("frame-length", length), zap.Int("max-length", _maxFrameLen))
		return errors.Errorf("frame too large: %d > %d", length, _maxFrameLen)
	}

	b := fr.wbuf[:0]
	b = binary.BigEndian.AppendUint32(b, uint32(length))
	b = append(b, _magicCode)
	b = binary.BigEndian.AppendUint16(b, frame.OpCode.Code())
	b = append(b, uint8(frame.Flag))
	b = binary.BigEndian.AppendUint32(b, frame.StreamID)
	b = append(b, frame.HeaderFmt.Code())
	headerLen := len(frame.Header)
	b = append(b, byte(headerLen>>16), byte(headerLen>>8), byte(headerLen))
	b = append(b, frame.Header...)
	b = append(b, frame.Payload...)
	var checksum uint32
	if len(frame.Payload) > 0 {
		checksum = crc32.ChecksumIEEE(frame.Payload)
	}
	b = binary.BigEndian.AppendUint32(b, checksum)
	fr.wbuf = b

	if _, err := fr.w.Write(b); err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// Available returns how many bytes are unused in the buffer.
func (fr *Framer) Available() int {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Available()
	}
	return 0
}

// PingFrame checks whether a connection is still alive. The receiver echoes it back as a response.
type PingFrame struct {
	baseFrame
}

// NewPingFrame creates a ping carrying payload
func NewPingFrame(streamID uint32, payload []byte) *PingFrame {
	return &PingFrame{baseFrame{
		OpCode:    operation.Ping(),
		StreamID:  streamID,
		HeaderFmt: format.Default(),
		Payload:   payload,
	}}
}

// NewPingFrameResp creates a pong with the provided ping. The pong is only valid until free is called.
func NewPingFrameResp(ping *PingFrame) (pong *PingFrame, free func()) {
	buf := mcache.Malloc(len(ping.Header) + len(ping.Payload))
	n := copy(buf, ping.Header)
	copy(buf[n:], ping.Payload)
	pong = &PingFrame{baseFrame{
		OpCode:    operation.Ping(),
		Flag:      FlagResponse,
		StreamID:  ping.StreamID,
		HeaderFmt: ping.HeaderFmt,
		Header:    buf[:n],
		Payload:   buf[n:],
	}}
	return pong, func() { mcache.Free(buf) }
}

// GoAwayFrame ends a stream. Its header, if any, is the status the stream ends with.
// On stream 0 it tells the peer the connection is going away.
type GoAwayFrame struct {
	baseFrame
}

// NewGoAwayFrame creates a new GoAway frame
func NewGoAwayFrame(streamID uint32, headerFmt format.Format, header []byte) *GoAwayFrame {
	return &GoAwayFrame{baseFrame{
		OpCode:    operation.GoAway(),
		Flag:      FlagEnd,
		StreamID:  streamID,
		HeaderFmt: headerFmt,
		Header:    header,
	}}
}

// DataFrame carries handshakes and messages
type DataFrame struct {
	baseFrame
}

// DataFrameContext is the part of a DataFrame its response shares with it.
type DataFrameContext struct {
	OpCode    operation.Operation
	HeaderFmt format.Format
	StreamID  uint32
}

// NewDataFrameReq returns a new DataFrame request
func NewDataFrameReq(ctx *DataFrameContext, header []byte, payload []byte, flag Flags) *DataFrame {
	return &DataFrame{ctx.frame(flag, header, payload)}
}

// NewDataFrameResp returns a new DataFrame response with the given header and payload
func NewDataFrameResp(ctx *DataFrameContext, header []byte, payload []byte, flags ...Flags) *DataFrame {
	flag := FlagResponse
	for _, f := range flags {
		flag |= f
	}
	return &DataFrame{ctx.frame(flag, header, payload)}
}

func (c *DataFrameContext) frame(flag Flags, header []byte, payload []byte) baseFrame {
	return baseFrame{
		OpCode:    c.OpCode,
		Flag:      flag,
		StreamID:  c.StreamID,
		HeaderFmt: c.HeaderFmt,
		Header:    header,
		Payload:   payload,
	}
}

// Context returns the context of the DataFrame
func (d *DataFrame) Context() *DataFrameContext {
	return &DataFrameContext{
		OpCode:    d.OpCode,
		HeaderFmt: d.HeaderFmt,
		StreamID:  d.StreamID,
	}
}
