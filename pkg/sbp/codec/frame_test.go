package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AutoMQ/streamlink/pkg/sbp/codec/format"
	"github.com/AutoMQ/streamlink/pkg/sbp/codec/operation"
)

// rawFrame encodes a frame field by field, so that any field can be corrupted.
type rawFrame struct {
	length    *uint32 // computed if nil
	magic     uint8
	opCode    uint16
	flag      uint8
	streamID  uint32
	headerFmt uint8
	header    []byte
	payload   []byte
	checksum  *uint32 // computed if nil
	truncate  int     // number of bytes dropped from the end
}

func newRawFrame(opCode uint16, header, payload []byte) rawFrame {
	return rawFrame{
		magic:     _magicCode,
		opCode:    opCode,
		streamID:  42,
		headerFmt: format.JSON().Code(),
		header:    header,
		payload:   payload,
	}
}

func (r rawFrame) bytes() []byte {
	length := uint32(_fixedHeaderLen - _lengthLen + len(r.header) + len(r.payload) + _checksumLen)
	if r.length != nil {
		length = *r.length
	}
	var checksum uint32
	if len(r.payload) > 0 {
		checksum = crc32.ChecksumIEEE(r.payload)
	}
	if r.checksum != nil {
		checksum = *r.checksum
	}

	b := binary.BigEndian.AppendUint32(nil, length)
	b = append(b, r.magic)
	b = binary.BigEndian.AppendUint16(b, r.opCode)
	b = append(b, r.flag, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(b[len(b)-4:], r.streamID)
	b = append(b, r.headerFmt, byte(len(r.header)>>16), byte(len(r.header)>>8), byte(len(r.header)))
	b = append(b, r.header...)
	b = append(b, r.payload...)
	b = binary.BigEndian.AppendUint32(b, checksum)
	return b[:len(b)-r.truncate]
}

func u32(v uint32) *uint32 {
	return &v
}

func TestNextID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	fr := NewFramer(nil, nil, nil)
	re.Equal(uint32(1), fr.NextID())
	re.Equal(uint32(2), fr.NextID())
}

func TestReadFrame(t *testing.T) {
	t.Parallel()

	header := []byte(`{"clientID":"c"}`)
	payload := []byte("hello")
	withFlag := func(r rawFrame, flag Flags) rawFrame {
		r.flag = uint8(flag)
		return r
	}

	tests := []struct {
		name string
		raw  rawFrame
		want Frame
	}{
		{
			name: "message",
			raw:  newRawFrame(operation.Message().Code(), header, payload),
			want: &DataFrame{baseFrame{OpCode: operation.Message(), StreamID: 42, HeaderFmt: format.JSON(), Header: header, Payload: payload}},
		},
		{
			name: "handshake response without payload",
			raw:  withFlag(newRawFrame(operation.Handshake().Code(), header, nil), FlagResponse),
			want: &DataFrame{baseFrame{OpCode: operation.Handshake(), Flag: FlagResponse, StreamID: 42, HeaderFmt: format.JSON(), Header: header}},
		},
		{
			name: "ping without header",
			raw:  newRawFrame(operation.Ping().Code(), nil, payload),
			want: &PingFrame{baseFrame{OpCode: operation.Ping(), StreamID: 42, HeaderFmt: format.JSON(), Payload: payload}},
		},
		{
			name: "empty go away",
			raw:  withFlag(newRawFrame(operation.GoAway().Code(), nil, nil), FlagEnd),
			want: &GoAwayFrame{baseFrame{OpCode: operation.GoAway(), Flag: FlagEnd, StreamID: 42, HeaderFmt: format.JSON()}},
		},
		{
			name: "unknown operation",
			raw:  newRawFrame(99, nil, nil),
			want: &baseFrame{OpCode: operation.NewOperation(0), StreamID: 42, HeaderFmt: format.JSON()},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			input := tt.raw.bytes()
			fr := NewFramer(nil, bytes.NewReader(input), zaptest.NewLogger(t))
			f, free, err := fr.ReadFrame()
			re.NoError(err)
			defer free()

			re.Equal(tt.want, f)
			re.Equal(len(input), f.Size())
		})
	}
}

func TestReadFrameError(t *testing.T) {
	t.Parallel()

	valid := newRawFrame(operation.Message().Code(), []byte("{}"), []byte("payload"))
	corrupt := func(fn func(r *rawFrame)) []byte {
		r := valid
		fn(&r)
		return r.bytes()
	}

	tests := []struct {
		name   string
		input  []byte
		errMsg string
	}{
		{
			name:   "empty input",
			input:  nil,
			errMsg: "read fixed header",
		},
		{
			name:   "short fixed header",
			input:  valid.bytes()[:_fixedHeaderLen-1],
			errMsg: "read fixed header",
		},
		{
			name:   "frame too small",
			input:  corrupt(func(r *rawFrame) { r.length = u32(_minFrameLen - 1) }),
			errMsg: "frame too small",
		},
		{
			name:   "frame too large",
			input:  corrupt(func(r *rawFrame) { r.length = u32(_maxFrameLen + 1) }),
			errMsg: "frame too large",
		},
		{
			name:   "magic code mismatch",
			input:  corrupt(func(r *rawFrame) { r.magic = 0 }),
			errMsg: "magic code mismatch",
		},
		{
			name:   "header longer than frame",
			input:  corrupt(func(r *rawFrame) { r.length = u32(_minFrameLen + 1) }),
			errMsg: "header too large",
		},
		{
			name:   "truncated payload",
			input:  corrupt(func(r *rawFrame) { r.truncate = _checksumLen + 1 }),
			errMsg: "read frame body",
		},
		{
			name:   "truncated checksum",
			input:  corrupt(func(r *rawFrame) { r.truncate = 1 }),
			errMsg: "read frame body",
		},
		{
			name:   "checksum mismatch",
			input:  corrupt(func(r *rawFrame) { r.checksum = u32(1) }),
			errMsg: "payload checksum mismatch",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			fr := NewFramer(nil, bytes.NewReader(tt.input), zaptest.NewLogger(t))
			_, free, err := fr.ReadFrame()
			re.ErrorContains(err, tt.errMsg)
			re.Nil(free)
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	buf := &bytes.Buffer{}
	fr := NewFramer(buf, nil, zaptest.NewLogger(t))
	err := fr.WriteFrame(NewDataFrameReq(&DataFrameContext{OpCode: operation.Message(), HeaderFmt: format.JSON(), StreamID: 0x01020304},
		[]byte{0x01, 0x02, 0x03, 0x04}, []byte{0x05, 0x06, 0x07, 0x08}, FlagEnd))
	re.NoError(err)
	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x18, // length
		0x17,       // magic
		0x00, 0x04, // operation
		0x02,                   // flag
		0x01, 0x02, 0x03, 0x04, // stream id
		0x01,             // header format
		0x00, 0x00, 0x04, // header length
		0x01, 0x02, 0x03, 0x04, // header
		0x05, 0x06, 0x07, 0x08, // payload
		0x53, 0x8D, 0x4D, 0x69, // checksum
	}, buf.Bytes())

	buf.Reset()
	re.NoError(fr.WriteFrame(NewGoAwayFrame(7, format.JSON(), nil)))
	goAway := newRawFrame(operation.GoAway().Code(), nil, nil)
	goAway.flag = uint8(FlagEnd)
	goAway.streamID = 7
	re.Equal(goAway.bytes(), buf.Bytes())
}

type errorWriter struct{}

func (errorWriter) Write([]byte) (int, error) {
	return 0, errors.New("mock error")
}

func TestWriteFrameError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		w      *bytes.Buffer
		frame  Frame
		errMsg string
	}{
		{
			name:   "frame too large",
			w:      &bytes.Buffer{},
			frame:  NewPingFrame(1, make([]byte, _maxFrameLen)),
			errMsg: "frame too large",
		},
		{
			name:   "write error",
			frame:  NewPingFrame(1, nil),
			errMsg: "write frame",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			fr := NewFramer(errorWriter{}, nil, zaptest.NewLogger(t))
			if tt.w != nil {
				fr = NewFramer(tt.w, nil, zaptest.NewLogger(t))
			}
			err := fr.WriteFrame(tt.frame)
			re.ErrorContains(err, tt.errMsg)
			if tt.w != nil {
				re.Zero(tt.w.Len())
			}
		})
	}
}

func TestFramesInSequence(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	buf := &bytes.Buffer{}
	fr := NewFramer(buf, buf, zaptest.NewLogger(t))
	streamID := fr.NextID()
	ctx := &DataFrameContext{OpCode: operation.Message(), HeaderFmt: format.JSON(), StreamID: streamID}

	frames := []Frame{
		NewDataFrameReq(&DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: format.JSON(), StreamID: streamID}, []byte(`{"clientID":"c"}`), nil, 0),
		NewDataFrameReq(ctx, nil, []byte(gofakeit.Paragraph(3, 4, 10, " ")), 0),
		NewDataFrameResp(ctx, nil, []byte("short"), FlagEnd),
		NewPingFrame(streamID, []byte("ping")),
		NewGoAwayFrame(streamID, format.JSON(), []byte(`{"code":0}`)),
	}
	for _, f := range frames {
		re.NoError(fr.WriteFrame(f))
	}

	for _, want := range frames {
		got, free, err := fr.ReadFrame()
		re.NoError(err)
		re.Equal(want, got)
		free()
	}
	_, _, err := fr.ReadFrame()
	re.ErrorContains(err, "read fixed header")
}

func TestNewPingFrameResp(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ping := NewPingFrame(7, []byte("hello"))
	re.True(ping.IsRequest())

	pong, free := NewPingFrameResp(ping)
	defer free()
	re.True(pong.IsResponse())
	re.Equal(uint32(7), pong.StreamID)
	re.Equal([]byte("hello"), pong.Payload)
	re.Equal(operation.Ping(), pong.OpCode)
}

func TestNewDataFrameResp(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	req := NewDataFrameReq(&DataFrameContext{OpCode: operation.Handshake(), HeaderFmt: format.JSON(), StreamID: 3}, nil, nil, 0)
	resp := NewDataFrameResp(req.Context(), []byte(`{"code":16}`), nil, FlagSystemError, FlagEnd)
	re.True(resp.IsResponse())
	re.True(resp.Flag.Has(FlagResponse | FlagSystemError | FlagEnd))
	re.Equal(operation.Handshake(), resp.OpCode)
	re.Equal(uint32(3), resp.StreamID)
	re.Contains(resp.Info(), "operation=Handshake")
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	f := NewPingFrame(1, bytes.Repeat([]byte("a"), _summaryPayloadLen+10))
	re.Contains(f.Summarize(), "(10 bytes omitted)")
	re.Contains(NewPingFrame(1, []byte("short")).Summarize(), `payload="short"`)
}

func TestFlags(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	f := FlagResponse | FlagSystemError
	re.True(f.Has(FlagResponse))
	re.True(f.Has(FlagResponse | FlagSystemError))
	re.False(f.Has(FlagEnd))
	re.True(f.Has(0))
	re.Equal(Flags(0x1), FlagResponse)
	re.Equal(Flags(0x2), FlagEnd)
	re.Equal(Flags(0x4), FlagSystemError)
}
