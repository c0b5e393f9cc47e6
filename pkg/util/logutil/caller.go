package logutil

import (
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var _bufPool = buffer.NewPool()

// ShortCallerEncoder returns a caller encoder that keeps the file name and up to depth
// parent directories, like "pkg/stream/stream.go:42" for depth 2.
func ShortCallerEncoder(depth int) zapcore.CallerEncoder {
	return func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		if !caller.Defined {
			enc.AppendString("<unknown>")
			return
		}
		idx := indexByteBackward(caller.File, '/', depth+1)
		if idx == -1 {
			enc.AppendString(caller.FullPath())
			return
		}
		buf := _bufPool.Get()
		defer buf.Free()
		buf.AppendString(caller.File[idx+1:])
		buf.AppendByte(':')
		buf.AppendInt(int64(caller.Line))
		enc.AppendString(buf.String())
	}
}

// indexByteBackward returns the index of the cnt-th last c in s, or -1.
func indexByteBackward(s string, c byte, cnt int) int {
	idx := len(s)
	for ; cnt > 0 && idx != -1; cnt-- {
		idx = strings.LastIndexByte(s[:idx], c)
	}
	return idx
}
