// Package goroutine asserts which goroutine code runs on.
package goroutine

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
)

// DebugGoroutines enables Check and CheckNotOn.
var DebugGoroutines = os.Getenv("DEBUG_GOROUTINES") == "1"

// Lock records the goroutine owning some state.
type Lock struct {
	id atomic.Uint64
}

// Acquire makes the calling goroutine the owner.
func (l *Lock) Acquire() {
	l.id.Store(ID())
}

// Held reports whether the calling goroutine is the owner.
func (l *Lock) Held() bool {
	return ID() == l.id.Load()
}

// Check panics if DebugGoroutines is set and the calling goroutine is not the owner.
func (l *Lock) Check() {
	if !DebugGoroutines {
		return
	}
	if !l.Held() {
		panic("running on the wrong goroutine")
	}
}

// CheckNotOn panics if DebugGoroutines is set and the calling goroutine is the owner.
func (l *Lock) CheckNotOn() {
	if !DebugGoroutines {
		return
	}
	if l.Held() {
		panic("running on the known goroutine")
	}
}

var goroutineSpace = []byte("goroutine ")

// ID parses the id of the calling goroutine out of its stack header.
func ID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// Parse the 4707 out of "goroutine 4707 ["
	buf = bytes.TrimPrefix(buf, goroutineSpace)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		panic("no space found in " + strconv.Quote(string(buf)))
	}
	n, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		panic("failed to parse goroutine id from " + strconv.Quote(string(buf)) + ": " + err.Error())
	}
	return n
}
