package idutil

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	clientIDCounter = atomic.Int32{}
)

func init() {
	// Enable random pool for uuid, used to generate trace ids.
	uuid.EnableRandPool()
}

// NewClientID returns an id unique to this process and call, like "prefix|hostname|pid|counter|nanos".
func NewClientID(prefix string) string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s|%s|%d|%d|%d", prefix, hostname, os.Getpid(), clientIDCounter.Add(1), time.Now().UnixNano())
}

// NewTraceID returns a random id to correlate log entries.
func NewTraceID() string {
	return uuid.NewString()
}
