// Package vlog is the timestamped, goroutine-tagged debug printf used
// throughout rpcstack, grounded on the teacher's tube/vprint.go vv/pp
// idiom. It is disabled (a no-op) by default so it costs nothing on the
// hot RPC and transfer paths; enable with SetVerbose(true) or the
// RPCSTACK_VERBOSE=1 environment variable.
package vlog

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var verbose atomic.Bool

func init() {
	if os.Getenv("RPCSTACK_VERBOSE") != "" {
		verbose.Store(true)
	}
}

// SetVerbose turns the vv() firehose on or off at runtime.
func SetVerbose(on bool) {
	verbose.Store(on)
}

var mu sync.Mutex
var out io.Writer = os.Stderr

// VV logs a timestamped, file:line and goroutine-tagged line when
// verbose logging is enabled; it is a cheap no-op otherwise.
func VV(format string, a ...interface{}) {
	if !verbose.Load() {
		return
	}
	tsPrintf(format, a...)
}

// Always logs unconditionally, for conditions worth surfacing even with
// verbose logging off (e.g. a dropped packet, a retry exhaustion).
func Always(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func tsPrintf(format string, a ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "\n%s [goID %v] %s ", fileLine(3), goroNumber(), ts())
	fmt.Fprintf(out, format+"\n", a...)
}

func ts() string {
	return time.Now().UTC().Format(rfc3339NanoNumericTZ0pad)
}

func fileLine(depth int) string {
	_, fileName, line, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", path.Base(fileName), line)
}

// goroNumber returns the calling goroutine's number, for correlating log
// lines from concurrent endpoints/transfer threads in tests.
func goroNumber() int {
	buf := make([]byte, 48)
	nw := runtime.Stack(buf, false)
	buf = buf[:nw]
	i := 10
	for i < len(buf) && buf[i] != ' ' {
		i++
	}
	n, err := strconv.Atoi(string(buf[10:i]))
	if err != nil {
		return -1
	}
	return n
}
