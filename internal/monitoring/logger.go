package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc formats and writes one message.
type LogFunc func(format string, v ...interface{})

var logf atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a low-volume process message (startup, listener state,
// shutdown) through the installed logger. Per-frame output belongs on the
// package log streams instead.
func Logf(format string, v ...interface{}) {
	(*logf.Load())(format, v...)
}

// SetLogger replaces the process logger and returns the previous one.
// Passing nil installs a no-op logger.
func SetLogger(f LogFunc) (previous LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	if old := logf.Swap(&f); old != nil {
		return *old
	}
	return nil
}
