package lifeform

import (
	"io"
	"log"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables that stream.
type LogWriters struct {
	Ops   io.Writer // actionable warnings, errors, lifecycle
	Diag  io.Writer // tuning context, per-pass summaries
	Trace io.Writer // per-frame, per-track telemetry
}

type stream int

const (
	opsStream stream = iota
	diagStream
	traceStream
)

var (
	mu      sync.RWMutex
	loggers [3]*log.Logger
)

// SetLogWriters configures the streams shared by the stage packages.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	loggers = [3]*log.Logger{
		opsStream:   NewStreamLogger("[lifeform] ", w.Ops),
		diagStream:  NewStreamLogger("[lifeform] ", w.Diag),
		traceStream: NewStreamLogger("[lifeform] ", w.Trace),
	}
}

// NewStreamLogger returns a logger writing to w with the given prefix, or nil
// when w is nil.
func NewStreamLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func logTo(s stream, format string, args []any) {
	mu.RLock()
	l := loggers[s]
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...any) { logTo(opsStream, format, args) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...any) { logTo(diagStream, format, args) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...any) { logTo(traceStream, format, args) }
