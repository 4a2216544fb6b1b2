package source

import (
	"log"
	"sync"

	"github.com/banshee-data/resofly/internal/lifeform"
)

var (
	logMu       sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the source package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w lifeform.LogWriters) {
	logMu.Lock()
	defer logMu.Unlock()
	opsLogger = lifeform.NewStreamLogger("[source] ", w.Ops)
	diagLogger = lifeform.NewStreamLogger("[source] ", w.Diag)
	traceLogger = lifeform.NewStreamLogger("[source] ", w.Trace)
}

func logTo(l **log.Logger, format string, args []interface{}) {
	logMu.RLock()
	lg := *l
	logMu.RUnlock()
	if lg != nil {
		lg.Printf(format, args...)
	}
}

// opsf logs to the ops stream (socket failures, lifecycle).
func opsf(format string, args ...interface{}) { logTo(&opsLogger, format, args) }

// diagf logs to the diag stream (dropped frames, replay progress).
func diagf(format string, args ...interface{}) { logTo(&diagLogger, format, args) }

// tracef logs to the trace stream (per-packet telemetry).
func tracef(format string, args ...interface{}) { logTo(&traceLogger, format, args) }
