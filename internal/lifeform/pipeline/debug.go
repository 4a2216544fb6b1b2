package pipeline

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

// SetLogWriters configures the three logging streams for the pipeline package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w lifeform.LogWriters) {
	logMu.Lock()
	defer logMu.Unlock()
	opsLogger = lifeform.NewStreamLogger("[pipeline] ", w.Ops)
	diagLogger = lifeform.NewStreamLogger("[pipeline] ", w.Diag)
	traceLogger = lifeform.NewStreamLogger("[pipeline] ", w.Trace)
}

func logTo(l **log.Logger, format string, args []interface{}) {
	logMu.RLock()
	lg := *l
	logMu.RUnlock()
	if lg != nil {
		lg.Printf(format, args...)
	}
}

// opsf logs to the ops stream (actionable warnings, errors, lifecycle).
func opsf(format string, args ...interface{}) { logTo(&opsLogger, format, args) }

// diagf logs to the diag stream (day-to-day diagnostics, tuning context).
func diagf(format string, args ...interface{}) { logTo(&diagLogger, format, args) }

// tracef logs to the trace stream (per-frame telemetry).
func tracef(format string, args ...interface{}) { logTo(&traceLogger, format, args) }
