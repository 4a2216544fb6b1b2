package sink

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

// SetLogWriters configures the three logging streams for the sink package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w lifeform.LogWriters) {
	logMu.Lock()
	defer logMu.Unlock()
	opsLogger = lifeform.NewStreamLogger("[sink] ", w.Ops)
	diagLogger = lifeform.NewStreamLogger("[sink] ", w.Diag)
	traceLogger = lifeform.NewStreamLogger("[sink] ", w.Trace)
}

func logTo(l **log.Logger, format string, args []interface{}) {
	logMu.RLock()
	lg := *l
	logMu.RUnlock()
	if lg != nil {
		lg.Printf(format, args...)
	}
}

// opsf logs to the ops stream (connection state, publish failures).
func opsf(format string, args ...interface{}) { logTo(&opsLogger, format, args) }

// diagf logs to the diag stream (drops, queue depth).
func diagf(format string, args ...interface{}) { logTo(&diagLogger, format, args) }

// tracef logs to the trace stream (per-message delivery).
func tracef(format string, args ...interface{}) { logTo(&traceLogger, format, args) }
