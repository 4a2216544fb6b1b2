package optical

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/timeutil"
)

// LatestFrame holds the most recent RGB frame delivered by a camera
// goroutine so the processor can grab it without waiting on capture.
// Frames older than maxAge are treated as missing.
type LatestFrame struct {
	mu      sync.Mutex
	frame   gocv.Mat
	updated time.Time
	maxAge  time.Duration
	clock   timeutil.Clock
}

// NewLatestFrame returns an empty holder. maxAge <= 0 disables staleness checks.
func NewLatestFrame(maxAge time.Duration, clock timeutil.Clock) *LatestFrame {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LatestFrame{frame: gocv.NewMat(), maxAge: maxAge, clock: clock}
}

// Update stores a copy of frame, replacing the previous one.
func (l *LatestFrame) Update(frame gocv.Mat) {
	next := frame.Clone()
	l.mu.Lock()
	prev := l.frame
	l.frame = next
	l.updated = l.clock.Now()
	l.mu.Unlock()
	prev.Close()
}

// UpdateJPEG decodes an encoded frame (as produced by an MJPEG camera
// pipeline) and stores it.
func (l *LatestFrame) UpdateJPEG(data []byte) error {
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("decode rgb frame: %w", err)
	}
	defer m.Close()
	if m.Empty() {
		return fmt.Errorf("decode rgb frame: empty image")
	}
	l.Update(m)
	return nil
}

// LatestFrame returns a copy of the stored frame owned by the caller.
func (l *LatestFrame) LatestFrame() (gocv.Mat, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frame.Empty() {
		return gocv.NewMat(), false
	}
	if l.maxAge > 0 && l.clock.Since(l.updated) > l.maxAge {
		return gocv.NewMat(), false
	}
	return l.frame.Clone(), true
}

// Close releases the stored frame.
func (l *LatestFrame) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame.Close()
}
