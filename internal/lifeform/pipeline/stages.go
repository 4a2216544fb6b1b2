package pipeline

import (
	"context"
	"reflect"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/optical"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
)

// FrameSource produces thermal frames. GetFrame may block on hardware; the
// caller owns and closes the returned Mat.
type FrameSource interface {
	GetFrame(ctx context.Context) (gocv.Mat, error)
	IsAvailable() bool
}

// DetectFrameSource is implemented by sources whose display frame is larger
// than the frame detection should run on. The returned Mat is owned by the
// caller.
type DetectFrameSource interface {
	DetectFrame(display gocv.Mat) gocv.Mat
}

// OpticalSource hands out the most recent optical frame without blocking.
// ok is false when no fresh frame is available.
type OpticalSource interface {
	LatestFrame() (frame gocv.Mat, ok bool)
}

// OpticalDetector finds people in an optical frame. Output is already
// deduplicated.
type OpticalDetector interface {
	Detect(frame gocv.Mat) ([]lifeform.Detection, error)
}

// HotspotDetector finds candidate heat regions in a thermal frame.
type HotspotDetector interface {
	Detect(frame gocv.Mat) (thermal.Result, error)
}

// DetectionHandler receives every DetectionEvent on the processor goroutine.
// It must not block.
type DetectionHandler func(lifeform.DetectionEvent)

var (
	_ HotspotDetector = (*thermal.Detector)(nil)
	_ OpticalDetector = (*optical.Detector)(nil)
	_ OpticalSource   = (*optical.LatestFrame)(nil)
)

// isNilInterface checks if an interface value is nil or holds a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
