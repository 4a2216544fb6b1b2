package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
)

// Box colours. gocv takes RGBA and writes it as BGR.
var (
	colourFused     = color.RGBA{G: 255, A: 255}
	colourConfirmed = color.RGBA{R: 255, G: 200, A: 255}
	colourProbation = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	colourStatus    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// colormapInferno is cv::COLORMAP_INFERNO, which gocv does not name.
const colormapInferno gocv.ColormapTypes = 14

const (
	labelScale  = 0.35
	statusScale = 0.3
	minDrawSide = 3
)

// Placeholder geometry.
const (
	PlaceholderWidth   = 512
	PlaceholderHeight  = 396
	placeholderQuality = 70
)

var errEmptyFrame = errors.New("empty frame")

// Annotator draws track overlays onto a thermal frame.
type Annotator struct {
	// PersistenceThreshold separates confirmed tracks from probation.
	PersistenceThreshold int
	// OutputSize, when non-zero, resizes the annotated frame with
	// nearest-neighbour interpolation.
	OutputSize image.Point
}

// Annotate returns a new BGR frame: the INFERNO colormap of a grayscale input
// (or a copy of a colour one), each track's smoothed box, labels on confirmed
// tracks, and a status bar. The caller owns the result.
func (a Annotator) Annotate(frame gocv.Mat, tracks []*tracking.TrackedObject, frameNumber uint64) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), errEmptyFrame
	}

	display := gocv.NewMat()
	if frame.Channels() == 1 {
		gocv.ApplyColorMap(frame, &display, colormapInferno)
	} else {
		frame.CopyTo(&display)
	}
	w, h := display.Cols(), display.Rows()

	confirmed := 0
	for _, o := range tracks {
		if o == nil {
			continue
		}
		box := o.SmoothedBBox.Clamp(w, h)
		if box.W < minDrawSide || box.H < minDrawSide {
			continue
		}
		isConfirmed := o.Persistence >= a.PersistenceThreshold
		c, thickness := boxStyle(o.Validation, isConfirmed)
		gocv.Rectangle(&display, box.Rect(), c, thickness)

		if isConfirmed {
			confirmed++
			label := fmt.Sprintf("#%d %.0fC [%s]", o.ID, o.MaxTemperature, o.Validation.Tag())
			gocv.PutTextWithParams(&display, label, image.Pt(box.X, box.Y-6),
				gocv.FontHersheySimplex, labelScale, c, 1, gocv.LineAA, false)
		}
	}

	status := fmt.Sprintf("Targets: %d | Frame: %d", confirmed, frameNumber)
	gocv.PutTextWithParams(&display, status, image.Pt(2, h-2),
		gocv.FontHersheySimplex, statusScale, colourStatus, 1, gocv.LineAA, false)

	if a.OutputSize.X > 0 && a.OutputSize.Y > 0 && (a.OutputSize.X != w || a.OutputSize.Y != h) {
		resized := gocv.NewMat()
		gocv.Resize(display, &resized, a.OutputSize, 0, 0, gocv.InterpolationNearestNeighbor)
		display.Close()
		display = resized
	}
	return display, nil
}

func boxStyle(v lifeform.ValidationType, confirmed bool) (color.RGBA, int) {
	thickness := 1
	if confirmed {
		thickness = 2
	}
	switch {
	case v == lifeform.FusedValidated:
		return colourFused, thickness
	case v == lifeform.ThermalOnly && confirmed:
		return colourConfirmed, thickness
	}
	return colourProbation, thickness
}

// EncodeJPEG encodes a frame at the given quality and returns a buffer the
// caller owns.
func EncodeJPEG(frame gocv.Mat, quality int) ([]byte, error) {
	if frame.Empty() {
		return nil, errEmptyFrame
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Placeholder renders the frame served before the first processed frame.
func Placeholder() ([]byte, error) {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), PlaceholderHeight, PlaceholderWidth, gocv.MatTypeCV8UC3)
	defer m.Close()

	gocv.PutTextWithParams(&m, "THERMAL", image.Pt(130, 180),
		gocv.FontHersheySimplex, 1.8, color.RGBA{R: 255, G: 180, A: 255}, 3, gocv.LineAA, false)
	gocv.PutTextWithParams(&m, "Waiting for sensor data...", image.Pt(100, 240),
		gocv.FontHersheySimplex, 0.7, color.RGBA{R: 100, G: 100, B: 100, A: 255}, 1, gocv.LineAA, false)

	return EncodeJPEG(m, placeholderQuality)
}
