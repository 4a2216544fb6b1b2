// Package thermal finds human-temperature hotspots in low-resolution
// grayscale thermal frames using an adaptive mean + k·σ threshold.
package thermal

import (
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
)

// Result is the output of one detection pass. Mask is the cleaned binary
// image the contours were taken from and must be closed by the caller.
type Result struct {
	Hotspots  []lifeform.Hotspot
	Mask      gocv.Mat
	Threshold float64
}

// Close releases the mask.
func (r *Result) Close() error {
	return r.Mask.Close()
}

// Detector is not safe for concurrent use; the processor goroutine owns it.
type Detector struct {
	cfg    Config
	kernel gocv.Mat
}

// NewDetector validates cfg and allocates the morphology kernel.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("thermal detector: %w", err)
	}
	return &Detector{
		cfg:    cfg,
		kernel: gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(cfg.MorphKernel, cfg.MorphKernel)),
	}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// Close releases native resources.
func (d *Detector) Close() error {
	return d.kernel.Close()
}

// Detect returns hotspots sorted by confidence, highest first. Blank or
// uniform frames produce an empty list, never an error.
func (d *Detector) Detect(frame gocv.Mat) (Result, error) {
	if frame.Empty() {
		return Result{Mask: gocv.NewMat()}, nil
	}

	gray := frame
	switch frame.Channels() {
	case 1:
	case 3:
		g := gocv.NewMat()
		defer g.Close()
		gocv.CvtColor(frame, &g, gocv.ColorBGRToGray)
		gray = g
	default:
		return Result{Mask: gocv.NewMat()}, fmt.Errorf("thermal detector: unsupported channel count %d", frame.Channels())
	}
	if gray.Type() != gocv.MatTypeCV8UC1 {
		return Result{Mask: gocv.NewMat()}, fmt.Errorf("thermal detector: expected 8-bit frame, got type %v", gray.Type())
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := d.cfg.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	mean, stddev := meanStdDev(blurred)
	thresh := d.cfg.Threshold(mean, stddev)

	mask := gocv.NewMat()
	gocv.Threshold(blurred, &mask, float32(int(thresh)), 255, gocv.ThresholdBinary)
	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, d.kernel)
	gocv.MorphologyEx(mask, &mask, gocv.MorphClose, d.kernel)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	hotspots := make([]lifeform.Hotspot, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		if h, ok := d.evaluate(gray, contours.At(i)); ok {
			hotspots = append(hotspots, h)
		}
	}
	sort.SliceStable(hotspots, func(i, j int) bool {
		return hotspots[i].Confidence > hotspots[j].Confidence
	})

	lifeform.Tracef("thermal: mean=%.1f std=%.1f thresh=%.0f contours=%d hotspots=%d",
		mean, stddev, thresh, contours.Size(), len(hotspots))

	return Result{Hotspots: hotspots, Mask: mask, Threshold: thresh}, nil
}

// evaluate applies the per-contour filters and scores survivors.
func (d *Detector) evaluate(gray gocv.Mat, contour gocv.PointVector) (lifeform.Hotspot, bool) {
	area := gocv.ContourArea(contour)
	if area < d.cfg.MinArea || area > d.cfg.MaxArea {
		return lifeform.Hotspot{}, false
	}

	hull := gocv.NewMat()
	defer hull.Close()
	gocv.ConvexHull(contour, &hull, false, true)
	hullPts := gocv.NewPointVectorFromMat(hull)
	defer hullPts.Close()

	hullArea := gocv.ContourArea(hullPts)
	if hullArea <= 0 {
		return lifeform.Hotspot{}, false
	}
	solidity := area / hullArea
	if solidity < d.cfg.MinSolidity {
		return lifeform.Hotspot{}, false
	}

	rect := gocv.BoundingRect(hullPts).Intersect(image.Rect(0, 0, gray.Cols(), gray.Rows()))
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return lifeform.Hotspot{}, false
	}
	aspect := float64(rect.Dx()) / float64(rect.Dy())
	if aspect < d.cfg.MinAspect || aspect > d.cfg.MaxAspect {
		return lifeform.Hotspot{}, false
	}

	roi := gray.Region(rect)
	defer roi.Close()
	_, maxVal, _, _ := gocv.MinMaxLoc(roi)
	_, stddev := meanStdDev(roi)
	if stddev < d.cfg.MinTempVariance {
		return lifeform.Hotspot{}, false
	}

	temp := d.cfg.IntensityToTemp(float64(maxVal))
	if temp < d.cfg.HumanFloorTemp {
		return lifeform.Hotspot{}, false
	}

	bbox := lifeform.BBoxFromRect(rect)
	return lifeform.Hotspot{
		BBox:           bbox,
		Centroid:       bbox.Centroid(),
		Area:           area,
		MaxTemperature: lifeform.Round(temp, 1),
		Confidence:     lifeform.Round(d.cfg.Confidence(temp, area, solidity, stddev), 3),
		Solidity:       solidity,
		StdDev:         stddev,
	}, true
}

// meanStdDev returns the first-channel mean and population standard
// deviation of m.
func meanStdDev(m gocv.Mat) (float64, float64) {
	mean := gocv.NewMat()
	defer mean.Close()
	std := gocv.NewMat()
	defer std.Close()
	gocv.MeanStdDev(m, &mean, &std)
	return mean.GetDoubleAt(0, 0), std.GetDoubleAt(0, 0)
}
