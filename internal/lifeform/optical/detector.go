// Package optical wraps OpenCV Haar cascades as a lightweight person
// detector used to validate thermal hotspots.
package optical

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
)

// cascadeScaleImage is OpenCV's CASCADE_SCALE_IMAGE flag.
const cascadeScaleImage = 2

// Config holds the cascade detector parameters.
type Config struct {
	CascadePaths []string // e.g. haarcascade_fullbody.xml, haarcascade_upperbody.xml
	TargetWidth  int      // frames are resized to this width before detection
	ScaleFactor  float64
	MinNeighbors int
	MinSize      image.Point // at TargetWidth
	NMSThreshold float64
}

// DefaultConfig returns the detector defaults without cascade paths.
func DefaultConfig() Config {
	return Config{
		TargetWidth:  320,
		ScaleFactor:  1.15,
		MinNeighbors: 4,
		MinSize:      image.Pt(30, 60),
		NMSThreshold: 0.4,
	}
}

type cascade struct {
	name string
	cc   gocv.CascadeClassifier
}

// Detector runs every loaded cascade over an equalised, downscaled frame.
type Detector struct {
	cfg      Config
	cascades []cascade
}

// NewDetector loads the configured cascades. Paths that fail to load are
// logged and skipped; a detector with no cascades reports !Available and
// returns no detections.
func NewDetector(cfg Config) *Detector {
	if cfg.TargetWidth <= 0 {
		cfg.TargetWidth = DefaultConfig().TargetWidth
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = DefaultConfig().ScaleFactor
	}
	d := &Detector{cfg: cfg}
	for _, path := range cfg.CascadePaths {
		cc := gocv.NewCascadeClassifier()
		if !cc.Load(path) {
			cc.Close()
			lifeform.Opsf("optical: failed to load cascade %s", path)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		d.cascades = append(d.cascades, cascade{name: name, cc: cc})
		lifeform.Diagf("optical: loaded cascade %s", name)
	}
	if len(d.cascades) == 0 {
		lifeform.Opsf("optical: no cascades loaded, RGB validation disabled")
	}
	return d
}

// Available reports whether at least one cascade loaded.
func (d *Detector) Available() bool { return len(d.cascades) > 0 }

// Close releases the classifiers.
func (d *Detector) Close() error {
	for _, c := range d.cascades {
		c.cc.Close()
	}
	d.cascades = nil
	return nil
}

// Detect returns person boxes in the input frame's coordinates, already
// de-duplicated by non-maximum suppression.
func (d *Detector) Detect(frame gocv.Mat) ([]lifeform.Detection, error) {
	if !d.Available() || frame.Empty() {
		return nil, nil
	}

	gray := gocv.NewMat()
	defer gray.Close()
	switch frame.Channels() {
	case 1:
		frame.CopyTo(&gray)
	case 3:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)
	default:
		return nil, fmt.Errorf("optical detector: unsupported channel count %d", frame.Channels())
	}

	origW, origH := gray.Cols(), gray.Rows()
	scale := float64(d.cfg.TargetWidth) / float64(origW)
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Pt(d.cfg.TargetWidth, int(float64(origH)*scale)), 0, 0, gocv.InterpolationArea)
	gocv.EqualizeHist(resized, &resized)

	var dets []lifeform.Detection
	for _, c := range d.cascades {
		rects := c.cc.DetectMultiScaleWithParams(resized, d.cfg.ScaleFactor, d.cfg.MinNeighbors,
			cascadeScaleImage, d.cfg.MinSize, image.Point{})
		for _, r := range rects {
			box := lifeform.BBoxFromRect(r).Scale(1/scale, 1/scale)
			dets = append(dets, lifeform.Detection{
				BBox:       box,
				Confidence: PseudoConfidence(box, origW, origH),
				Source:     c.name,
			})
		}
	}
	kept := SuppressOverlaps(dets, d.cfg.NMSThreshold)
	lifeform.Tracef("optical: raw=%d kept=%d", len(dets), len(kept))
	return kept, nil
}

// PseudoConfidence derives a confidence from the box's share of the frame,
// since cascades do not score their hits: clip(0.4 + 5·ratio, 0.3, 0.95),
// rounded to three decimals.
func PseudoConfidence(box lifeform.BBox, frameW, frameH int) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0.3
	}
	ratio := float64(box.Area()) / float64(frameW*frameH)
	return lifeform.Round(lifeform.Clamp(0.4+ratio*5.0, 0.3, 0.95), 3)
}
