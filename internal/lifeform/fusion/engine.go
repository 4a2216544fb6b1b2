// Package fusion cross-validates thermal hotspots against optical person
// detections that live in a different pixel coordinate system.
package fusion

import (
	"fmt"
	"image"

	"github.com/banshee-data/resofly/internal/lifeform"
)

// Merge weights.
const (
	fusedThermalWeight  = 0.6
	fusedOpticalWeight  = 0.4
	thermalOnlyWeight   = 0.7
	opticalOnlyWeight   = 0.5
	confidenceDecimals  = 3
	defaultIoUThreshold = 0.3
)

// Config describes both coordinate systems and the match threshold.
type Config struct {
	ThermalRes   image.Point // width, height of the frame thermal boxes live in
	OpticalRes   image.Point // width, height of the optical frame
	IoUThreshold float64
}

// DefaultConfig matches a 160×124 detect frame against a 640×480 camera.
func DefaultConfig() Config {
	return Config{
		ThermalRes:   image.Pt(160, 124),
		OpticalRes:   image.Pt(640, 480),
		IoUThreshold: defaultIoUThreshold,
	}
}

// Engine is not safe for concurrent use.
type Engine struct {
	cfg    Config
	scaleX float64
	scaleY float64
}

// NewEngine validates the resolutions and precomputes the scale factors.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg}
	if err := e.SetResolutions(cfg.ThermalRes, cfg.OpticalRes); err != nil {
		return nil, err
	}
	return e, nil
}

// SetResolutions updates both frame sizes and recomputes the scale factors.
func (e *Engine) SetResolutions(thermal, optical image.Point) error {
	if thermal.X <= 0 || thermal.Y <= 0 || optical.X <= 0 || optical.Y <= 0 {
		return fmt.Errorf("fusion: invalid resolutions thermal=%v optical=%v", thermal, optical)
	}
	e.cfg.ThermalRes = thermal
	e.cfg.OpticalRes = optical
	e.scaleX = float64(optical.X) / float64(thermal.X)
	e.scaleY = float64(optical.Y) / float64(thermal.Y)
	return nil
}

// Scale returns the thermal→optical scale factors.
func (e *Engine) Scale() (float64, float64) { return e.scaleX, e.scaleY }

// Project maps a thermal box into optical coordinates.
func (e *Engine) Project(b lifeform.BBox) lifeform.BBox {
	return b.Scale(e.scaleX, e.scaleY)
}

// Fuse tags every thermal hotspot as FusedValidated or ThermalOnly and
// appends unmatched optical detections as RgbOnly. All output boxes are in
// optical coordinates. Each optical detection is consumed at most once and
// the output never exceeds len(thermal)+len(optical).
func (e *Engine) Fuse(thermal []lifeform.Hotspot, optical []lifeform.Detection) []lifeform.Hotspot {
	out := make([]lifeform.Hotspot, 0, len(thermal)+len(optical))
	used := make([]bool, len(optical))

	for _, td := range thermal {
		projected := e.Project(td.BBox)

		bestIoU, bestIdx := 0.0, -1
		for j, od := range optical {
			if used[j] {
				continue
			}
			if iou := lifeform.IoU(projected, od.BBox); iou > bestIoU {
				bestIoU, bestIdx = iou, j
			}
		}

		h := td
		h.BBox = projected
		h.Centroid = projected.Centroid()
		if bestIdx >= 0 && bestIoU >= e.cfg.IoUThreshold {
			used[bestIdx] = true
			od := optical[bestIdx]
			h.Validation = lifeform.FusedValidated
			h.Confidence = lifeform.Round(fusedThermalWeight*td.Confidence+fusedOpticalWeight*od.Confidence, confidenceDecimals)
			h.Fusion = &lifeform.FusionDiagnostics{
				IoU:         lifeform.Round(bestIoU, 3),
				ThermalBBox: td.BBox,
				OpticalBBox: od.BBox,
			}
		} else {
			h.Validation = lifeform.ThermalOnly
			h.Confidence = lifeform.Round(thermalOnlyWeight*td.Confidence, confidenceDecimals)
			h.Fusion = nil
		}
		out = append(out, h)
	}

	for j, od := range optical {
		if used[j] {
			continue
		}
		out = append(out, lifeform.Hotspot{
			BBox:       od.BBox,
			Centroid:   od.BBox.Centroid(),
			Area:       float64(od.BBox.Area()),
			Confidence: lifeform.Round(opticalOnlyWeight*od.Confidence, confidenceDecimals),
			Validation: lifeform.RgbOnly,
		})
	}

	lifeform.Tracef("fusion: thermal=%d optical=%d out=%d", len(thermal), len(optical), len(out))
	return out
}

// MarkThermalOnly tags hotspots when no optical data is available, keeping
// their thermal confidence unchanged.
func MarkThermalOnly(thermal []lifeform.Hotspot) []lifeform.Hotspot {
	out := make([]lifeform.Hotspot, len(thermal))
	for i, h := range thermal {
		h.Validation = lifeform.ThermalOnly
		out[i] = h
	}
	return out
}
