package lifeform

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertType is the type field carried by every alert payload.
const AlertType = "LIFEFORM_DETECTED"

// ValidationType records which sensors agree on a detection.
type ValidationType string

const (
	// ValidationUnknown is the zero value for detections that have not been fused.
	ValidationUnknown ValidationType = ""
	// FusedValidated means a thermal hotspot overlapped an optical person box.
	FusedValidated ValidationType = "FUSED_VALIDATED"
	// ThermalOnly means no optical box confirmed the hotspot.
	ThermalOnly ValidationType = "THERMAL_ONLY"
	// RgbOnly means an optical box had no thermal counterpart.
	RgbOnly ValidationType = "RGB_ONLY"
)

// Tag is the display form used in frame labels, e.g. "FUSED VALIDATED".
func (v ValidationType) Tag() string {
	if v == ValidationUnknown {
		return "UNKNOWN"
	}
	return strings.ReplaceAll(string(v), "_", " ")
}

// ParseValidationType accepts the wire names, case-insensitively. An empty
// string maps to ValidationUnknown.
func ParseValidationType(s string) (ValidationType, bool) {
	switch ValidationType(strings.ToUpper(strings.TrimSpace(s))) {
	case ValidationUnknown:
		return ValidationUnknown, true
	case FusedValidated:
		return FusedValidated, true
	case ThermalOnly:
		return ThermalOnly, true
	case RgbOnly:
		return RgbOnly, true
	}
	return ValidationUnknown, false
}

// FusionDiagnostics is attached to FusedValidated hotspots.
type FusionDiagnostics struct {
	IoU         float64 `json:"iou"`
	ThermalBBox BBox    `json:"thermal_bbox"`
	OpticalBBox BBox    `json:"optical_bbox"`
}

// Hotspot is one candidate heat or body region in a single frame. Stages
// produce new values rather than editing the ones they receive.
type Hotspot struct {
	BBox           BBox               `json:"bbox"`
	Centroid       Point              `json:"centroid"`
	Area           float64            `json:"area"`
	MaxTemperature float64            `json:"max_temp"`
	Confidence     float64            `json:"confidence"`
	Solidity       float64            `json:"solidity,omitempty"`
	StdDev         float64            `json:"stddev,omitempty"`
	Validation     ValidationType     `json:"validation_type,omitempty"`
	Fusion         *FusionDiagnostics `json:"fusion,omitempty"`
}

// Detection is an optical candidate: a box and a confidence in the optical
// frame's coordinate space.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// AlertPayload is the immutable record emitted when a track becomes alertable.
type AlertPayload struct {
	ID          uint64         `json:"id"`
	Type        string         `json:"type"`
	Validation  ValidationType `json:"validation"`
	MaxTemp     float64        `json:"max_temp"`
	Confidence  float64        `json:"confidence"`
	Persistence int            `json:"persistence"`
	Frame       uint64         `json:"frame"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventHotspot describes one alerted track inside a DetectionEvent.
type EventHotspot struct {
	TrackID        uint64         `json:"track_id"`
	EstimatedTemp  float64        `json:"estimated_temp"`
	Confidence     float64        `json:"confidence"`
	ValidationType ValidationType `json:"validation_type"`
	BBox           BBox           `json:"bbox"`
	Persistence    int            `json:"persistence"`
}

// DetectionEvent is handed to the on-detection callback whenever a processed
// frame produced at least one alert.
type DetectionEvent struct {
	SessionID   uuid.UUID      `json:"session_id"`
	Hotspots    []EventHotspot `json:"hotspots"`
	Alerts      []AlertPayload `json:"alerts"`
	Timestamp   time.Time      `json:"timestamp"`
	FrameNumber uint64         `json:"frame_number"`
	TotalCount  int            `json:"total_count"`
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
