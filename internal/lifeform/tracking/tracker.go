// Package tracking assigns persistent identities to fused detections by
// centroid proximity.
//
// Each Update builds a tracks×detections Euclidean distance matrix and hands
// it to an Associator. The default GreedyAssociator reproduces the
// nearest-neighbour heuristic; HungarianAssociator is a drop-in optimal
// alternative. Identity bookkeeping (persistence, disappearance, smoothing)
// stays in the Tracker regardless of strategy.
package tracking

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/timeutil"
)

// Config holds tracker parameters.
type Config struct {
	MaxDisappeared       int     // consecutive misses tolerated before deregistration
	MaxDistance          float64 // association gate in pixels
	PersistenceThreshold int     // matches needed before a track is confirmed
	BBoxAlpha            float64 // EMA weight of the newest box
	MinMovement          float64 // centroid shift below which smoothing is skipped
	Associator           Associator
	Clock                timeutil.Clock
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxDisappeared:       8,
		MaxDistance:          60,
		PersistenceThreshold: 5,
		BBoxAlpha:            0.4,
		MinMovement:          3.0,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.MaxDisappeared < 0 {
		return fmt.Errorf("max_disappeared must be non-negative, got %d", c.MaxDisappeared)
	}
	if c.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive, got %g", c.MaxDistance)
	}
	if c.PersistenceThreshold < 1 {
		return fmt.Errorf("persistence_threshold must be at least 1, got %d", c.PersistenceThreshold)
	}
	if c.BBoxAlpha <= 0 || c.BBoxAlpha > 1 {
		return fmt.Errorf("bbox_alpha must be in (0, 1], got %g", c.BBoxAlpha)
	}
	if c.MinMovement < 0 {
		return fmt.Errorf("min_movement must be non-negative, got %g", c.MinMovement)
	}
	return nil
}

// TrackedObject is the state of one identity. BBox is the raw matched box
// used for tracking and alerting; SmoothedBBox is for display only.
type TrackedObject struct {
	ID             uint64
	Centroid       lifeform.Point
	BBox           lifeform.BBox
	SmoothedBBox   lifeform.BBox
	Persistence    int
	Disappeared    int
	MaxTemperature float64
	Confidence     float64
	Validation     lifeform.ValidationType
	AlertSent      bool
	FirstSeen      time.Time
	LastSeen       time.Time

	smooth [4]float64 // x, y, w, h
}

// smoothedCentroid is the centre of the unrounded smoothed box.
func (o *TrackedObject) smoothedCentroid() (float64, float64) {
	return o.smooth[0] + o.smooth[2]/2, o.smooth[1] + o.smooth[3]/2
}

func (o *TrackedObject) setSmooth(x, y, w, h float64) {
	o.smooth = [4]float64{x, y, w, h}
	o.SmoothedBBox = lifeform.BBox{
		X: int(math.Round(x)),
		Y: int(math.Round(y)),
		W: int(math.Round(w)),
		H: int(math.Round(h)),
	}
}

// Tracker owns every TrackedObject. It is not safe for concurrent use.
type Tracker struct {
	cfg    Config
	nextID uint64
	tracks []*TrackedObject // ascending ID
}

// NewTracker validates cfg and fills in the greedy associator and the real
// clock when unset.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	if cfg.Associator == nil {
		cfg.Associator = GreedyAssociator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Tracker{cfg: cfg, nextID: 1}, nil
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.cfg }

// PersistenceThreshold returns the confirmation threshold.
func (t *Tracker) PersistenceThreshold() int { return t.cfg.PersistenceThreshold }

// IsConfirmed reports whether o has left probation.
func (t *Tracker) IsConfirmed(o *TrackedObject) bool {
	return o != nil && o.Persistence >= t.cfg.PersistenceThreshold
}

// Tracks returns the live tracks in ascending ID order. The slice is a copy;
// the objects are shared with the tracker.
func (t *Tracker) Tracks() []*TrackedObject {
	return append([]*TrackedObject(nil), t.tracks...)
}

// Confirmed returns the live tracks that have left probation.
func (t *Tracker) Confirmed() []*TrackedObject {
	var out []*TrackedObject
	for _, o := range t.tracks {
		if t.IsConfirmed(o) {
			out = append(out, o)
		}
	}
	return out
}

// Update associates one frame's detections with the live tracks and returns
// the resulting track set in ascending ID order.
func (t *Tracker) Update(detections []lifeform.Hotspot) []*TrackedObject {
	now := t.cfg.Clock.Now()

	if len(detections) == 0 {
		t.markMissed(make([]bool, len(t.tracks)))
		return t.Tracks()
	}

	centroids := make([]lifeform.Point, len(detections))
	for i, d := range detections {
		centroids[i] = d.BBox.Centroid()
	}

	if len(t.tracks) == 0 {
		for i, d := range detections {
			t.register(d, centroids[i], now)
		}
		return t.Tracks()
	}

	dist := mat.NewDense(len(t.tracks), len(detections), nil)
	for i, o := range t.tracks {
		for j, c := range centroids {
			dist.Set(i, j, o.Centroid.Dist(c))
		}
	}

	matchedTrack := make([]bool, len(t.tracks))
	matchedDet := make([]bool, len(detections))
	for _, m := range t.cfg.Associator.Associate(dist, t.cfg.MaxDistance) {
		if matchedTrack[m.Track] || matchedDet[m.Detection] || dist.At(m.Track, m.Detection) > t.cfg.MaxDistance {
			continue
		}
		matchedTrack[m.Track] = true
		matchedDet[m.Detection] = true
		t.apply(t.tracks[m.Track], detections[m.Detection], centroids[m.Detection], now)
	}

	t.markMissed(matchedTrack)
	for j, d := range detections {
		if !matchedDet[j] {
			t.register(d, centroids[j], now)
		}
	}
	return t.Tracks()
}

// markMissed increments Disappeared for every unmatched track and
// deregisters those past MaxDisappeared. matched is indexed like t.tracks.
func (t *Tracker) markMissed(matched []bool) {
	kept := t.tracks[:0]
	for i, o := range t.tracks {
		if !matched[i] {
			o.Disappeared++
			if o.Disappeared > t.cfg.MaxDisappeared {
				lifeform.Diagf("tracker: deregistered #%d after %d misses (persistence=%d)",
					o.ID, o.Disappeared, o.Persistence)
				continue
			}
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept
}

func (t *Tracker) register(d lifeform.Hotspot, c lifeform.Point, now time.Time) *TrackedObject {
	o := &TrackedObject{
		ID:          t.nextID,
		Centroid:    c,
		BBox:        d.BBox,
		Persistence: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	o.setSmooth(float64(d.BBox.X), float64(d.BBox.Y), float64(d.BBox.W), float64(d.BBox.H))
	enrich(o, d)
	t.nextID++
	t.tracks = append(t.tracks, o)
	lifeform.Tracef("tracker: registered #%d at (%d,%d)", o.ID, c.X, c.Y)
	return o
}

func (t *Tracker) apply(o *TrackedObject, d lifeform.Hotspot, c lifeform.Point, now time.Time) {
	o.Centroid = c
	o.BBox = d.BBox
	o.Disappeared = 0
	o.Persistence++
	o.LastSeen = now

	sx, sy := o.smoothedCentroid()
	if math.Hypot(float64(c.X)-sx, float64(c.Y)-sy) >= t.cfg.MinMovement {
		a := t.cfg.BBoxAlpha
		o.setSmooth(
			a*float64(d.BBox.X)+(1-a)*o.smooth[0],
			a*float64(d.BBox.Y)+(1-a)*o.smooth[1],
			a*float64(d.BBox.W)+(1-a)*o.smooth[2],
			a*float64(d.BBox.H)+(1-a)*o.smooth[3],
		)
	}
	enrich(o, d)
}

// enrich copies detection metadata, keeping the running maximum temperature.
func enrich(o *TrackedObject, d lifeform.Hotspot) {
	o.MaxTemperature = math.Max(o.MaxTemperature, d.MaxTemperature)
	o.Confidence = d.Confidence
	if d.Validation != lifeform.ValidationUnknown {
		o.Validation = d.Validation
	}
}
