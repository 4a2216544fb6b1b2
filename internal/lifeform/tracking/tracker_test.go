package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/timeutil"
)

// at returns a 20×20 hotspot centred on (cx, cy).
func at(cx, cy int) lifeform.Hotspot {
	return lifeform.Hotspot{
		BBox:           lifeform.BBox{X: cx - 10, Y: cy - 10, W: 20, H: 20},
		MaxTemperature: 33,
		Confidence:     0.7,
		Validation:     lifeform.ThermalOnly,
	}
}

func newTracker(t *testing.T, mutate func(*Config)) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	return tr
}

func byID(tracks []*TrackedObject) map[uint64]*TrackedObject {
	m := make(map[uint64]*TrackedObject, len(tracks))
	for _, o := range tracks {
		m[o.ID] = o
	}
	return m
}

func TestTrackerRegistersFirstDetections(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, nil)
	got := tr.Update([]lifeform.Hotspot{at(50, 50), at(200, 200)})

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, uint64(2), got[1].ID)
	for _, o := range got {
		assert.Equal(t, 1, o.Persistence)
		assert.Equal(t, 0, o.Disappeared)
		assert.Equal(t, o.BBox, o.SmoothedBBox)
		assert.False(t, tr.IsConfirmed(o))
	}
}

func TestTrackerDriftKeepsIdentity(t *testing.T) {
	t.Parallel()

	const frames = 12
	tr := newTracker(t, nil)
	var got []*TrackedObject
	for i := 0; i < frames; i++ {
		got = tr.Update([]lifeform.Hotspot{at(50+i*7, 80+i*3)})
	}

	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, frames, got[0].Persistence)
	assert.True(t, tr.IsConfirmed(got[0]))
	assert.Len(t, tr.Confirmed(), 1)
}

func TestTrackerRetiresAfterMaxDisappeared(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, func(c *Config) { c.MaxDisappeared = 3 })
	first := tr.Update([]lifeform.Hotspot{at(60, 60)})
	require.Len(t, first, 1)
	id := first[0].ID

	for i := 0; i < 3; i++ {
		got := tr.Update(nil)
		require.Len(t, got, 1, "track must survive %d misses", i+1)
		assert.Equal(t, i+1, got[0].Disappeared)
	}
	assert.Empty(t, tr.Update(nil), "fourth miss exceeds max_disappeared")

	again := tr.Update([]lifeform.Hotspot{at(60, 60)})
	require.Len(t, again, 1)
	assert.Greater(t, again[0].ID, id)
	assert.Equal(t, 1, again[0].Persistence)
}

func TestTrackerScenarioMixedMatch(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, nil)
	tr.Update([]lifeform.Hotspot{at(50, 50), at(200, 200)})

	got := byID(tr.Update([]lifeform.Hotspot{at(52, 51), at(500, 500)}))
	require.Len(t, got, 3)

	assert.Equal(t, lifeform.Point{X: 52, Y: 51}, got[1].Centroid)
	assert.Equal(t, 2, got[1].Persistence)
	assert.Equal(t, 0, got[1].Disappeared)

	assert.Equal(t, 1, got[2].Disappeared)
	assert.Equal(t, 1, got[2].Persistence)

	require.Contains(t, got, uint64(3))
	assert.Equal(t, lifeform.Point{X: 500, Y: 500}, got[3].Centroid)
}

func TestTrackerRejectsBeyondMaxDistance(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, nil)
	tr.Update([]lifeform.Hotspot{at(0, 0)})
	got := tr.Update([]lifeform.Hotspot{at(61, 0)})

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Disappeared)
	assert.Equal(t, uint64(2), got[1].ID)
}

func TestTrackerSmoothing(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, nil)
	tr.Update([]lifeform.Hotspot{at(100, 100)})

	// A 1px jitter is below min_movement: smoothed box stays put.
	got := tr.Update([]lifeform.Hotspot{at(101, 100)})
	assert.Equal(t, lifeform.BBox{X: 90, Y: 90, W: 20, H: 20}, got[0].SmoothedBBox)
	assert.Equal(t, lifeform.BBox{X: 91, Y: 90, W: 20, H: 20}, got[0].BBox)

	// A 10px move blends 0.4 of the new box into the old one.
	got = tr.Update([]lifeform.Hotspot{at(110, 100)})
	assert.Equal(t, lifeform.BBox{X: 94, Y: 90, W: 20, H: 20}, got[0].SmoothedBBox)
	assert.Equal(t, lifeform.Point{X: 110, Y: 100}, got[0].Centroid, "raw centroid is not smoothed")
}

func TestTrackerEnrichment(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, nil)
	hot := at(40, 40)
	hot.MaxTemperature = 37.5
	tr.Update([]lifeform.Hotspot{hot})

	cooler := at(42, 40)
	cooler.MaxTemperature = 31
	cooler.Confidence = 0.66
	cooler.Validation = lifeform.FusedValidated
	got := tr.Update([]lifeform.Hotspot{cooler})

	assert.Equal(t, 37.5, got[0].MaxTemperature)
	assert.Equal(t, 0.66, got[0].Confidence)
	assert.Equal(t, lifeform.FusedValidated, got[0].Validation)
}

func TestTrackerTimestamps(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := newTracker(t, func(c *Config) { c.Clock = clock })
	first := tr.Update([]lifeform.Hotspot{at(10, 10)})[0].FirstSeen

	clock.Advance(time.Second)
	got := tr.Update([]lifeform.Hotspot{at(12, 10)})[0]
	assert.Equal(t, first, got.FirstSeen)
	assert.Equal(t, first.Add(time.Second), got.LastSeen)
}

func TestTrackerHungarianResolvesContention(t *testing.T) {
	t.Parallel()

	// Track A at x=0 and B at x=10 both prefer the detection at x=6.
	seed := []lifeform.Hotspot{at(100, 100), at(110, 100)}
	next := []lifeform.Hotspot{at(106, 100), at(70, 100)}

	greedy := newTracker(t, nil)
	greedy.Update(seed)
	g := greedy.Update(next)
	assert.Len(t, g, 3, "greedy leaves track A unmatched and spawns a new track")

	hung := newTracker(t, func(c *Config) { c.Associator = HungarianAssociator{} })
	hung.Update(seed)
	h := hung.Update(next)
	require.Len(t, h, 2)
	for _, o := range h {
		assert.Equal(t, 2, o.Persistence)
	}
	assert.Equal(t, 70, h[0].Centroid.X)
	assert.Equal(t, 106, h[1].Centroid.X)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative disappeared", func(c *Config) { c.MaxDisappeared = -1 }},
		{"zero distance", func(c *Config) { c.MaxDistance = 0 }},
		{"zero persistence", func(c *Config) { c.PersistenceThreshold = 0 }},
		{"alpha above one", func(c *Config) { c.BBoxAlpha = 1.5 }},
		{"negative movement", func(c *Config) { c.MinMovement = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig()
			tt.mutate(&c)
			_, err := NewTracker(c)
			assert.Error(t, err)
		})
	}
}
