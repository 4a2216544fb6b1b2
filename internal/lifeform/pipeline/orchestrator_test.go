package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/fusion"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
	"github.com/banshee-data/resofly/internal/timeutil"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func grayFrame(t *testing.T, w, h int) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(60, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)
	t.Cleanup(func() { m.Close() })
	return m
}

type fakeSource struct {
	frame gocv.Mat
	reads atomic.Int64
	err   error
}

func (f *fakeSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	f.reads.Add(1)
	select {
	case <-ctx.Done():
		return gocv.Mat{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	if f.err != nil {
		return gocv.Mat{}, f.err
	}
	return f.frame.Clone(), nil
}

func (f *fakeSource) IsAvailable() bool { return true }

// halfSource offers a detect frame at half the display resolution.
type halfSource struct{ fakeSource }

func (h *halfSource) DetectFrame(display gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	gocv.Resize(display, &out, image.Pt(display.Cols()/2, display.Rows()/2), 0, 0, gocv.InterpolationArea)
	return out
}

type fakeThermal struct {
	mu       sync.Mutex
	hotspots []lifeform.Hotspot
	sizes    []image.Point
	err      error
	panicMsg string
}

func (f *fakeThermal) Detect(frame gocv.Mat) (thermal.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, image.Pt(frame.Cols(), frame.Rows()))
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return thermal.Result{Mask: gocv.NewMat()}, f.err
	}
	return thermal.Result{Hotspots: append([]lifeform.Hotspot(nil), f.hotspots...), Mask: gocv.NewMat()}, nil
}

func (f *fakeThermal) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sizes)
}

type fakeOptical struct{ dets []lifeform.Detection }

func (f fakeOptical) Detect(gocv.Mat) ([]lifeform.Detection, error) { return f.dets, nil }

type fakeOpticalSource struct{ frame gocv.Mat }

func (f fakeOpticalSource) LatestFrame() (gocv.Mat, bool) { return f.frame.Clone(), true }

func hotspot(b lifeform.BBox) lifeform.Hotspot {
	return lifeform.Hotspot{BBox: b, Centroid: b.Centroid(), MaxTemperature: 33, Confidence: 0.7}
}

type harness struct {
	orch    *Orchestrator
	source  *fakeSource
	thermal *fakeThermal
	mu      sync.Mutex
	events  []lifeform.DetectionEvent
}

func (h *harness) Events() []lifeform.DetectionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]lifeform.DetectionEvent(nil), h.events...)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)

	tr, err := tracking.NewTracker(tracking.Config{
		MaxDisappeared: 8, MaxDistance: 60, PersistenceThreshold: 3, BBoxAlpha: 0.4, MinMovement: 3, Clock: clock,
	})
	require.NoError(t, err)
	alertCfg := alerts.DefaultConfig()
	alertCfg.PersistenceThreshold = 3
	alertCfg.Clock = clock
	am, err := alerts.NewManager(alertCfg)
	require.NoError(t, err)
	fe, err := fusion.NewEngine(fusion.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		source:  &fakeSource{frame: grayFrame(t, 160, 120)},
		thermal: &fakeThermal{},
	}
	cfg := DefaultConfig()
	cfg.Source = h.source
	cfg.Thermal = h.thermal
	cfg.Fusion = fe
	cfg.Tracker = tr
	cfg.Alerts = am
	cfg.Clock = clock
	cfg.OnDetection = func(ev lifeform.DetectionEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch, err = New(cfg)
	require.NoError(t, err)
	return h
}

func TestLatestEncodedFramePlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	data := h.orch.LatestEncodedFrame()
	require.NotEmpty(t, data)

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, PlaceholderWidth, img.Cols())
	assert.Equal(t, PlaceholderHeight, img.Rows())

	again, err := Placeholder()
	require.NoError(t, err)
	assert.Equal(t, data, again, "placeholder is deterministic")
}

func TestProcessFrameDetectsOnInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	frame := grayFrame(t, 160, 120)
	for i := 0; i < 8; i++ {
		out, err := h.orch.ProcessFrame(frame)
		require.NoError(t, err)
		require.NotEmpty(t, out)
		assert.Equal(t, out, h.orch.LatestEncodedFrame())
	}
	assert.Equal(t, uint64(8), h.orch.FrameNumber())
	assert.Equal(t, 2, h.thermal.calls(), "frames 4 and 8")
}

func TestProcessFrameEmitsEvent(t *testing.T) {
	t.Parallel()

	session := uuid.MustParse("6f1c2b8e-1d7a-4c55-9b0e-3a2d4f5e6a7b")
	h := newHarness(t, func(c *Config) { c.SessionID = session })
	h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 40, Y: 30, W: 20, H: 30})}
	frame := grayFrame(t, 160, 120)

	for i := 0; i < 12; i++ {
		_, err := h.orch.ProcessFrame(frame)
		require.NoError(t, err)
	}

	events := h.Events()
	require.Len(t, events, 1, "persistence reaches 3 on the third detection pass")
	ev := events[0]
	assert.Equal(t, session, ev.SessionID)
	assert.Equal(t, uint64(12), ev.FrameNumber)
	assert.Equal(t, 1, ev.TotalCount)
	assert.Equal(t, epoch, ev.Timestamp)
	require.Len(t, ev.Hotspots, 1)
	assert.Equal(t, lifeform.EventHotspot{
		TrackID:        1,
		EstimatedTemp:  33,
		Confidence:     0.7,
		ValidationType: lifeform.ThermalOnly,
		BBox:           lifeform.BBox{X: 40, Y: 30, W: 20, H: 30},
		Persistence:    3,
	}, ev.Hotspots[0])
	require.Len(t, ev.Alerts, 1)
	assert.Equal(t, 70.0, ev.Alerts[0].Confidence)
}

func TestProcessFrameScalesDetectFrame(t *testing.T) {
	t.Parallel()

	src := &halfSource{}
	h := newHarness(t, func(c *Config) {
		c.DetectInterval = 1
		c.Source = src
	})
	src.frame = grayFrame(t, 160, 120)
	h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 10, Y: 10, W: 20, H: 20})}

	for i := 0; i < 3; i++ {
		_, err := h.orch.ProcessFrame(src.frame)
		require.NoError(t, err)
	}

	assert.Equal(t, image.Pt(80, 60), h.thermal.sizes[0])
	events := h.Events()
	require.Len(t, events, 1)
	assert.Equal(t, lifeform.BBox{X: 20, Y: 20, W: 40, H: 40}, events[0].Hotspots[0].BBox)
}

func TestProcessFrameFusesOptical(t *testing.T) {
	t.Parallel()

	rgb := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { rgb.Close() })
	h := newHarness(t, func(c *Config) {
		c.DetectInterval = 1
		c.Optical = fakeOptical{dets: []lifeform.Detection{{BBox: lifeform.BBox{X: 80, Y: 60, W: 40, H: 80}, Confidence: 0.6}}}
		c.OpticalSource = fakeOpticalSource{frame: rgb}
	})
	h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 40, Y: 30, W: 20, H: 40})}
	frame := grayFrame(t, 160, 120)

	for i := 0; i < 3; i++ {
		_, err := h.orch.ProcessFrame(frame)
		require.NoError(t, err)
	}

	events := h.Events()
	require.Len(t, events, 1)
	got := events[0].Hotspots[0]
	assert.Equal(t, lifeform.FusedValidated, got.ValidationType)
	assert.InDelta(t, 0.66, got.Confidence, 1e-9)
	assert.Equal(t, lifeform.BBox{X: 40, Y: 30, W: 20, H: 40}, got.BBox, "scaled back to display coordinates")
}

func TestProcessFrameFailsOpen(t *testing.T) {
	t.Parallel()

	t.Run("detector error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *Config) { c.DetectInterval = 1 })
		h.thermal.err = errors.New("sensor glitch")
		out, err := h.orch.ProcessFrame(grayFrame(t, 160, 120))
		require.NoError(t, err)
		assert.NotEqual(t, h.orch.placeholder, out)
	})

	t.Run("detector panic", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *Config) { c.DetectInterval = 1 })
		h.thermal.panicMsg = "boom"
		_, err := h.orch.ProcessFrame(grayFrame(t, 160, 120))
		require.NoError(t, err)
		assert.Empty(t, h.Events())
	})

	t.Run("handler panic", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *Config) {
			c.DetectInterval = 1
			c.OnDetection = func(lifeform.DetectionEvent) { panic("handler") }
		})
		h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 40, Y: 30, W: 20, H: 30})}
		for i := 0; i < 4; i++ {
			_, err := h.orch.ProcessFrame(grayFrame(t, 160, 120))
			require.NoError(t, err)
		}
	})

	t.Run("empty frame", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		empty := gocv.NewMat()
		defer empty.Close()
		out, err := h.orch.ProcessFrame(empty)
		assert.Error(t, err)
		assert.Equal(t, h.orch.placeholder, out)
	})
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.DetectInterval = 2 })
	h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 40, Y: 30, W: 20, H: 30})}
	placeholder := h.orch.LatestEncodedFrame()

	require.NoError(t, h.orch.Start(context.Background()))
	assert.Error(t, h.orch.Start(context.Background()), "second start")

	require.Eventually(t, func() bool {
		return len(h.Events()) > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, placeholder, h.orch.LatestEncodedFrame())

	require.NoError(t, h.orch.Stop())
	require.NoError(t, h.orch.Stop(), "stop is idempotent")
	assert.Greater(t, h.source.reads.Load(), int64(0))
	assert.GreaterOrEqual(t, h.orch.FrameNumber(), uint64(6))
}

func TestReaderSurvivesSourceErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.source.err = errors.New("spi timeout")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.orch.Start(ctx))
	require.Eventually(t, func() bool { return h.source.reads.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, h.orch.Stop())
	assert.Zero(t, h.orch.FrameNumber())
}

// errorFrameSource hands back an allocated Mat alongside every error, the way
// the real sources do on timeouts.
type errorFrameSource struct{ empty bool }

func (f errorFrameSource) GetFrame(context.Context) (gocv.Mat, error) {
	if f.empty {
		return gocv.NewMat(), nil
	}
	return gocv.NewMat(), errors.New("read timeout")
}

func (errorFrameSource) IsAvailable() bool { return true }

func TestReadFrameReleasesDiscardedMats(t *testing.T) {
	t.Parallel()

	for name, src := range map[string]errorFrameSource{"error": {}, "empty": {empty: true}} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(c *Config) { c.Source = src })
			var released int
			h.orch.release = func(m *gocv.Mat) {
				released++
				m.Close()
			}

			const reads = 5
			for i := 0; i < reads; i++ {
				_, err := h.orch.readFrame(context.Background())
				assert.Error(t, err)
			}
			assert.Equal(t, reads, released)
		})
	}
}

func TestProcessFrameClipsOpticalGeometry(t *testing.T) {
	t.Parallel()

	rgb := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { rgb.Close() })
	h := newHarness(t, func(c *Config) {
		c.DetectInterval = 1
		c.Optical = fakeOptical{dets: []lifeform.Detection{
			{BBox: lifeform.BBox{X: 400, Y: 400, W: 40, H: 80}, Confidence: 0.9}, // beyond the frame
			{BBox: lifeform.BBox{X: 10, Y: 10, W: 0, H: 50}, Confidence: 0.9},    // zero width
			{BBox: lifeform.BBox{X: 300, Y: 200, W: 60, H: 80}, Confidence: 0.9}, // straddles the corner
		}}
		c.OpticalSource = fakeOpticalSource{frame: rgb}
	})
	h.thermal.hotspots = []lifeform.Hotspot{hotspot(lifeform.BBox{X: 40, Y: 30, W: 20, H: 40})}

	_, err := h.orch.ProcessFrame(grayFrame(t, 160, 120))
	require.NoError(t, err)

	tracks := h.orch.cfg.Tracker.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, lifeform.ThermalOnly, tracks[0].Validation)
	assert.Equal(t, lifeform.RgbOnly, tracks[1].Validation)
	assert.Equal(t, lifeform.BBox{X: 150, Y: 100, W: 10, H: 20}, tracks[1].BBox)
	for _, o := range tracks {
		assert.Positive(t, o.BBox.Area())
	}
}

// stuckSource ignores cancellation until released.
type stuckSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckSource) GetFrame(context.Context) (gocv.Mat, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return gocv.NewMat(), errors.New("released")
}

func (s *stuckSource) IsAvailable() bool { return true }

func TestStopTimeoutKeepsRunning(t *testing.T) {
	t.Parallel()

	src := &stuckSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(c *Config) {
		c.Source = src
		c.StopTimeout = 20 * time.Millisecond
	})
	require.NoError(t, h.orch.Start(context.Background()))
	<-src.entered

	assert.ErrorIs(t, h.orch.Stop(), ErrStopTimeout)
	assert.Error(t, h.orch.Start(context.Background()), "goroutines from the first run are still alive")

	close(src.release)
	require.Eventually(t, func() bool { return h.orch.Stop() == nil }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.orch.Start(context.Background()))
	require.NoError(t, h.orch.Stop())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	base := h.orch.cfg

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source = nil }},
		{"typed nil source", func(c *Config) { c.Source = (*fakeSource)(nil) }},
		{"no thermal", func(c *Config) { c.Thermal = nil }},
		{"no fusion", func(c *Config) { c.Fusion = nil }},
		{"no tracker", func(c *Config) { c.Tracker = nil }},
		{"no alerts", func(c *Config) { c.Alerts = nil }},
		{"quality", func(c *Config) { c.JPEGQuality = 101 }},
		{"interval", func(c *Config) { c.DetectInterval = -1 }},
		{"alerts before confirmation", func(c *Config) {
			am, err := alerts.NewManager(alerts.Config{PersistenceThreshold: 2})
			require.NoError(t, err)
			c.Alerts = am
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			_, err := New(c)
			assert.Error(t, err)
		})
	}
}
