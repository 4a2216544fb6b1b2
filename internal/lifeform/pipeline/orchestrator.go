package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/fusion"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
	"github.com/banshee-data/resofly/internal/monitoring"
	"github.com/banshee-data/resofly/internal/timeutil"
)

// Defaults for the processor loop.
const (
	DefaultDetectInterval = 4
	DefaultJPEGQuality    = 35
	DefaultPollInterval   = 2 * time.Millisecond
	DefaultRetryInterval  = 5 * time.Millisecond
	DefaultStopTimeout    = 3 * time.Second
)

// ErrStopTimeout is returned by Stop when a goroutine did not exit in time.
var ErrStopTimeout = errors.New("pipeline: stop timed out")

// Config holds the orchestrator's tunables and its stages.
type Config struct {
	DetectInterval int           // run the detection chain on every Nth new frame
	JPEGQuality    int           // 1..100
	PollInterval   time.Duration // processor sleep when no new frame is cached
	RetryInterval  time.Duration // reader sleep after a failed read
	StopTimeout    time.Duration
	OutputSize     image.Point // zero keeps the source resolution
	SessionID      uuid.UUID   // generated when nil

	Source        FrameSource     // required
	Thermal       HotspotDetector // required
	Fusion        *fusion.Engine  // required
	Tracker       *tracking.Tracker
	Alerts        *alerts.Manager
	Optical       OpticalDetector // optional
	OpticalSource OpticalSource   // optional
	OnDetection   DetectionHandler

	Metrics *monitoring.Metrics
	Clock   timeutil.Clock
}

// DefaultConfig returns the loop defaults with no stages attached.
func DefaultConfig() Config {
	return Config{
		DetectInterval: DefaultDetectInterval,
		JPEGQuality:    DefaultJPEGQuality,
		PollInterval:   DefaultPollInterval,
		RetryInterval:  DefaultRetryInterval,
		StopTimeout:    DefaultStopTimeout,
	}
}

func (c *Config) validate() error {
	switch {
	case isNilInterface(c.Source):
		return errors.New("pipeline: frame source is required")
	case isNilInterface(c.Thermal):
		return errors.New("pipeline: thermal detector is required")
	case c.Fusion == nil:
		return errors.New("pipeline: fusion engine is required")
	case c.Tracker == nil:
		return errors.New("pipeline: tracker is required")
	case c.Alerts == nil:
		return errors.New("pipeline: alert manager is required")
	case c.Alerts.Config().PersistenceThreshold < c.Tracker.PersistenceThreshold():
		return fmt.Errorf("pipeline: alert persistence %d is below the tracker confirmation threshold %d",
			c.Alerts.Config().PersistenceThreshold, c.Tracker.PersistenceThreshold())
	case c.DetectInterval < 1:
		return fmt.Errorf("pipeline: detect_interval must be at least 1, got %d", c.DetectInterval)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("pipeline: jpeg_quality must be in [1, 100], got %d", c.JPEGQuality)
	case c.OutputSize.X < 0 || c.OutputSize.Y < 0:
		return fmt.Errorf("pipeline: invalid output size %v", c.OutputSize)
	}
	return nil
}

// Orchestrator runs the reader and processor goroutines.
type Orchestrator struct {
	cfg         Config
	annotator   Annotator
	placeholder []byte

	raw  frameSlot
	jpeg jpegSlot

	// release frees frames the reader discards.
	release func(*gocv.Mat)

	// Processor-owned state.
	frameNumber uint64
	cached      []*tracking.TrackedObject

	mu       sync.Mutex
	running  bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New validates cfg, fills defaults and renders the placeholder frame.
func New(cfg Config) (*Orchestrator, error) {
	d := DefaultConfig()
	if cfg.DetectInterval == 0 {
		cfg.DetectInterval = d.DetectInterval
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = d.JPEGQuality
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = d.RetryInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = d.StopTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}
	if isNilInterface(cfg.Optical) {
		cfg.Optical = nil
	}
	if isNilInterface(cfg.OpticalSource) {
		cfg.OpticalSource = nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	placeholder, err := Placeholder()
	if err != nil {
		return nil, fmt.Errorf("pipeline: placeholder: %w", err)
	}
	return &Orchestrator{
		cfg:         cfg,
		placeholder: placeholder,
		release:     func(m *gocv.Mat) { m.Close() },
		annotator: Annotator{
			PersistenceThreshold: cfg.Tracker.PersistenceThreshold(),
			OutputSize:           cfg.OutputSize,
		},
	}, nil
}

// SessionID identifies this run in emitted events.
func (o *Orchestrator) SessionID() uuid.UUID { return o.cfg.SessionID }

// Start launches the reader and processor goroutines.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("pipeline: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	o.stopping.Store(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.processLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(o.done)
	}()

	opsf("started session %s (detect every %d frames)", o.cfg.SessionID, o.cfg.DetectInterval)
	return nil
}

// Stop signals both goroutines and waits up to StopTimeout for them to exit.
// The raw frame cache is released once they have. After ErrStopTimeout the
// orchestrator still counts as running: Start is refused and Stop may be
// called again to keep waiting.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.stopping.Store(true)
	o.cancel()

	select {
	case <-o.done:
		o.running = false
		o.raw.close()
		opsf("stopped session %s after %d frames", o.cfg.SessionID, o.frameNumber)
		return nil
	case <-time.After(o.cfg.StopTimeout):
		opsf("stop timed out after %s", o.cfg.StopTimeout)
		return ErrStopTimeout
	}
}

// LatestEncodedFrame returns the newest JPEG, or the placeholder before the
// first frame has been processed. The returned slice must not be modified.
func (o *Orchestrator) LatestEncodedFrame() []byte {
	if b, _ := o.jpeg.load(); b != nil {
		return b
	}
	return o.placeholder
}

func (o *Orchestrator) active(ctx context.Context) bool {
	return ctx.Err() == nil && !o.stopping.Load()
}

func (o *Orchestrator) readLoop(ctx context.Context) {
	failing := false
	for o.active(ctx) {
		if !o.cfg.Source.IsAvailable() {
			sleep(ctx, o.cfg.RetryInterval)
			continue
		}
		frame, err := o.readFrame(ctx)
		if err != nil {
			if !o.active(ctx) {
				return
			}
			o.cfg.Metrics.StageError(monitoring.StageRead)
			if !failing {
				opsf("frame source error: %v", err)
			} else {
				tracef("frame source error: %v", err)
			}
			failing = true
			sleep(ctx, o.cfg.RetryInterval)
			continue
		}
		if failing {
			diagf("frame source recovered")
			failing = false
		}
		seq := o.raw.store(frame)
		o.cfg.Metrics.FrameRead()
		tracef("cached raw frame seq=%d", seq)
	}
}

// readFrame calls the source, converting panics and empty frames to errors.
func (o *Orchestrator) readFrame(ctx context.Context) (frame gocv.Mat, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in frame source: %v", r)
		}
	}()
	frame, err = o.cfg.Source.GetFrame(ctx)
	if err != nil {
		o.release(&frame)
		return gocv.Mat{}, err
	}
	if frame.Empty() {
		o.release(&frame)
		return gocv.Mat{}, errEmptyFrame
	}
	return frame, nil
}

func (o *Orchestrator) processLoop(ctx context.Context) {
	var seen uint64
	for o.active(ctx) {
		frame, seq, ok := o.raw.loadAfter(seen)
		if !ok {
			sleep(ctx, o.cfg.PollInterval)
			continue
		}
		seen = seq
		_, err := o.ProcessFrame(frame)
		frame.Close()
		if err != nil {
			opsf("processor error: %v", err)
			sleep(ctx, o.cfg.RetryInterval)
		}
	}
}

// ProcessFrame runs one processor step on frame and publishes the encoded
// result. The detection chain runs when the frame counter is a multiple of
// DetectInterval; other frames are annotated from the cached track state.
// frame is not retained. ProcessFrame must not be called concurrently with a
// running Orchestrator.
func (o *Orchestrator) ProcessFrame(frame gocv.Mat) (out []byte, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.cfg.Metrics.StageError(monitoring.StagePanic)
			opsf("processor panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("processor panic: %v", r)
		}
		if err != nil {
			o.jpeg.store(o.placeholder)
			out = o.placeholder
		}
	}()

	o.frameNumber++
	if o.frameNumber%uint64(o.cfg.DetectInterval) == 0 {
		o.detect(frame)
	}

	annotated, err := o.annotator.Annotate(frame, o.cached, o.frameNumber)
	defer annotated.Close()
	if err != nil {
		return nil, fmt.Errorf("annotate frame %d: %w", o.frameNumber, err)
	}
	out, err = EncodeJPEG(annotated, o.cfg.JPEGQuality)
	if err != nil {
		o.cfg.Metrics.StageError(monitoring.StageEncode)
		return nil, err
	}
	o.jpeg.store(out)
	o.cfg.Metrics.FrameProcessed(time.Since(start))
	return out, nil
}

// FrameNumber returns the number of frames the processor has handled.
func (o *Orchestrator) FrameNumber() uint64 { return o.frameNumber }

// detect runs detect → optical → fuse → track → alert and caches the track
// state for the frames in between. Stage failures degrade to zero detections.
func (o *Orchestrator) detect(frame gocv.Mat) {
	hotspots, err := o.thermalPass(frame)
	if err != nil {
		o.cfg.Metrics.StageError(monitoring.StageThermal)
		opsf("thermal detection failed on frame %d: %v", o.frameNumber, err)
		hotspots = nil
	}

	fused := clipToFrame(o.fusePass(frame, hotspots), frame.Cols(), frame.Rows())
	tracks := o.cfg.Tracker.Update(fused)
	o.cached = tracks

	emitted := o.cfg.Alerts.CheckAndEmit(tracks, o.frameNumber)
	o.cfg.Metrics.DetectionPass(len(fused), len(tracks))
	tracef("frame %d: %d hotspots, %d fused, %d tracks, %d alerts",
		o.frameNumber, len(hotspots), len(fused), len(tracks), len(emitted))

	if len(emitted) == 0 {
		return
	}
	for _, a := range emitted {
		o.cfg.Metrics.Alert(string(a.Validation))
	}
	o.emit(tracks, emitted)
}

// thermalPass detects hotspots, on the source's reduced detect frame when it
// offers one, and returns them in display coordinates.
func (o *Orchestrator) thermalPass(frame gocv.Mat) (hotspots []lifeform.Hotspot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in thermal detector: %v", r)
		}
	}()

	input := frame
	sx, sy := 1.0, 1.0
	if dfs, ok := o.cfg.Source.(DetectFrameSource); ok {
		small := dfs.DetectFrame(frame)
		defer small.Close()
		if !small.Empty() {
			input = small
			sx = float64(frame.Cols()) / float64(small.Cols())
			sy = float64(frame.Rows()) / float64(small.Rows())
		}
	}

	res, err := o.cfg.Thermal.Detect(input)
	defer res.Close()
	if err != nil {
		return nil, err
	}
	out := make([]lifeform.Hotspot, len(res.Hotspots))
	for i, h := range res.Hotspots {
		out[i] = scaleHotspot(h, sx, sy)
	}
	return out, nil
}

// fusePass cross-checks hotspots against the optical detector. It falls back
// to ThermalOnly whenever there is nothing to fuse with.
func (o *Orchestrator) fusePass(frame gocv.Mat, hotspots []lifeform.Hotspot) []lifeform.Hotspot {
	if len(hotspots) == 0 || o.cfg.Optical == nil || o.cfg.OpticalSource == nil {
		return fusion.MarkThermalOnly(hotspots)
	}
	rgb, ok := o.cfg.OpticalSource.LatestFrame()
	defer rgb.Close()
	if !ok || rgb.Empty() {
		return fusion.MarkThermalOnly(hotspots)
	}

	dets, err := o.opticalPass(rgb)
	if err != nil {
		o.cfg.Metrics.StageError(monitoring.StageOptical)
		opsf("optical detection failed on frame %d: %v", o.frameNumber, err)
		return fusion.MarkThermalOnly(hotspots)
	}
	if len(dets) == 0 {
		return fusion.MarkThermalOnly(hotspots)
	}

	display := image.Pt(frame.Cols(), frame.Rows())
	optical := image.Pt(rgb.Cols(), rgb.Rows())
	if err := o.cfg.Fusion.SetResolutions(display, optical); err != nil {
		o.cfg.Metrics.StageError(monitoring.StageFusion)
		opsf("fusion: %v", err)
		return fusion.MarkThermalOnly(hotspots)
	}

	fused := o.cfg.Fusion.Fuse(hotspots, dets)
	rx := float64(display.X) / float64(optical.X)
	ry := float64(display.Y) / float64(optical.Y)
	for i := range fused {
		fused[i] = scaleHotspot(fused[i], rx, ry)
	}
	return fused
}

func (o *Orchestrator) opticalPass(rgb gocv.Mat) (dets []lifeform.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in optical detector: %v", r)
		}
	}()
	return o.cfg.Optical.Detect(rgb)
}

// emit builds the DetectionEvent for this pass and hands it to OnDetection.
func (o *Orchestrator) emit(tracks []*tracking.TrackedObject, emitted []lifeform.AlertPayload) {
	if o.cfg.OnDetection == nil {
		return
	}
	byID := make(map[uint64]*tracking.TrackedObject, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}
	var hotspots []lifeform.EventHotspot
	for _, a := range emitted {
		t, ok := byID[a.ID]
		if !ok {
			continue
		}
		hotspots = append(hotspots, lifeform.EventHotspot{
			TrackID:        t.ID,
			EstimatedTemp:  t.MaxTemperature,
			Confidence:     t.Confidence,
			ValidationType: t.Validation,
			BBox:           t.BBox,
			Persistence:    t.Persistence,
		})
	}
	if len(hotspots) == 0 {
		return
	}

	event := lifeform.DetectionEvent{
		SessionID:   o.cfg.SessionID,
		Hotspots:    hotspots,
		Alerts:      emitted,
		Timestamp:   o.cfg.Clock.Now().UTC(),
		FrameNumber: o.frameNumber,
		TotalCount:  len(tracks),
	}
	defer func() {
		if r := recover(); r != nil {
			o.cfg.Metrics.StageError(monitoring.StageAlert)
			opsf("detection handler panic: %v", r)
		}
	}()
	o.cfg.OnDetection(event)
}

// clipToFrame trims boxes to the display frame and drops those left with no
// area, so the tracker never sees degenerate geometry.
func clipToFrame(hotspots []lifeform.Hotspot, width, height int) []lifeform.Hotspot {
	bounds := image.Rect(0, 0, width, height)
	out := make([]lifeform.Hotspot, 0, len(hotspots))
	for _, h := range hotspots {
		if h.BBox.Area() == 0 {
			diagf("dropped degenerate %s box %s", h.Validation, h.BBox)
			continue
		}
		r := h.BBox.Rect().Intersect(bounds)
		if r.Empty() {
			diagf("dropped off-frame %s box %s", h.Validation, h.BBox)
			continue
		}
		if b := lifeform.BBoxFromRect(r); b != h.BBox {
			h.BBox = b
			h.Centroid = b.Centroid()
		}
		out = append(out, h)
	}
	return out
}

// scaleHotspot maps a hotspot's box and centroid by (sx, sy).
func scaleHotspot(h lifeform.Hotspot, sx, sy float64) lifeform.Hotspot {
	if sx == 1 && sy == 1 {
		return h
	}
	h.BBox = h.BBox.Scale(sx, sy)
	h.Centroid = lifeform.Point{X: int(float64(h.Centroid.X) * sx), Y: int(float64(h.Centroid.Y) * sy)}
	return h
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
