package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/timeutil"
)

// Synthetic defaults: a Lepton-sized frame at roughly the sensor's 9 fps.
const (
	DefaultSyntheticInterval = 111 * time.Millisecond
	syntheticPeak            = 40000
	syntheticFalloff         = 300
	syntheticNoise           = 500
)

// SyntheticConfig configures a SyntheticSource.
type SyntheticConfig struct {
	Width    int
	Height   int
	Interval time.Duration // pause before each frame; negative disables pacing
	Seed     int64
	Clock    timeutil.Clock
}

// SyntheticSource generates a radial hotspot that drifts across the frame,
// with uniform noise. Output is deterministic for a given seed and clock.
type SyntheticSource struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	rng    *rand.Rand
	start  time.Time
	number uint32
}

// NewSyntheticSource returns a generator starting at the clock's current time.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultSyntheticInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SyntheticSource{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		start: cfg.Clock.Now(),
	}
}

// HotspotAt returns the hotspot centre t seconds after start.
func (s *SyntheticSource) HotspotAt(t float64) (x, y int) {
	x = int(float64(s.cfg.Width)/2 + 30*(0.5+0.5*math.Mod(t, 6)/3))
	y = int(float64(s.cfg.Height)/2 + 20*(0.5+0.5*math.Mod(t*0.7, 6)/3))
	return x, y
}

// NextRaw paces by Interval and returns the next raw frame.
func (s *SyntheticSource) NextRaw() RawFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Interval > 0 {
		s.cfg.Clock.Sleep(s.cfg.Interval)
	}
	now := s.cfg.Clock.Now()
	hx, hy := s.HotspotAt(now.Sub(s.start).Seconds())

	f := RawFrame{
		Number:      s.number,
		TimestampMS: uint32(now.UnixMilli()),
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		Pixels:      make([]uint16, s.cfg.Width*s.cfg.Height),
	}
	s.number++
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < s.cfg.Width; x++ {
			dist := math.Hypot(float64(x-hx), float64(y-hy))
			noise := s.rng.Intn(2*syntheticNoise+1) - syntheticNoise
			v := int(syntheticPeak-dist*syntheticFalloff) + noise
			f.Pixels[y*s.cfg.Width+x] = uint16(max(0, min(math.MaxUint16, v)))
		}
	}
	return f
}

// GetFrame returns the next frame as a normalised grayscale Mat.
func (s *SyntheticSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.NewMat(), err
	}
	return s.NextRaw().ToMat()
}

// IsAvailable always reports true.
func (s *SyntheticSource) IsAvailable() bool { return true }
