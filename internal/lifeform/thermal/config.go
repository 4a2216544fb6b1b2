package thermal

import (
	"fmt"
	"math"
)

// Config holds the hotspot detector parameters.
type Config struct {
	MinArea         float64 // contour area floor in pixels
	MaxArea         float64 // contour area ceiling in pixels
	BlurKernel      int     // Gaussian kernel size, odd
	MorphKernel     int     // elliptical structuring element size, odd
	StdMultiplier   float64 // k in mean + k*stddev
	MaxThreshold    float64 // upper clamp on the adaptive threshold
	MinSolidity     float64
	MinTempVariance float64 // stddev floor inside the bbox, in intensity units
	MinAspect       float64
	MaxAspect       float64

	// Linear intensity to temperature mapping: 0 maps to SceneMinTemp and
	// 255 to SceneMaxTemp.
	SceneMinTemp   float64
	SceneMaxTemp   float64
	HumanFloorTemp float64
}

// DefaultConfig returns the deployment defaults for a 160×124 detect frame.
func DefaultConfig() Config {
	return Config{
		MinArea:         40,
		MaxArea:         5000,
		BlurKernel:      5,
		MorphKernel:     3,
		StdMultiplier:   3.0,
		MaxThreshold:    245,
		MinSolidity:     0.3,
		MinTempVariance: 5.0,
		MinAspect:       0.25,
		MaxAspect:       4.0,
		SceneMinTemp:    15,
		SceneMaxTemp:    45,
		HumanFloorTemp:  28,
	}
}

// Validate reports configuration values the detector cannot work with.
func (c Config) Validate() error {
	if c.BlurKernel <= 0 || c.BlurKernel%2 == 0 {
		return fmt.Errorf("blur kernel must be a positive odd number, got %d", c.BlurKernel)
	}
	if c.MorphKernel <= 0 || c.MorphKernel%2 == 0 {
		return fmt.Errorf("morph kernel must be a positive odd number, got %d", c.MorphKernel)
	}
	if c.MinArea < 0 || c.MaxArea < c.MinArea {
		return fmt.Errorf("invalid area range [%g, %g]", c.MinArea, c.MaxArea)
	}
	if c.SceneMaxTemp <= c.SceneMinTemp {
		return fmt.Errorf("scene max temperature %g must exceed min %g", c.SceneMaxTemp, c.SceneMinTemp)
	}
	if c.MinAspect <= 0 || c.MaxAspect < c.MinAspect {
		return fmt.Errorf("invalid aspect range [%g, %g]", c.MinAspect, c.MaxAspect)
	}
	if c.MaxThreshold <= 0 || c.MaxThreshold > 255 {
		return fmt.Errorf("max threshold must be in (0, 255], got %g", c.MaxThreshold)
	}
	return nil
}

// IntensityToTemp maps an 8-bit intensity to scene temperature in °C.
func (c Config) IntensityToTemp(v float64) float64 {
	return c.SceneMinTemp + (v/255.0)*(c.SceneMaxTemp-c.SceneMinTemp)
}

// TempToIntensity maps a temperature to the nearest lower 8-bit intensity.
func (c Config) TempToIntensity(t float64) int {
	v := (t - c.SceneMinTemp) / (c.SceneMaxTemp - c.SceneMinTemp) * 255
	return int(math.Max(0, math.Min(255, v)))
}

// HumanFloorIntensity is the intensity of HumanFloorTemp.
func (c Config) HumanFloorIntensity() int {
	return c.TempToIntensity(c.HumanFloorTemp)
}

// Threshold computes the adaptive binarisation level for a frame with the
// given mean and standard deviation.
func (c Config) Threshold(mean, stddev float64) float64 {
	t := mean + c.StdMultiplier*stddev
	t = math.Max(t, float64(c.HumanFloorIntensity()))
	return math.Min(t, c.MaxThreshold)
}

// Confidence scores a candidate that passed every filter. Each term is
// clamped to [0,1] before weighting and the sum to [0.05, 0.99].
func (c Config) Confidence(tempC, area, solidity, stddev float64) float64 {
	clamp := func(v float64) float64 { return math.Max(0, math.Min(1, v)) }
	conf := 0.40*clamp((tempC-c.HumanFloorTemp)/10.0) +
		0.25*clamp(area/300.0) +
		0.20*clamp(solidity) +
		0.15*clamp(stddev/30.0)
	return math.Max(0.05, math.Min(0.99, conf))
}
