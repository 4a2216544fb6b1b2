package fusion

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resofly/internal/lifeform"
)

func identityEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{ThermalRes: image.Pt(640, 480), OpticalRes: image.Pt(640, 480), IoUThreshold: 0.3})
	require.NoError(t, err)
	return e
}

func TestFuseValidatedScenario(t *testing.T) {
	t.Parallel()

	e := identityEngine(t)
	thermal := []lifeform.Hotspot{{
		BBox:           lifeform.BBox{X: 10, Y: 10, W: 20, H: 20},
		MaxTemperature: 32,
		Confidence:     0.7,
	}}
	optical := []lifeform.Detection{{BBox: lifeform.BBox{X: 12, Y: 11, W: 19, H: 21}, Confidence: 0.6}}

	out := e.Fuse(thermal, optical)
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, lifeform.FusedValidated, got.Validation)
	assert.InDelta(t, 0.66, got.Confidence, 1e-9)
	assert.Equal(t, 32.0, got.MaxTemperature)
	require.NotNil(t, got.Fusion)
	assert.GreaterOrEqual(t, got.Fusion.IoU, 0.3)
	assert.Equal(t, optical[0].BBox, got.Fusion.OpticalBBox)
	assert.Equal(t, thermal[0].BBox, got.Fusion.ThermalBBox)
}

func TestFuseThermalOnlyAndRgbOnly(t *testing.T) {
	t.Parallel()

	e := identityEngine(t)
	thermal := []lifeform.Hotspot{{BBox: lifeform.BBox{X: 0, Y: 0, W: 10, H: 10}, Confidence: 0.8}}
	optical := []lifeform.Detection{{BBox: lifeform.BBox{X: 100, Y: 100, W: 40, H: 80}, Confidence: 0.9}}

	out := e.Fuse(thermal, optical)

	want := []lifeform.Hotspot{
		{
			BBox:       lifeform.BBox{X: 0, Y: 0, W: 10, H: 10},
			Centroid:   lifeform.Point{X: 5, Y: 5},
			Confidence: 0.56,
			Validation: lifeform.ThermalOnly,
		},
		{
			BBox:       lifeform.BBox{X: 100, Y: 100, W: 40, H: 80},
			Centroid:   lifeform.Point{X: 120, Y: 140},
			Area:       3200,
			Confidence: 0.45,
			Validation: lifeform.RgbOnly,
		},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Fuse() mismatch (-want +got):\n%s", diff)
	}
}

func TestFuseEmptyOptical(t *testing.T) {
	t.Parallel()

	e := identityEngine(t)
	thermal := []lifeform.Hotspot{
		{BBox: lifeform.BBox{X: 0, Y: 0, W: 10, H: 10}, Confidence: 0.5},
		{BBox: lifeform.BBox{X: 50, Y: 50, W: 10, H: 10}, Confidence: 0.9},
	}
	out := e.Fuse(thermal, nil)
	require.Len(t, out, 2)
	for _, h := range out {
		assert.Equal(t, lifeform.ThermalOnly, h.Validation)
	}
	assert.Empty(t, e.Fuse(nil, nil))
}

func TestFuseConsumesOpticalOnce(t *testing.T) {
	t.Parallel()

	e := identityEngine(t)
	// Two hotspots over the same person box: only the first may claim it.
	thermal := []lifeform.Hotspot{
		{BBox: lifeform.BBox{X: 10, Y: 10, W: 20, H: 40}, Confidence: 0.9},
		{BBox: lifeform.BBox{X: 12, Y: 12, W: 20, H: 40}, Confidence: 0.8},
	}
	optical := []lifeform.Detection{
		{BBox: lifeform.BBox{X: 10, Y: 10, W: 22, H: 42}, Confidence: 0.7},
		{BBox: lifeform.BBox{X: 400, Y: 10, W: 30, H: 60}, Confidence: 0.4},
	}

	out := e.Fuse(thermal, optical)
	assert.LessOrEqual(t, len(out), len(thermal)+len(optical))

	var fused, rgbOnly []lifeform.Hotspot
	for _, h := range out {
		switch h.Validation {
		case lifeform.FusedValidated:
			fused = append(fused, h)
		case lifeform.RgbOnly:
			rgbOnly = append(rgbOnly, h)
		}
	}
	require.Len(t, fused, 1)
	require.Len(t, rgbOnly, 1)
	assert.NotEqual(t, fused[0].Fusion.OpticalBBox, rgbOnly[0].BBox)
	assert.Equal(t, 400, rgbOnly[0].BBox.X)
}

func TestFuseProjectsAcrossResolutions(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)

	sx, sy := e.Scale()
	assert.Equal(t, 4.0, sx)
	assert.InDelta(t, 480.0/124.0, sy, 1e-12)

	thermal := []lifeform.Hotspot{{BBox: lifeform.BBox{X: 10, Y: 10, W: 20, H: 20}, Confidence: 0.7}}
	optical := []lifeform.Detection{{BBox: lifeform.BBox{X: 42, Y: 40, W: 78, H: 76}, Confidence: 0.6}}
	out := e.Fuse(thermal, optical)

	require.Len(t, out, 1)
	assert.Equal(t, lifeform.BBox{X: 40, Y: 38, W: 80, H: 77}, out[0].BBox)
	assert.Equal(t, lifeform.FusedValidated, out[0].Validation)

	require.NoError(t, e.SetResolutions(image.Pt(80, 62), image.Pt(640, 480)))
	sx, _ = e.Scale()
	assert.Equal(t, 8.0, sx)
}

func TestSetResolutionsRejectsZero(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{ThermalRes: image.Pt(0, 10), OpticalRes: image.Pt(10, 10)})
	assert.Error(t, err)
}

func TestMarkThermalOnly(t *testing.T) {
	t.Parallel()

	in := []lifeform.Hotspot{{Confidence: 0.42}}
	out := MarkThermalOnly(in)
	assert.Equal(t, lifeform.ThermalOnly, out[0].Validation)
	assert.Equal(t, 0.42, out[0].Confidence)
	assert.Equal(t, lifeform.ValidationUnknown, in[0].Validation)
}
