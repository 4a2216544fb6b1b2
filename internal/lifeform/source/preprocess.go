package source

import (
	"context"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/lifeform/pipeline"
)

// Display and detection geometry of the enhanced stream.
var (
	DisplaySize = image.Pt(512, 396)
	DetectSize  = image.Pt(160, 124)
)

const (
	blendCurrent  = 0.6
	blendPrevious = 0.4
	claheClip     = 2.0
)

// PreprocessConfig configures a Preprocessor.
type PreprocessConfig struct {
	DisplaySize image.Point
	DetectSize  image.Point
	Sharpen     bool // unsharp mask after upscaling
}

// Preprocessor enhances frames from a wrapped source for display and
// detection: normalise, temporal blend, CLAHE, blur, then cubic upscale.
type Preprocessor struct {
	src pipeline.FrameSource
	cfg PreprocessConfig

	mu    sync.Mutex
	prev  gocv.Mat
	clahe gocv.CLAHE
}

var (
	_ pipeline.FrameSource       = (*Preprocessor)(nil)
	_ pipeline.DetectFrameSource = (*Preprocessor)(nil)
	_ pipeline.FrameSource       = (*UDPSource)(nil)
	_ pipeline.FrameSource       = (*PCAPSource)(nil)
	_ pipeline.FrameSource       = (*SerialSource)(nil)
	_ pipeline.FrameSource       = (*VideoSource)(nil)
	_ pipeline.FrameSource       = (*SyntheticSource)(nil)
)

// NewPreprocessor wraps src. Zero sizes take DisplaySize and DetectSize.
func NewPreprocessor(src pipeline.FrameSource, cfg PreprocessConfig) *Preprocessor {
	if cfg.DisplaySize.X <= 0 || cfg.DisplaySize.Y <= 0 {
		cfg.DisplaySize = DisplaySize
	}
	if cfg.DetectSize.X <= 0 || cfg.DetectSize.Y <= 0 {
		cfg.DetectSize = DetectSize
	}
	return &Preprocessor{
		src:   src,
		cfg:   cfg,
		prev:  gocv.NewMat(),
		clahe: gocv.NewCLAHEWithParams(claheClip, image.Pt(8, 8)),
	}
}

// GetFrame pulls a frame from the wrapped source and returns the enhanced
// display frame.
func (p *Preprocessor) GetFrame(ctx context.Context) (gocv.Mat, error) {
	raw, err := p.src.GetFrame(ctx)
	if err != nil {
		raw.Close()
		return gocv.NewMat(), err
	}
	defer raw.Close()
	if raw.Empty() {
		return gocv.NewMat(), ErrNoFrame
	}
	return p.Enhance(raw), nil
}

// Enhance runs the enhancement chain on one frame. The result is owned by
// the caller.
func (p *Preprocessor) Enhance(frame gocv.Mat) gocv.Mat {
	p.mu.Lock()
	defer p.mu.Unlock()

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() == 1 {
		frame.CopyTo(&gray)
	} else {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	}

	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(gray, &norm, 0, 255, gocv.NormMinMax)

	blended := gocv.NewMat()
	defer blended.Close()
	if !p.prev.Empty() && p.prev.Rows() == norm.Rows() && p.prev.Cols() == norm.Cols() {
		gocv.AddWeighted(norm, blendCurrent, p.prev, blendPrevious, 0, &blended)
	} else {
		norm.CopyTo(&blended)
	}
	norm.CopyTo(&p.prev)

	eq := gocv.NewMat()
	defer eq.Close()
	p.clahe.Apply(blended, &eq)

	smooth := gocv.NewMat()
	defer smooth.Close()
	gocv.GaussianBlur(eq, &smooth, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	out := gocv.NewMat()
	gocv.Resize(smooth, &out, p.cfg.DisplaySize, 0, 0, gocv.InterpolationCubic)
	if !p.cfg.Sharpen {
		return out
	}

	blur := gocv.NewMat()
	defer blur.Close()
	gocv.GaussianBlur(out, &blur, image.Pt(0, 0), 1.0, 0, gocv.BorderDefault)
	sharp := gocv.NewMat()
	gocv.AddWeighted(out, 1.5, blur, -0.5, 0, &sharp)
	out.Close()
	return sharp
}

// DetectFrame downscales a display frame for detection.
func (p *Preprocessor) DetectFrame(display gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	if display.Empty() {
		return out
	}
	gocv.Resize(display, &out, p.cfg.DetectSize, 0, 0, gocv.InterpolationArea)
	return out
}

// IsAvailable delegates to the wrapped source.
func (p *Preprocessor) IsAvailable() bool { return p.src.IsAvailable() }

// Close releases the blend buffer and CLAHE state. The wrapped source is
// not closed.
func (p *Preprocessor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.prev.Close(); err != nil {
		return err
	}
	return p.clahe.Close()
}
