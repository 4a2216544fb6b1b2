package source

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// VideoSource plays a video file as a grayscale thermal stream, looping at
// the end.
type VideoSource struct {
	path string

	mu  sync.Mutex
	cap *gocv.VideoCapture
}

// OpenVideo opens path with gocv.
func OpenVideo(path string) (*VideoSource, error) {
	vc, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open video %s: %w", path, ErrUnavailable)
	}
	return &VideoSource{path: path, cap: vc}, nil
}

// GetFrame reads the next frame, rewinding once at end of file.
func (v *VideoSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.NewMat(), err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cap == nil {
		return gocv.NewMat(), ErrUnavailable
	}

	m := gocv.NewMat()
	if ok := v.cap.Read(&m); !ok || m.Empty() {
		v.cap.Set(gocv.VideoCapturePosFrames, 0)
		diagf("video %s: rewound", v.path)
		if ok := v.cap.Read(&m); !ok || m.Empty() {
			m.Close()
			return gocv.NewMat(), ErrNoFrame
		}
	}
	if m.Channels() == 1 {
		return m, nil
	}
	gray := gocv.NewMat()
	gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	m.Close()
	return gray, nil
}

// IsAvailable reports whether the capture is open.
func (v *VideoSource) IsAvailable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cap != nil && v.cap.IsOpened()
}

// Close releases the capture.
func (v *VideoSource) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cap == nil {
		return nil
	}
	err := v.cap.Close()
	v.cap = nil
	return err
}
