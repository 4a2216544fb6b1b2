package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// Raw frame geometry of the Lepton forwarder.
const (
	DefaultWidth  = 160
	DefaultHeight = 120
	HeaderSize    = 8
)

var (
	// ErrShortFrame is returned when a datagram or serial payload is smaller
	// than header plus pixels.
	ErrShortFrame = errors.New("source: short frame")
	// ErrNoFrame is returned when no new frame arrived in time.
	ErrNoFrame = errors.New("source: no frame")
	// ErrUnavailable is returned by a source that cannot produce frames
	// any more, e.g. a finished non-looping replay.
	ErrUnavailable = errors.New("source: unavailable")
)

// RawFrame is one radiometric frame: a big-endian header of frame number and
// millisecond timestamp, then width×height big-endian uint16 pixels.
type RawFrame struct {
	Number      uint32
	TimestampMS uint32
	Width       int
	Height      int
	Pixels      []uint16
}

// PayloadSize returns the encoded size of a width×height frame.
func PayloadSize(width, height int) int {
	return HeaderSize + width*height*2
}

// DecodeRawFrame parses b as a width×height frame. Trailing bytes are
// ignored.
func DecodeRawFrame(b []byte, width, height int) (RawFrame, error) {
	if width <= 0 || height <= 0 {
		return RawFrame{}, fmt.Errorf("source: invalid frame size %dx%d", width, height)
	}
	need := PayloadSize(width, height)
	if len(b) < need {
		return RawFrame{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortFrame, len(b), need)
	}
	f := RawFrame{
		Number:      binary.BigEndian.Uint32(b[0:4]),
		TimestampMS: binary.BigEndian.Uint32(b[4:8]),
		Width:       width,
		Height:      height,
		Pixels:      make([]uint16, width*height),
	}
	px := b[HeaderSize:need]
	for i := range f.Pixels {
		f.Pixels[i] = binary.BigEndian.Uint16(px[2*i:])
	}
	return f, nil
}

// EncodeRawFrame is the inverse of DecodeRawFrame.
func EncodeRawFrame(f RawFrame) []byte {
	b := make([]byte, PayloadSize(f.Width, f.Height))
	binary.BigEndian.PutUint32(b[0:4], f.Number)
	binary.BigEndian.PutUint32(b[4:8], f.TimestampMS)
	for i, p := range f.Pixels {
		if i >= f.Width*f.Height {
			break
		}
		binary.BigEndian.PutUint16(b[HeaderSize+2*i:], p)
	}
	return b
}

// Range returns the smallest and largest pixel values.
func (f RawFrame) Range() (lo, hi uint16) {
	if len(f.Pixels) == 0 {
		return 0, 0
	}
	lo, hi = math.MaxUint16, 0
	for _, p := range f.Pixels {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	return lo, hi
}

// Normalized min-max scales the pixels to 0..255. A flat frame maps to 0.
func (f RawFrame) Normalized() []byte {
	out := make([]byte, len(f.Pixels))
	lo, hi := f.Range()
	if hi == lo {
		return out
	}
	scale := 255.0 / float64(hi-lo)
	for i, p := range f.Pixels {
		out[i] = uint8(math.Round(float64(p-lo) * scale))
	}
	return out
}

// ToMat returns the normalised frame as an 8-bit single-channel Mat owned by
// the caller.
func (f RawFrame) ToMat() (gocv.Mat, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pixels) != f.Width*f.Height {
		return gocv.NewMat(), fmt.Errorf("source: frame has %d pixels for %dx%d", len(f.Pixels), f.Width, f.Height)
	}
	view, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Normalized())
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("source: frame to mat: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}
