package lifeform

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Point is an integer pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Dist returns the Euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(float64(p.X-q.X), float64(p.Y-q.Y))
}

// BBox is an axis-aligned box in pixel space: top-left corner plus size.
// It serialises as a four element array [x, y, w, h].
type BBox struct {
	X, Y, W, H int
}

// BBoxFromRect converts an image.Rectangle.
func BBoxFromRect(r image.Rectangle) BBox {
	return BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Rect converts the box to an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area returns w*h, or 0 for degenerate boxes.
func (b BBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Centroid returns the integer centre of the box.
func (b BBox) Centroid() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Scale multiplies every component, truncating toward zero.
func (b BBox) Scale(sx, sy float64) BBox {
	return BBox{
		X: int(float64(b.X) * sx),
		Y: int(float64(b.Y) * sy),
		W: int(float64(b.W) * sx),
		H: int(float64(b.H) * sy),
	}
}

// Clamp restricts the box to a width×height frame. The origin is pinned
// inside the frame and the size shrinks to fit; the result may be degenerate.
func (b BBox) Clamp(width, height int) BBox {
	x := max(0, min(b.X, width-1))
	y := max(0, min(b.Y, height-1))
	w := min(b.W, width-x)
	h := min(b.H, height-y)
	return BBox{X: x, Y: y, W: w, H: h}
}

// String formats the box as (x,y,w,h).
func (b BBox) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", b.X, b.Y, b.W, b.H)
}

// MarshalJSON encodes the box as [x, y, w, h].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.W, b.H})
}

// UnmarshalJSON decodes a [x, y, w, h] array.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	*b = BBox{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return nil
}

// IoU returns the intersection over union of two boxes. A zero union yields 0.
func IoU(a, b BBox) float64 {
	ix := max(0, min(a.X+a.W, b.X+b.W)-max(a.X, b.X))
	iy := max(0, min(a.Y+a.H, b.Y+b.H)-max(a.Y, b.Y))
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Clamp01 clamps v to [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp clamps v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
