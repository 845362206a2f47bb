package nn

import (
	"fmt"
	"image"
	"math"

	"github.com/chewxy/math32"
)

// Size is the dimensions of an image, in pixels
type Size struct {
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func MakeSize(width, height int) Size {
	return Size{Width: float32(width), Height: float32(height)}
}

func (s Size) IsValid() bool {
	return s.Width > 0 && s.Height > 0
}

// Box is an axis aligned rectangle, with X,Y at the top-left corner
type Box struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Create a Box from corner coordinates
func BoxFromCorners(x1, y1, x2, y2 float32) Box {
	return Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func (r Box) X2() float32 {
	return r.X + r.Width
}

func (r Box) Y2() float32 {
	return r.Y + r.Height
}

// Corners returns [x1, y1, x2, y2]
func (r Box) Corners() [4]float32 {
	return [4]float32{r.X, r.Y, r.X2(), r.Y2()}
}

// Intersection over Union
func (r Box) IOU(b Box) float32 {
	return IOU(r.Corners(), b.Corners())
}

// Rect rounds the box to whole pixels
func (r Box) Rect() image.Rectangle {
	return image.Rect(int(math32.Round(r.X)), int(math32.Round(r.Y)), int(math32.Round(r.X2())), int(math32.Round(r.Y2())))
}

// IOU of two corner-form boxes [x1,y1,x2,y2].
// A degenerate union produces 0, not NaN.
func IOU(a, b [4]float32) float32 {
	iw := max(0, min(a[2], b[2])-max(a[0], b[0]))
	ih := max(0, min(a[3], b[3])-max(a[1], b[1]))
	inter := iw * ih
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterToCorner converts [cx,cy,w,h,...] to [x1,y1,x2,y2,...].
// Values after the first four are copied unchanged.
func CenterToCorner(row []float32) []float32 {
	out := make([]float32, len(row))
	copy(out, row)
	centerToCorner(out)
	return out
}

// CornerToCenter converts [x1,y1,x2,y2,...] to [cx,cy,w,h,...].
// Values after the first four are copied unchanged.
func CornerToCenter(row []float32) []float32 {
	out := make([]float32, len(row))
	copy(out, row)
	cornerToCenter(out)
	return out
}

// CenterToCornerFlat converts every row of a flat row-major buffer in place.
// Only the first four columns of each row are touched.
func CenterToCornerFlat(data []float32, stride int) {
	for i := 0; i+stride <= len(data); i += stride {
		centerToCorner(data[i : i+4])
	}
}

// CornerToCenterFlat is the inverse of CenterToCornerFlat
func CornerToCenterFlat(data []float32, stride int) {
	for i := 0; i+stride <= len(data); i += stride {
		cornerToCenter(data[i : i+4])
	}
}

func centerToCorner(r []float32) {
	cx, cy, w, h := r[0], r[1], r[2], r[3]
	r[0] = cx - w/2
	r[1] = cy - h/2
	r[2] = cx + w/2
	r[3] = cy + h/2
}

func cornerToCenter(r []float32) {
	x1, y1, x2, y2 := r[0], r[1], r[2], r[3]
	r[0] = (x1 + x2) / 2
	r[1] = (y1 + y2) / 2
	r[2] = x2 - x1
	r[3] = y2 - y1
}

// Letterbox describes how an image was scaled and padded to fit inside the model's input.
// PadX and PadY are the left and top padding.
type Letterbox struct {
	Gain float32
	PadX float32
	PadY float32
}

// ComputeLetterbox returns the scale-to-fit gain, and the padding if alignCenter is true.
// The -0.1 bias on the padding reproduces the reference letterbox exactly for odd pixel counts.
func ComputeLetterbox(model, image Size, alignCenter bool) (Letterbox, error) {
	if !model.IsValid() || !image.IsValid() {
		return Letterbox{}, fmt.Errorf("%w: sizes must be positive (model %vx%v, image %vx%v)", ErrInvalidArgument, model.Width, model.Height, image.Width, image.Height)
	}
	gain := min(float64(model.Height)/float64(image.Height), float64(model.Width)/float64(image.Width))
	if gain == 0 || math.IsInf(gain, 0) || math.IsNaN(gain) {
		return Letterbox{}, fmt.Errorf("%w: degenerate letterbox gain %v", ErrInvalidArgument, gain)
	}
	lb := Letterbox{Gain: float32(gain)}
	if alignCenter {
		lb.PadX = float32(math.Round((float64(model.Width)-float64(image.Width)*gain)/2 - 0.1))
		lb.PadY = float32(math.Round((float64(model.Height)-float64(image.Height)*gain)/2 - 0.1))
	}
	return lb, nil
}

// Apply maps a box from the original image space into the model's input space
func (lb Letterbox) Apply(b Box) Box {
	return Box{
		X:      b.X*lb.Gain + lb.PadX,
		Y:      b.Y*lb.Gain + lb.PadY,
		Width:  b.Width * lb.Gain,
		Height: b.Height * lb.Gain,
	}
}

// Invert maps a box from the model's input space back into the original image space
func (lb Letterbox) Invert(b Box) Box {
	x1 := (b.X - lb.PadX) / lb.Gain
	y1 := (b.Y - lb.PadY) / lb.Gain
	x2 := (b.X2() - lb.PadX) / lb.Gain
	y2 := (b.Y2() - lb.PadY) / lb.Gain
	return BoxFromCorners(x1, y1, x2, y2)
}

// Rescale maps a box from the letterboxed model input space back to the original image space.
func Rescale(box Box, model, image Size, alignCenter bool) (Box, error) {
	lb, err := ComputeLetterbox(model, image, alignCenter)
	if err != nil {
		return Box{}, err
	}
	return lb.Invert(box), nil
}

// RescaleInverse maps a box from the original image space into the letterboxed model input space.
func RescaleInverse(box Box, model, image Size, alignCenter bool) (Box, error) {
	lb, err := ComputeLetterbox(model, image, alignCenter)
	if err != nil {
		return Box{}, err
	}
	return lb.Apply(box), nil
}

// RescaleBoxes is the batch form of Rescale. The boxes are modified in place.
func RescaleBoxes(boxes []Box, model, image Size, alignCenter bool) error {
	lb, err := ComputeLetterbox(model, image, alignCenter)
	if err != nil {
		return err
	}
	for i := range boxes {
		boxes[i] = lb.Invert(boxes[i])
	}
	return nil
}

// RescaleCornerRows rescales the first four columns [x1,y1,x2,y2] of each row in place
func RescaleCornerRows(rows [][]float32, model, image Size, alignCenter bool) error {
	lb, err := ComputeLetterbox(model, image, alignCenter)
	if err != nil {
		return err
	}
	for _, r := range rows {
		r[0] = (r[0] - lb.PadX) / lb.Gain
		r[1] = (r[1] - lb.PadY) / lb.Gain
		r[2] = (r[2] - lb.PadX) / lb.Gain
		r[3] = (r[3] - lb.PadY) / lb.Gain
	}
	return nil
}
