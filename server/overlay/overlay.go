// Package overlay draws detection boxes on top of video frames
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// ErrInsufficientCapacity is returned when a frame needs more display items than the pool holds.
// This means the overlay was sized for fewer detections than the detector is allowed to produce.
var ErrInsufficientCapacity = errors.New("insufficient display item capacity")

// DefaultCapacity matches nn.DefaultMaxDetections
const DefaultCapacity = nn.DefaultMaxDetections

var (
	fontOnce sync.Once
	fontErr  error
	ttf      *truetype.Font
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		ttf, fontErr = truetype.Parse(goregular.TTF)
	})
	return ttf, fontErr
}

// Item is one box and its caption
type Item struct {
	Rect    image.Rectangle
	Caption string
	Color   color.NRGBA
	visible bool
}

// Renderer owns a fixed pool of display items, which are reused for every frame
type Renderer struct {
	LineWidth float64
	FontSize  float64
	items     []Item
	face      font.Face
}

func NewRenderer(capacity int) (*Renderer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("overlay capacity must be positive, not %v", capacity)
	}
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("failed to load overlay font: %w", err)
	}
	return &Renderer{
		LineWidth: 2,
		FontSize:  14,
		items:     make([]Item, capacity),
		face:      truetype.NewFace(f, &truetype.Options{Size: 14}),
	}, nil
}

func (r *Renderer) Capacity() int {
	return len(r.items)
}

// Acquire marks the first n display items as visible, and hides the rest
func (r *Renderer) Acquire(n int) ([]Item, error) {
	if n > len(r.items) {
		return nil, fmt.Errorf("%w: need %v, have %v", ErrInsufficientCapacity, n, len(r.items))
	}
	for i := range r.items {
		r.items[i].visible = i < n
	}
	return r.items[:n], nil
}

// Render returns a copy of img with the detections drawn on it
func (r *Renderer) Render(img image.Image, detections []nn.Detection) (*image.NRGBA, error) {
	items, err := r.Acquire(len(detections))
	if err != nil {
		return nil, err
	}
	for i, d := range detections {
		items[i].Rect = d.Box.Rect()
		items[i].Caption = Caption(d)
		items[i].Color = ClassColor(d.LabelID)
	}

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(r.face)
	dc.SetLineWidth(r.LineWidth)
	for _, it := range items {
		if !it.visible {
			continue
		}
		dc.SetColor(it.Color)
		dc.DrawRectangle(float64(it.Rect.Min.X), float64(it.Rect.Min.Y), float64(it.Rect.Dx()), float64(it.Rect.Dy()))
		dc.Stroke()

		// Caption sits on a filled tab just above the box, or inside it when the box touches the top
		tw, th := dc.MeasureString(it.Caption)
		x := float64(it.Rect.Min.X)
		y := float64(it.Rect.Min.Y) - th - 4
		if y < 0 {
			y = float64(it.Rect.Min.Y)
		}
		dc.DrawRectangle(x, y, tw+6, th+4)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawStringAnchored(it.Caption, x+3, y+2, 0, 1)
	}
	return imaging.Clone(dc.Image()), nil
}

func Caption(d nn.Detection) string {
	label := d.Label
	if label == "" {
		label = fmt.Sprintf("class %v", d.LabelID)
	}
	return fmt.Sprintf("%v %.2f", label, d.Confidence)
}

var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 0, G: 24, B: 236, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
}

// ClassColor gives each class a stable color
func ClassColor(class int) color.NRGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}
