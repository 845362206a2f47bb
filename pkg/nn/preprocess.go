package nn

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"
)

// LetterboxFill is the grey used to pad letterboxed images
var LetterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// LetterboxImage scales img to fit inside modelSize, preserving aspect ratio, and pads the rest.
// When alignCenter is false the image sits in the top-left corner.
// The returned Letterbox maps model coordinates back to img coordinates via Invert.
func LetterboxImage(img image.Image, modelSize Size, alignCenter bool) (*image.NRGBA, Letterbox, error) {
	b := img.Bounds()
	lb, err := ComputeLetterbox(modelSize, MakeSize(b.Dx(), b.Dy()), alignCenter)
	if err != nil {
		return nil, Letterbox{}, err
	}
	mw := int(modelSize.Width)
	mh := int(modelSize.Height)
	nw := min(mw, int(math.Round(float64(b.Dx())*float64(lb.Gain))))
	nh := min(mh, int(math.Round(float64(b.Dy())*float64(lb.Gain))))

	var resized image.Image = img
	if nw != b.Dx() || nh != b.Dy() {
		resized = imaging.Resize(img, nw, nh, imaging.Linear)
	}
	dst := imaging.New(mw, mh, LetterboxFill)
	dst = imaging.Paste(dst, resized, image.Pt(int(lb.PadX), int(lb.PadY)))
	return dst, lb, nil
}

// ImageToTensor produces a [1, 3, H, W] float32 tensor with values in [0, 1]
func ImageToTensor(img *image.NRGBA) tensor.Tensor {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(src[x*4]) / 255
			data[plane+i] = float32(src[x*4+1]) / 255
			data[2*plane+i] = float32(src[x*4+2]) / 255
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(data))
}
