package pump

import (
	"fmt"
	"image"
	"time"
)

type PixelFormat string

const (
	PixelFormatRGB  PixelFormat = "RGB"
	PixelFormatBGR  PixelFormat = "BGR"
	PixelFormatRGBA PixelFormat = "RGBA"
	PixelFormatBGRA PixelFormat = "BGRA"
	PixelFormatGRAY PixelFormat = "GRAY8"
)

// Number of bytes per pixel, or 0 for an unknown format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB, PixelFormatBGR:
		return 3
	case PixelFormatRGBA, PixelFormatBGRA:
		return 4
	case PixelFormatGRAY:
		return 1
	}
	return 0
}

// Format describes the frames flowing into a sink
type Format struct {
	PixelFormat PixelFormat
	Width       int
	Height      int
}

func (f Format) String() string {
	return fmt.Sprintf("%v %vx%v", f.PixelFormat, f.Width, f.Height)
}

// Frame is a decoded video frame.
// Seq increases monotonically for the lifetime of a source.
type Frame struct {
	Pixels      []byte
	Width       int
	Height      int
	Stride      int // Bytes per row. Zero means Width * BytesPerPixel.
	PixelFormat PixelFormat
	Seq         uint64
	PTS         time.Duration // Presentation timestamp. Only meaningful if HasPTS is true.
	HasPTS      bool
}

func (f *Frame) Format() Format {
	return Format{PixelFormat: f.PixelFormat, Width: f.Width, Height: f.Height}
}

func (f *Frame) RowStride() int {
	if f.Stride != 0 {
		return f.Stride
	}
	return f.Width * f.PixelFormat.BytesPerPixel()
}

// Validate checks that the pixel buffer is large enough for the declared dimensions
func (f *Frame) Validate() error {
	bpp := f.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format '%v'", f.PixelFormat)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %vx%v", f.Width, f.Height)
	}
	stride := f.RowStride()
	if stride < f.Width*bpp {
		return fmt.Errorf("stride %v is too small for width %v", stride, f.Width)
	}
	if len(f.Pixels) < stride*(f.Height-1)+f.Width*bpp {
		return fmt.Errorf("pixel buffer of %v bytes is too small for %vx%v %v", len(f.Pixels), f.Width, f.Height, f.PixelFormat)
	}
	return nil
}

// CopyMetadata copies the sequence number and timestamp from src
func (f *Frame) CopyMetadata(src *Frame) {
	f.Seq = src.Seq
	f.PTS = src.PTS
	f.HasPTS = src.HasPTS
}

// ToNRGBA converts the frame to an image that the imaging libraries understand
func (f *Frame) ToNRGBA() (*image.NRGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	stride := f.RowStride()
	for y := 0; y < f.Height; y++ {
		src := f.Pixels[y*stride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			d := dst[x*4 : x*4+4]
			switch f.PixelFormat {
			case PixelFormatRGB:
				d[0], d[1], d[2], d[3] = src[x*3], src[x*3+1], src[x*3+2], 255
			case PixelFormatBGR:
				d[0], d[1], d[2], d[3] = src[x*3+2], src[x*3+1], src[x*3], 255
			case PixelFormatRGBA:
				d[0], d[1], d[2], d[3] = src[x*4], src[x*4+1], src[x*4+2], src[x*4+3]
			case PixelFormatBGRA:
				d[0], d[1], d[2], d[3] = src[x*4+2], src[x*4+1], src[x*4], src[x*4+3]
			case PixelFormatGRAY:
				d[0], d[1], d[2], d[3] = src[x], src[x], src[x], 255
			}
		}
	}
	return img, nil
}

// FrameFromNRGBA converts an image into a frame of the given pixel format
func FrameFromNRGBA(img *image.NRGBA, pf PixelFormat) (*Frame, error) {
	bpp := pf.BytesPerPixel()
	if bpp == 0 || pf == PixelFormatGRAY {
		return nil, fmt.Errorf("cannot convert to pixel format '%v'", pf)
	}
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	f := &Frame{
		Pixels:      make([]byte, w*h*bpp),
		Width:       w,
		Height:      h,
		PixelFormat: pf,
	}
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := f.Pixels[y*w*bpp:]
		for x := 0; x < w; x++ {
			s := src[x*4 : x*4+4]
			switch pf {
			case PixelFormatRGB:
				dst[x*3], dst[x*3+1], dst[x*3+2] = s[0], s[1], s[2]
			case PixelFormatBGR:
				dst[x*3], dst[x*3+1], dst[x*3+2] = s[2], s[1], s[0]
			case PixelFormatRGBA:
				copy(dst[x*4:x*4+4], s)
			case PixelFormatBGRA:
				dst[x*4], dst[x*4+1], dst[x*4+2], dst[x*4+3] = s[2], s[1], s[0], s[3]
			}
		}
	}
	return f, nil
}
