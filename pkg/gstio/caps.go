package gstio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

// Init initializes GStreamer. It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

// Map a GStreamer video format name to our pixel format, or "" if we can't handle it
func PixelFormatFromGst(format string) pump.PixelFormat {
	switch strings.ToUpper(format) {
	case "RGB":
		return pump.PixelFormatRGB
	case "BGR":
		return pump.PixelFormatBGR
	case "RGBA", "RGBX":
		return pump.PixelFormatRGBA
	case "BGRA", "BGRX":
		return pump.PixelFormatBGRA
	case "GRAY8":
		return pump.PixelFormatGRAY
	}
	return ""
}

// VideoCaps returns the raw video caps string for a format.
// Framerate is variable, because frames are pushed as they come out of the detector.
func VideoCaps(f pump.Format) string {
	return fmt.Sprintf("video/x-raw,format=%v,width=%v,height=%v,framerate=0/1", f.PixelFormat, f.Width, f.Height)
}

// Read the format of a sample's caps
func formatFromCaps(caps *gst.Caps) (pump.Format, error) {
	if caps == nil || caps.GetSize() == 0 {
		return pump.Format{}, fmt.Errorf("sample has no caps")
	}
	st := caps.GetStructureAt(0)
	if st.Name() != "video/x-raw" {
		return pump.Format{}, fmt.Errorf("expected video/x-raw, but got %v", st.Name())
	}
	var f pump.Format
	if v, err := st.GetValue("format"); err == nil {
		s, _ := v.(string)
		f.PixelFormat = PixelFormatFromGst(s)
		if f.PixelFormat == "" {
			return pump.Format{}, fmt.Errorf("unsupported video format '%v'", s)
		}
	} else {
		return pump.Format{}, fmt.Errorf("caps have no format: %w", err)
	}
	w, err := st.GetValue("width")
	if err != nil {
		return pump.Format{}, err
	}
	h, err := st.GetValue("height")
	if err != nil {
		return pump.Format{}, err
	}
	f.Width = toInt(w)
	f.Height = toInt(h)
	if f.Width <= 0 || f.Height <= 0 {
		return pump.Format{}, fmt.Errorf("invalid video size %vx%v", w, h)
	}
	return f, nil
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	}
	return 0
}

// Row stride of GStreamer raw video, which pads every row to a multiple of 4 bytes
func gstStride(f pump.Format) int {
	return (f.Width*f.PixelFormat.BytesPerPixel() + 3) &^ 3
}
