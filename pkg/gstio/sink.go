package gstio

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/logs"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Sink pushes frames into an appsrc.
// The appsrc's need-data and enough-data signals drive the pump's backpressure.
//
// Example launch string: "appsrc name=overlay ! videoconvert ! autovideosink"
type Sink struct {
	log      logs.Log
	pipeline *gst.Pipeline
	src      *app.Source
	needData *event.Flag
	lock     sync.Mutex
	format   pump.Format
	closed   bool
}

func NewSink(log logs.Log, launch, srcName string) (*Sink, error) {
	Init()
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sink pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(srcName)
	if err != nil {
		return nil, fmt.Errorf("sink pipeline has no element named '%v': %w", srcName, err)
	}
	src := app.SrcFromElement(elem)
	if src == nil {
		return nil, fmt.Errorf("element '%v' is not an appsrc", srcName)
	}
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", false)

	s := &Sink{
		log:      log,
		pipeline: pipeline,
		src:      src,
		// appsrc asks for data once it is playing. Until then we let frames through
		// so that the first one can establish the caps.
		needData: event.NewFlag(true),
	}
	src.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc: func(self *app.Source, length uint) {
			s.needData.Set()
		},
		EnoughDataFunc: func(self *app.Source) {
			s.needData.Clear()
		},
	})
	return s, nil
}

func (s *Sink) Start() error {
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start sink pipeline: %w", err)
	}
	return nil
}

func (s *Sink) SetFormat(format pump.Format) error {
	if PixelFormatFromGst(string(format.PixelFormat)) == "" {
		return fmt.Errorf("unsupported pixel format '%v'", format.PixelFormat)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	caps := VideoCaps(format)
	s.src.SetCaps(gst.NewCapsFromString(caps))
	s.format = format
	s.log.Infof("Sink caps set to %v", caps)
	return nil
}

func (s *Sink) Push(frame *pump.Frame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return pump.ErrClosed
	}
	if frame.Format() != s.format {
		return fmt.Errorf("frame format %v does not match sink format %v", frame.Format(), s.format)
	}
	buf := gst.NewBufferFromBytes(packRows(frame, gstStride(s.format)))
	if frame.HasPTS {
		buf.SetPresentationTimestamp(frame.PTS)
	}
	if ret := s.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("appsrc refused buffer: %v", ret)
	}
	return nil
}

func (s *Sink) NeedData() *event.Flag {
	return s.needData
}

func (s *Sink) EndOfStream() error {
	if ret := s.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("failed to signal end of stream: %v", ret)
	}
	return nil
}

func (s *Sink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Release the pump if it is waiting for demand
	s.needData.Set()
	return s.pipeline.SetState(gst.StateNull)
}

// Copy the frame's rows into a buffer with the given stride
func packRows(frame *pump.Frame, stride int) []byte {
	if frame.RowStride() == stride && len(frame.Pixels) >= stride*frame.Height {
		return frame.Pixels[:stride*frame.Height]
	}
	rowBytes := frame.Width * frame.PixelFormat.BytesPerPixel()
	out := make([]byte, stride*frame.Height)
	src := frame.RowStride()
	for y := 0; y < frame.Height; y++ {
		copy(out[y*stride:y*stride+rowBytes], frame.Pixels[y*src:y*src+rowBytes])
	}
	return out
}

var _ pump.Sink = (*Sink)(nil)
