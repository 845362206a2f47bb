// Package gstio connects the frame pump to GStreamer pipelines.
// Frames are pulled from an appsink, and pushed into an appsrc.
package gstio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/logs"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Source pulls decoded frames out of an appsink.
//
// The launch string must end in an appsink with the given name, eg
// "filesrc location=a.mp4 ! decodebin ! videoconvert ! video/x-raw,format=RGB ! appsink name=detect"
type Source struct {
	log      logs.Log
	pipeline *gst.Pipeline
	sink     *app.Sink
	ready    *event.Flag
	eos      atomic.Bool
	nextSeq  atomic.Uint64
	stopBus  context.CancelFunc
	busDone  chan struct{}
	closeMux sync.Mutex
	closed   bool
}

func NewSource(log logs.Log, launch, sinkName string) (*Source, error) {
	Init()
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return nil, fmt.Errorf("source pipeline has no element named '%v': %w", sinkName, err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		return nil, fmt.Errorf("element '%v' is not an appsink", sinkName)
	}
	// The pump is the only consumer, and it pulls at its own pace
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(2))
	sink.SetProperty("drop", false)

	return &Source{
		log:      log,
		pipeline: pipeline,
		sink:     sink,
		ready:    event.NewFlag(false),
	}, nil
}

// Start sets the pipeline playing, and watches its bus until Close
func (s *Source) Start() error {
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start source pipeline: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBus = cancel
	s.busDone = make(chan struct{})
	go s.watchBus(ctx)
	return nil
}

func (s *Source) watchBus(ctx context.Context) {
	defer close(s.busDone)
	bus := s.pipeline.GetPipelineBus()
	for ctx.Err() == nil {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.log.Infof("Source reached end of stream")
			s.endStream()
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Errorf("Source pipeline error: %v (%v)", gerr.Error(), gerr.DebugString())
			// Nothing more will arrive, so let the pump see this as the end of the stream
			s.endStream()
		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				s.onStateChanged(newState)
			}
		}
	}
}

// endStream marks the source finished. Ready stays set from here on, so that
// a pump waiting for the pipeline to play wakes up and sees the end of stream.
func (s *Source) endStream() {
	s.eos.Store(true)
	s.ready.Set()
}

func (s *Source) onStateChanged(state gst.State) {
	if s.eos.Load() {
		return
	}
	s.ready.SetTo(state == gst.StatePlaying)
}

func (s *Source) TryPull(ctx context.Context, timeout time.Duration) *pump.Frame {
	if ctx.Err() != nil {
		return nil
	}
	sample := s.sink.TryPullSample(timeout)
	if sample == nil {
		if s.sink.IsEOS() {
			s.endStream()
		}
		return nil
	}
	frame, err := s.sampleToFrame(sample)
	if err != nil {
		s.log.Warnf("Dropping sample: %v", err)
		return nil
	}
	return frame
}

func (s *Source) sampleToFrame(sample *gst.Sample) (*pump.Frame, error) {
	format, err := formatFromCaps(sample.GetCaps())
	if err != nil {
		return nil, err
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("sample has no buffer")
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	frame := &pump.Frame{
		Pixels:      pixels,
		Width:       format.Width,
		Height:      format.Height,
		Stride:      gstStride(format),
		PixelFormat: format.PixelFormat,
		Seq:         s.nextSeq.Add(1),
	}
	if pts := buffer.PresentationTimestamp(); pts >= 0 {
		frame.PTS = time.Duration(pts)
		frame.HasPTS = true
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *Source) IsEndOfStream() bool {
	return s.eos.Load()
}

func (s *Source) Ready() *event.Flag {
	return s.ready
}

func (s *Source) Close() error {
	s.closeMux.Lock()
	defer s.closeMux.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopBus != nil {
		s.stopBus()
		<-s.busDone
	}
	s.ready.Clear()
	return s.pipeline.SetState(gst.StateNull)
}

var _ pump.Source = (*Source)(nil)
