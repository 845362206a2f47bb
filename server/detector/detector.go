// Package detector is the pump worker that runs YOLO object detection on every frame
package detector

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/log"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/perfstats"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/livedetect/server/overlay"
	"github.com/cyclopcam/logs"
)

type Options struct {
	ModelPath    string
	ClassesPath  string   // One class per line. Empty means Classes.
	Classes      []string // Used when ClassesPath is empty. Empty means COCO.
	Device       engine.Device
	DType        engine.DType
	Params       nn.DetectionParams
	AlignCenter  bool
	StrictLabels bool
	Version      nn.ModelVersion   // Leave as VersionUnknown to deduce from the tensor shape
	NumMasks     int               // Mask coefficients per row, for segmentation models
	MergeMap     map[string]string // eg nn.COCOMergeMap
	Overlay      bool              // Draw boxes on the output frames
	Verbose      bool              // Log every detection
}

func DefaultOptions() Options {
	return Options{
		Device:      engine.DeviceCPU,
		DType:       engine.Float32,
		Params:      nn.NewDetectionParams(),
		AlignCenter: true,
	}
}

// Stats are average timings in nanoseconds, updated after every frame
type Stats struct {
	Frames         uint64        `json:"frames"`
	Detections     uint64        `json:"detections"`
	AvgPrepare     time.Duration `json:"avgPrepare"`
	AvgInference   time.Duration `json:"avgInference"`
	AvgPostProcess time.Duration `json:"avgPostProcess"`
}

// Detector is a pump.Worker and a reconfig.Applier.
// Everything except Stats runs on the pump goroutine, so the model state needs no locking.
type Detector struct {
	Log    *log.PrefixLogger
	events *event.Sender
	engine engine.Engine
	opt    Options
	post   *nn.PostProcessor
	render *overlay.Renderer
	params atomic.Pointer[nn.DetectionParams] // Copy of post.Params for other goroutines

	frames          atomic.Uint64
	detections      atomic.Uint64
	avgPrepareNS    atomic.Int64
	avgInferenceNS  atomic.Int64
	avgPostProcesNS atomic.Int64
}

func New(logger logs.Log, eng engine.Engine, events *event.Sender, opt Options) (*Detector, error) {
	if eng == nil {
		return nil, errors.New("detector needs an engine")
	}
	if events == nil {
		return nil, errors.New("detector needs an event sender")
	}
	if opt.Device == "" {
		opt.Device = engine.DeviceCPU
	}
	if opt.DType == "" {
		opt.DType = engine.Float32
	}
	opt.Params = opt.Params.WithDefaults()
	return &Detector{
		Log:    log.NewPrefixLogger(logger, "Detector:"),
		events: events,
		engine: eng,
		opt:    opt,
	}, nil
}

// Setup loads the model. A failure here aborts the pump before any frame is pulled.
func (d *Detector) Setup() error {
	if err := d.loadModel(d.opt.ModelPath, d.opt.ClassesPath); err != nil {
		return err
	}
	if err := d.engine.To(d.opt.Device, d.opt.DType); err != nil {
		return err
	}
	if d.opt.Overlay {
		r, err := overlay.NewRenderer(max(d.opt.Params.MaxDetections, overlay.DefaultCapacity))
		if err != nil {
			return err
		}
		d.render = r
	}
	return nil
}

func (d *Detector) Cleanup() {
	d.engine.Close()
}

func (d *Detector) Forward(frame *pump.Frame) (*pump.Frame, error) {
	start := time.Now()
	img, err := frame.ToNRGBA()
	if err != nil {
		return nil, err
	}
	imageSize := nn.MakeSize(frame.Width, frame.Height)
	modelSize := d.engine.InputSize()
	boxed, _, err := nn.LetterboxImage(img, modelSize, d.post.AlignCenter)
	if err != nil {
		return nil, err
	}
	input := nn.ImageToTensor(boxed)
	perfstats.UpdateMovingAverage(&d.avgPrepareNS, time.Since(start).Nanoseconds())

	start = time.Now()
	raw, err := d.engine.Forward(input)
	if err != nil {
		return nil, err
	}
	perfstats.UpdateMovingAverage(&d.avgInferenceNS, time.Since(start).Nanoseconds())

	start = time.Now()
	dets, err := d.post.Process(raw, imageSize, modelSize)
	if err != nil {
		return nil, err
	}
	perfstats.UpdateMovingAverage(&d.avgPostProcesNS, time.Since(start).Nanoseconds())

	d.frames.Add(1)
	d.detections.Add(uint64(len(dets)))
	if d.opt.Verbose {
		d.Log.Infof("Frame %v: %v", frame.Seq, Describe(dets))
	}

	result := &nn.FrameDetections{
		FrameID:     frame.Seq,
		PTS:         frame.PTS,
		ImageWidth:  frame.Width,
		ImageHeight: frame.Height,
		Detections:  dets,
	}
	d.events.SendEvent(pump.NewDetections{Result: result})

	if d.render == nil {
		return frame, nil
	}
	drawn, err := d.render.Render(img, dets)
	if err != nil {
		return nil, err
	}
	pf := frame.PixelFormat
	if pf == pump.PixelFormatGRAY {
		pf = pump.PixelFormatRGB
	}
	return pump.FrameFromNRGBA(drawn, pf)
}

// Params returns the detection thresholds in effect. Safe to call from any goroutine.
func (d *Detector) Params() nn.DetectionParams {
	if p := d.params.Load(); p != nil {
		return *p
	}
	return d.opt.Params
}

func (d *Detector) setParams(p nn.DetectionParams) {
	d.post.Params = p
	d.params.Store(&p)
}

func (d *Detector) Stats() Stats {
	return Stats{
		Frames:         d.frames.Load(),
		Detections:     d.detections.Load(),
		AvgPrepare:     time.Duration(d.avgPrepareNS.Load()),
		AvgInference:   time.Duration(d.avgInferenceNS.Load()),
		AvgPostProcess: time.Duration(d.avgPostProcesNS.Load()),
	}
}

// Load a model and its class names, and build a fresh post-processor for it.
// The previous post-processor's settings carry over, but its cached layout does not.
func (d *Detector) loadModel(modelPath, classesPath string) error {
	classes := nn.COCOClasses
	if len(d.opt.Classes) != 0 {
		classes = d.opt.Classes
	}
	if classesPath != "" {
		var err error
		classes, err = nn.LoadClassFile(classesPath)
		if err != nil {
			return &engine.ModelLoadError{Path: classesPath, Err: err}
		}
	}
	if err := d.engine.Load(modelPath); err != nil {
		return err
	}
	if err := d.engine.Eval(); err != nil {
		return err
	}
	if !d.engine.InputSize().IsValid() {
		return &engine.ModelLoadError{Path: modelPath, Err: fmt.Errorf("invalid input size %v", d.engine.InputSize())}
	}

	post := nn.NewPostProcessor(classes)
	if d.post != nil {
		post.Params = d.post.Params
		post.AlignCenter = d.post.AlignCenter
	} else {
		post.Params = d.opt.Params
		post.AlignCenter = d.opt.AlignCenter
	}
	post.StrictLabels = d.opt.StrictLabels
	post.Version = d.opt.Version
	post.NumMasks = d.opt.NumMasks
	post.MergeMap = d.opt.MergeMap
	d.post = post
	d.setParams(post.Params)
	d.Log.Infof("Model %v ready with %v classes", modelPath, len(classes))
	return nil
}

// Describe formats detections for the log, eg "person 0.91 (10,20,30,40), car 0.50 (...)"
func Describe(dets []nn.Detection) string {
	if len(dets) == 0 {
		return "no objects"
	}
	parts := make([]string, 0, len(dets))
	for _, det := range dets {
		parts = append(parts, fmt.Sprintf("%v (%.0f,%.0f,%.0f,%.0f)", overlay.Caption(det), det.Box.X, det.Box.Y, det.Box.Width, det.Box.Height))
	}
	return strings.Join(parts, ", ")
}

var _ pump.Worker = (*Detector)(nil)
