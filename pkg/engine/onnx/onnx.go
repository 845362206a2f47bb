// Package onnx runs YOLO models through ONNX Runtime
package onnx

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/buildinfo"
	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var (
	initLock    sync.Mutex
	initialized bool
)

// LibraryName is the ONNX Runtime shared library that we search for when no path is given
const LibraryName = "libonnxruntime.so"

// Initialize loads the ONNX Runtime shared library. It is safe to call more than once.
// If libPath is empty, we search the usual library directories, and then fall back
// to letting the dynamic loader find it.
func Initialize(libPath string) error {
	initLock.Lock()
	defer initLock.Unlock()
	if initialized {
		return nil
	}
	if libPath == "" {
		libPath = buildinfo.FindLibrary(LibraryName)
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	initialized = true
	return nil
}

// Shutdown releases the ONNX Runtime environment
func Shutdown() {
	initLock.Lock()
	defer initLock.Unlock()
	if initialized {
		ort.DestroyEnvironment()
		initialized = false
	}
}

type Options struct {
	LibraryPath string
	InputName   string  // Defaults to "images"
	OutputName  string  // Defaults to "output0"
	InputSize   nn.Size // Used when the model has dynamic spatial dimensions
	Threads     int     // Intra-op threads. Zero lets onnxruntime decide.
}

// Engine is an engine.Engine backed by an onnxruntime session
type Engine struct {
	log     logs.Log
	opt     Options
	device  engine.Device
	dtype   engine.DType
	path    string
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inSize  nn.Size
}

func New(log logs.Log, opt Options) (*Engine, error) {
	if opt.InputName == "" {
		opt.InputName = "images"
	}
	if opt.OutputName == "" {
		opt.OutputName = "output0"
	}
	if err := Initialize(opt.LibraryPath); err != nil {
		return nil, err
	}
	return &Engine{
		log:    log,
		opt:    opt,
		device: engine.DeviceCPU,
		dtype:  engine.Float32,
	}, nil
}

func (e *Engine) Load(modelPath string) error {
	if _, err := os.Stat(modelPath); err != nil {
		return &engine.ModelLoadError{Path: modelPath, Err: err}
	}
	if err := e.createSession(modelPath); err != nil {
		return &engine.ModelLoadError{Path: modelPath, Err: err}
	}
	e.path = modelPath
	e.log.Infof("Loaded %v (input %vx%v, device %v)", modelPath, e.inSize.Width, e.inSize.Height, e.device)
	return nil
}

func (e *Engine) To(device engine.Device, dtype engine.DType) error {
	if dtype == "" {
		dtype = e.dtype
	}
	if device == "" {
		device = e.device
	}
	if dtype != engine.Float32 {
		return fmt.Errorf("dtype %v: %w", dtype, engine.ErrUnsupported)
	}
	switch device.Kind() {
	case "cpu", "cuda":
	default:
		return fmt.Errorf("device %v: %w", device, engine.ErrUnsupported)
	}
	if device == e.device && dtype == e.dtype {
		return nil
	}
	prevDevice := e.device
	e.device = device
	e.dtype = dtype
	if e.path == "" {
		return nil
	}
	// Execution providers are bound to the session, so it must be rebuilt
	if err := e.createSession(e.path); err != nil {
		e.device = prevDevice
		if rerr := e.createSession(e.path); rerr != nil {
			e.log.Errorf("Failed to restore session on %v: %v", prevDevice, rerr)
		}
		return fmt.Errorf("failed to move model to %v: %w", device, err)
	}
	e.log.Infof("Model moved to %v", device)
	return nil
}

// Eval is a no-op, because an onnx graph is always in inference mode
func (e *Engine) Eval() error {
	return nil
}

func (e *Engine) InputSize() nn.Size {
	return e.inSize
}

func (e *Engine) Forward(input tensor.Tensor) (tensor.Tensor, error) {
	if e.session == nil {
		return nil, engine.ErrNotLoaded
	}
	src, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("input must be float32, not %v: %w", input.Dtype(), nn.ErrInvalidArgument)
	}
	dst := e.input.GetData()
	if len(src) != len(dst) {
		return nil, fmt.Errorf("input has %v elements, but model expects %v (shape %v): %w", len(src), len(dst), e.input.GetShape(), nn.ErrInvalidShape)
	}
	copy(dst, src)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := e.output.GetData()
	backing := make([]float32, len(out))
	copy(backing, out)
	shape := e.output.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)), nil
}

func (e *Engine) Close() {
	e.destroySession()
	e.path = ""
}

func (e *Engine) destroySession() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
}

func (e *Engine) createSession(modelPath string) error {
	inShape, outShape, err := e.modelShapes(modelPath)
	if err != nil {
		return err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if e.opt.Threads > 0 {
		if err := options.SetIntraOpNumThreads(e.opt.Threads); err != nil {
			return err
		}
	}
	if e.device.Kind() == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": e.device.Index()}); err != nil {
			return err
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("CUDA is not available: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return fmt.Errorf("error creating output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{e.opt.InputName},
		[]string{e.opt.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return fmt.Errorf("error creating session: %w", err)
	}

	e.destroySession()
	e.session = session
	e.input = input
	e.output = output
	e.inSize = nn.MakeSize(int(inShape[3]), int(inShape[2]))
	return nil
}

// modelShapes reads the input and output shapes from the model file.
// Dynamic dimensions on the input are filled in from Options.InputSize.
func (e *Engine) modelShapes(modelPath string) (ort.Shape, ort.Shape, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, err
	}
	var inShape, outShape ort.Shape
	for _, in := range inputs {
		if in.Name == e.opt.InputName {
			inShape = in.Dimensions.Clone()
		}
	}
	for _, out := range outputs {
		if out.Name == e.opt.OutputName {
			outShape = out.Dimensions.Clone()
		}
	}
	if len(inShape) != 4 {
		return nil, nil, fmt.Errorf("input '%v' must have shape [N,3,H,W], found %v", e.opt.InputName, inShape)
	}
	if outShape == nil {
		return nil, nil, fmt.Errorf("output '%v' not found", e.opt.OutputName)
	}
	if inShape[0] <= 0 {
		inShape[0] = 1
	}
	if inShape[2] <= 0 || inShape[3] <= 0 {
		if !e.opt.InputSize.IsValid() {
			return nil, nil, errors.New("model has dynamic input size, so InputSize must be specified")
		}
		inShape[2] = int64(e.opt.InputSize.Height)
		inShape[3] = int64(e.opt.InputSize.Width)
	}
	if outShape[0] <= 0 {
		outShape[0] = 1
	}
	for _, d := range outShape {
		if d <= 0 {
			return nil, nil, fmt.Errorf("dynamic output shape %v: %w", outShape, engine.ErrUnsupported)
		}
	}
	return inShape, outShape, nil
}

var _ engine.Engine = (*Engine)(nil)
