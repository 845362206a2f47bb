// Package engine is the interface between the detector and an inference runtime
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"gorgonia.org/tensor"
)

var (
	ErrModelLoad   = errors.New("failed to load model")
	ErrUnsupported = errors.New("not supported by this engine")
	ErrNotLoaded   = errors.New("no model loaded")
)

// ModelLoadError is returned when a model file cannot be turned into a runnable session
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model '%v': %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() []error {
	return []error{ErrModelLoad, e.Err}
}

// Device is where inference runs, eg "cpu", "cuda", "cuda:1"
type Device string

const DeviceCPU Device = "cpu"

// Kind returns the device without its index, eg "cuda" for "cuda:1"
func (d Device) Kind() string {
	k, _, _ := strings.Cut(string(d), ":")
	if k == "" {
		return string(DeviceCPU)
	}
	return strings.ToLower(k)
}

// Index returns the device index, eg "1" for "cuda:1", or "0" if there is none
func (d Device) Index() string {
	_, idx, ok := strings.Cut(string(d), ":")
	if !ok || idx == "" {
		return "0"
	}
	return idx
}

// DType is the numeric precision of the model weights, eg "float32"
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

// Engine runs an object detection model.
// An Engine is owned by a single goroutine, and is not safe for concurrent use.
type Engine interface {
	// Load a model from disk, replacing any model that is already loaded
	Load(modelPath string) error

	// To moves the model to a different device or precision
	To(device Device, dtype DType) error

	// Eval puts the model into inference mode
	Eval() error

	// Forward runs the model on a [1, 3, H, W] input, and returns the raw prediction
	Forward(input tensor.Tensor) (tensor.Tensor, error)

	// InputSize is the width and height that the model expects
	InputSize() nn.Size

	Close()
}
