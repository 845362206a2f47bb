package pump

import (
	"context"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
)

// Source produces decoded frames
type Source interface {
	// TryPull waits at most 'timeout' for the next frame.
	// Returns nil on timeout, at end of stream, or if ctx is cancelled.
	TryPull(ctx context.Context, timeout time.Duration) *Frame

	// IsEndOfStream is true once the source will never produce another frame
	IsEndOfStream() bool

	// Ready is set while the source is able to produce frames.
	// A nil flag means the source is always ready.
	Ready() *event.Flag
}

// Sink consumes frames produced by the worker
type Sink interface {
	Push(frame *Frame) error

	// SetFormat is called before the first frame, and whenever the format changes
	SetFormat(format Format) error

	// NeedData is set while the sink wants more data, and cleared when it has enough.
	// A nil flag means the sink never applies backpressure.
	NeedData() *event.Flag

	// EndOfStream tells the sink that no more frames will follow
	EndOfStream() error
}

// Worker is the inference step run by the pump for every frame.
// All three methods are called on the pump's goroutine.
type Worker interface {
	// Setup is called once, before the first frame. If it fails, the pump aborts.
	// A failing Setup must release whatever it acquired, because Cleanup is not called.
	Setup() error

	// Forward processes one frame. The returned frame is pushed to the sink, if there is one.
	// Returning an error skips the frame.
	Forward(frame *Frame) (*Frame, error)

	// Cleanup is called once, after the last frame
	Cleanup()
}

// WorkerFunc adapts a function into a Worker with no setup or cleanup
type WorkerFunc func(frame *Frame) (*Frame, error)

func (f WorkerFunc) Setup() error {
	return nil
}

func (f WorkerFunc) Forward(frame *Frame) (*Frame, error) {
	return f(frame)
}

func (f WorkerFunc) Cleanup() {
}
