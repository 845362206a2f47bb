// Package reconfig is a queue of deferred changes to a running inference worker.
//
// Commands may be enqueued from any goroutine. They are applied only by the goroutine that
// owns the worker, at a point where no inference call is in flight.
package reconfig

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/nn"
)

type Kind int

const (
	KindSetDevice Kind = iota
	KindSetDType
	KindSetThresholds
	KindLoadModel
	KindSetAlignCenter
)

func (k Kind) String() string {
	switch k {
	case KindSetDevice:
		return "SetDevice"
	case KindSetDType:
		return "SetDType"
	case KindSetThresholds:
		return "SetThresholds"
	case KindLoadModel:
		return "LoadModel"
	case KindSetAlignCenter:
		return "SetAlignCenter"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is one deferred change. Only the fields relevant to Kind are meaningful.
type Command struct {
	Kind        Kind
	Device      string             // KindSetDevice, eg "cpu", "cuda:0"
	DType       string             // KindSetDType, eg "float32", "float16"
	Thresholds  nn.DetectionParams // KindSetThresholds. Zero fields keep their current value.
	ModelPath   string             // KindLoadModel
	ClassesPath string             // KindLoadModel. Optional.
	AlignCenter bool               // KindSetAlignCenter
}

func (c Command) String() string {
	switch c.Kind {
	case KindSetDevice:
		return fmt.Sprintf("SetDevice(%v)", c.Device)
	case KindSetDType:
		return fmt.Sprintf("SetDType(%v)", c.DType)
	case KindSetThresholds:
		return fmt.Sprintf("SetThresholds(conf=%v, iou=%v, maxDet=%v)", c.Thresholds.ConfidenceThreshold, c.Thresholds.NmsIouThreshold, c.Thresholds.MaxDetections)
	case KindLoadModel:
		return fmt.Sprintf("LoadModel(%v)", c.ModelPath)
	case KindSetAlignCenter:
		return fmt.Sprintf("SetAlignCenter(%v)", c.AlignCenter)
	}
	return c.Kind.String()
}

func SetDevice(device string) Command {
	return Command{Kind: KindSetDevice, Device: device}
}

func SetDType(dtype string) Command {
	return Command{Kind: KindSetDType, DType: dtype}
}

func SetThresholds(params nn.DetectionParams) Command {
	return Command{Kind: KindSetThresholds, Thresholds: params}
}

func LoadModel(modelPath, classesPath string) Command {
	return Command{Kind: KindLoadModel, ModelPath: modelPath, ClassesPath: classesPath}
}

func SetAlignCenter(alignCenter bool) Command {
	return Command{Kind: KindSetAlignCenter, AlignCenter: alignCenter}
}

// Applier executes commands. It is only ever called from the goroutine that owns the worker.
type Applier interface {
	ApplyCommand(cmd Command) error
}

// Queue is a thread-safe FIFO of pending commands
type Queue struct {
	lock    sync.Mutex
	pending []Command
}

// Enqueue appends a command. It never blocks for longer than it takes to acquire the lock.
func (q *Queue) Enqueue(cmd Command) {
	q.lock.Lock()
	q.pending = append(q.pending, cmd)
	q.lock.Unlock()
}

// Number of commands waiting to be applied
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queued commands, without removing them
func (q *Queue) Pending() []Command {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([]Command(nil), q.pending...)
}

// Drain removes every queued command and applies them in FIFO order.
// A failing command does not prevent the rest from running.
// Commands enqueued while Drain is running are left for the next Drain.
func (q *Queue) Drain(applier Applier) []error {
	q.lock.Lock()
	cmds := q.pending
	q.pending = nil
	q.lock.Unlock()

	var errs []error
	for _, cmd := range cmds {
		if err := applier.ApplyCommand(cmd); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", cmd, err))
		}
	}
	return errs
}
