package pump

import "github.com/cyclopcam/livedetect/pkg/nn"

// Events sent by a pump and its worker through event.Sender

// NewDetections is sent by a detecting worker after every processed frame
type NewDetections struct {
	Result *nn.FrameDetections
}

// Error is sent when setup fails, when a reconfiguration command fails,
// or when the worker panics.
type Error struct {
	Message string
	Err     error
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Warning is a per-frame problem that did not stop the pump
type Warning struct {
	Seq     uint64
	Message string
	Err     error
}

// EndOfStream is sent when the source runs dry. The pump pauses itself after sending it.
type EndOfStream struct{}

// Finished is always the last event sent by a pump
type Finished struct {
	NumProcessedFrames uint64
}
