package nn

import "time"

// Detection is an object that a neural network has found in an image.
// Box is in the coordinate space of the original image.
type Detection struct {
	LabelID    int     `json:"labelID"`
	Label      string  `json:"label"` // Empty if the class has no name
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FrameDetections is the result of running detection on one frame
type FrameDetections struct {
	FrameID     uint64        `json:"frameID"`
	PTS         time.Duration `json:"pts"`
	ImageWidth  int           `json:"imageWidth"`
	ImageHeight int           `json:"imageHeight"`
	Detections  []Detection   `json:"detections"`
}

// Clone returns a deep copy, so that consumers on other goroutines never share the slice
func (f *FrameDetections) Clone() *FrameDetections {
	c := *f
	c.Detections = append([]Detection(nil), f.Detections...)
	return &c
}
