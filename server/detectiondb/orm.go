package detectiondb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// DetectionFrame is the result of running the detector on one frame
type DetectionFrame struct {
	BaseModel
	Session    string                       `json:"session"`    // Random ID of the pump run that produced this frame
	Time       dbh.IntTime                  `json:"time"`       // Wall clock time when the result was recorded
	FrameID    int64                        `json:"frameID"`    // Sequence number of the frame within its session
	PTS        int64                        `json:"pts"`        // Presentation timestamp in milliseconds
	Width      int                          `json:"width"`      // Image width
	Height     int                          `json:"height"`     // Image height
	NumObjects int                          `json:"numObjects"` // len(Objects.Data)
	Objects    *dbh.JSONField[[]ObjectJSON] `json:"objects"`
}

func (DetectionFrame) TableName() string {
	return "detection_frame"
}

// ObjectJSON is one detected object
type ObjectJSON struct {
	Class      int      `json:"class"`
	Label      string   `json:"label"`
	Box        [4]int16 `json:"box"` // [X1,Y1,X2,Y2]
	Confidence float32  `json:"confidence"`
}
