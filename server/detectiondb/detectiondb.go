// Package detectiondb records detection results into an SQLite database
package detectiondb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/gen"
	"github.com/cyclopcam/livedetect/pkg/log"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Number of results that can wait for the write thread before we start dropping them
const queueSize = 256

// Maximum number of frames written in one INSERT
const maxBatch = 64

type Options struct {
	SkipEmpty     bool          // Don't record frames with no detections
	FlushInterval time.Duration // How long results may wait before being written. Zero means 1 second.
}

// DetectionDB listens for detection events, and writes them to the database on its own goroutine,
// so that the pump never waits on disk IO.
type DetectionDB struct {
	log      *log.PrefixLogger
	db       *gorm.DB
	opt      Options
	session  string
	queue    chan *nn.FrameDetections
	shutdown chan bool
	closed   chan bool
	written  atomic.Uint64
	dropped  atomic.Uint64
}

// Open or create a detection DB
func Open(logger logs.Log, dbFilename string, opt Options) (*DetectionDB, error) {
	plog := log.NewPrefixLogger(logger, "DetectionDB:")
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create detection DB path: %w", err)
	}
	plog.Infof("Opening DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(plog, dbh.MakeSqliteConfig(dbFilename), Migrations(plog), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open detection database %v: %w", dbFilename, err)
	}
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = time.Second
	}
	self := &DetectionDB{
		log:      plog,
		db:       db,
		opt:      opt,
		session:  uuid.NewString(),
		queue:    make(chan *nn.FrameDetections, queueSize),
		shutdown: make(chan bool),
		closed:   make(chan bool),
	}
	go self.writeThread()
	return self, nil
}

// Session is the random ID that tags every frame written by this instance
func (d *DetectionDB) Session() string {
	return d.session
}

// Close flushes pending results, and closes the database
func (d *DetectionDB) Close() {
	close(d.shutdown)
	<-d.closed
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
	d.log.Infof("Closed after writing %v frames (%v dropped)", d.written.Load(), d.dropped.Load())
}

// OnEvent implements event.Listener
func (d *DetectionDB) OnEvent(sender *event.Sender, ev any) {
	nd, ok := ev.(pump.NewDetections)
	if !ok || nd.Result == nil {
		return
	}
	d.Add(nd.Result)
}

// Add queues a result for writing. If the write thread is falling behind, the result is dropped.
func (d *DetectionDB) Add(result *nn.FrameDetections) {
	if d.opt.SkipEmpty && len(result.Detections) == 0 {
		return
	}
	select {
	case d.queue <- result.Clone():
	default:
		if d.dropped.Add(1) == 1 {
			d.log.Warnf("Write queue is full. Dropping results.")
		}
	}
}

func (d *DetectionDB) Written() uint64 {
	return d.written.Load()
}

func (d *DetectionDB) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *DetectionDB) writeThread() {
	defer close(d.closed)
	ticker := time.NewTicker(d.opt.FlushInterval)
	defer ticker.Stop()
	batch := []DetectionFrame{}
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.db.Create(&batch).Error; err != nil {
			d.log.Errorf("Failed to write %v frames to DB: %v", len(batch), err)
		} else {
			d.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-d.shutdown:
			for _, r := range gen.DrainChannelIntoSlice(d.queue) {
				batch = append(batch, d.makeRecord(r))
				if len(batch) >= maxBatch {
					flush()
				}
			}
			flush()
			return
		case r := <-d.queue:
			batch = append(batch, d.makeRecord(r))
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *DetectionDB) makeRecord(r *nn.FrameDetections) DetectionFrame {
	var objects dbh.JSONField[[]ObjectJSON]
	objects.Data = make([]ObjectJSON, 0, len(r.Detections))
	for _, det := range r.Detections {
		objects.Data = append(objects.Data, ObjectJSON{
			Class: det.LabelID,
			Label: det.Label,
			Box: [4]int16{
				int16(gen.Clamp(det.Box.X, -32768, 32767)),
				int16(gen.Clamp(det.Box.Y, -32768, 32767)),
				int16(gen.Clamp(det.Box.X2(), -32768, 32767)),
				int16(gen.Clamp(det.Box.Y2(), -32768, 32767)),
			},
			Confidence: det.Confidence,
		})
	}
	return DetectionFrame{
		Session:    d.session,
		Time:       dbh.MakeIntTime(time.Now()),
		FrameID:    int64(r.FrameID),
		PTS:        r.PTS.Milliseconds(),
		Width:      r.ImageWidth,
		Height:     r.ImageHeight,
		NumObjects: len(objects.Data),
		Objects:    &objects,
	}
}
