package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
)

var ErrClosed = errors.New("closed")

// ChanSource is an in-memory Source backed by a bounded channel.
// Frames are stamped with consecutive sequence numbers as they are written.
type ChanSource struct {
	frames    chan *Frame
	ready     *event.Flag
	closed    atomic.Bool
	closeOnce sync.Once
	writeLock sync.Mutex
	nextSeq   uint64
}

func NewChanSource(capacity int) *ChanSource {
	return &ChanSource{
		frames:  make(chan *Frame, capacity),
		ready:   event.NewFlag(true),
		nextSeq: 1,
	}
}

// Write blocks until there is room for the frame, or ctx is done
func (s *ChanSource) Write(ctx context.Context, f *Frame) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	f.Seq = s.nextSeq
	select {
	case s.frames <- f:
		s.nextSeq++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. Frames that are already queued can still be pulled.
func (s *ChanSource) Close() {
	s.closeOnce.Do(func() {
		s.writeLock.Lock()
		s.closed.Store(true)
		close(s.frames)
		s.writeLock.Unlock()
	})
}

// SetReady toggles the readiness flag seen by the pump
func (s *ChanSource) SetReady(ready bool) {
	s.ready.SetTo(ready)
}

func (s *ChanSource) TryPull(ctx context.Context, timeout time.Duration) *Frame {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil
		}
		return f
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *ChanSource) IsEndOfStream() bool {
	return s.closed.Load() && len(s.frames) == 0
}

func (s *ChanSource) Ready() *event.Flag {
	return s.ready
}

// ChanSink is an in-memory Sink backed by a bounded channel.
// It asks for more data while its channel has room, so a slow reader
// holds the pump back instead of frames piling up.
type ChanSink struct {
	C         chan *Frame
	needData  *event.Flag
	lock      sync.Mutex
	format    Format
	formatSet int
	eos       atomic.Bool
}

func NewChanSink(capacity int) *ChanSink {
	return &ChanSink{
		C:        make(chan *Frame, capacity),
		needData: event.NewFlag(true),
	}
}

func (s *ChanSink) Push(frame *Frame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	select {
	case s.C <- frame:
	default:
		return errors.New("sink is full")
	}
	if len(s.C) == cap(s.C) {
		s.needData.Clear()
	}
	return nil
}

// Receive takes the next frame, and re-opens demand
func (s *ChanSink) Receive(ctx context.Context) (*Frame, error) {
	select {
	case f := <-s.C:
		s.lock.Lock()
		s.needData.Set()
		s.lock.Unlock()
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChanSink) SetFormat(format Format) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.format = format
	s.formatSet++
	return nil
}

// Format returns the most recent format, and the number of times it has been set
func (s *ChanSink) Format() (Format, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.format, s.formatSet
}

func (s *ChanSink) NeedData() *event.Flag {
	return s.needData
}

func (s *ChanSink) EndOfStream() error {
	s.eos.Store(true)
	return nil
}

func (s *ChanSink) IsEndOfStream() bool {
	return s.eos.Load()
}
