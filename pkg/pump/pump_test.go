package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/reconfig"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testFrame(w, h int) *Frame {
	return &Frame{
		Pixels:      make([]byte, w*h*3),
		Width:       w,
		Height:      h,
		PixelFormat: PixelFormatRGB,
	}
}

func newTestPump(t *testing.T, cfg Config) (*Pump, *event.ChanListener) {
	p, err := New(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	l := event.NewChanListener(1000)
	p.Events().AddListener(l)
	return p, l
}

// Wait for an event that satisfies 'match', discarding others
func waitForEvent(t *testing.T, l *event.ChanListener, timeout time.Duration, match func(ev any) bool) any {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-l.C:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func isEOS(ev any) bool {
	_, ok := ev.(EndOfStream)
	return ok
}

func isFinished(ev any) bool {
	_, ok := ev.(Finished)
	return ok
}

func isError(ev any) bool {
	_, ok := ev.(Error)
	return ok
}

// Writes n frames into a new source, and closes it
func filledSource(t *testing.T, n int) *ChanSource {
	src := NewChanSource(n)
	for i := 0; i < n; i++ {
		f := testFrame(4, 2)
		f.PTS = time.Duration(i) * 40 * time.Millisecond
		f.HasPTS = true
		require.NoError(t, src.Write(context.Background(), f))
	}
	src.Close()
	return src
}

// Produces frames forever
type endlessSource struct {
	seq atomic.Uint64
}

func (s *endlessSource) TryPull(ctx context.Context, timeout time.Duration) *Frame {
	f := testFrame(4, 2)
	f.Seq = s.seq.Add(1)
	return f
}

func (s *endlessSource) IsEndOfStream() bool { return false }
func (s *endlessSource) Ready() *event.Flag  { return nil }

func TestPumpProcessesInOrder(t *testing.T) {
	src := filledSource(t, 5)
	sink := NewChanSink(10)
	var seen []uint64
	worker := WorkerFunc(func(f *Frame) (*Frame, error) {
		seen = append(seen, f.Seq)
		// A brand new frame, so that the pump must carry the metadata over
		return testFrame(f.Width, f.Height), nil
	})
	p, l := newTestPump(t, Config{Source: src, Sink: sink, Worker: worker})
	require.Equal(t, StateCreated, p.State())
	p.Go()
	p.Start()
	waitForEvent(t, l, time.Second, isEOS)

	require.Equal(t, uint64(5), p.NumProcessedFrames())
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
	require.True(t, sink.IsEndOfStream())
	require.True(t, p.IsPaused())
	require.Equal(t, StatePaused, p.State())

	for i := 0; i < 5; i++ {
		f, err := sink.Receive(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), f.Seq)
		require.True(t, f.HasPTS)
		require.Equal(t, time.Duration(i)*40*time.Millisecond, f.PTS)
	}
	format, nset := sink.Format()
	require.Equal(t, Format{PixelFormat: PixelFormatRGB, Width: 4, Height: 2}, format)
	require.Equal(t, 1, nset)

	stats := p.Stats()
	require.Equal(t, uint64(5), stats.Pushed)
	require.Equal(t, uint64(1), stats.EndOfStreams)

	require.NoError(t, p.Close(time.Second))
	fin := waitForEvent(t, l, time.Second, isFinished).(Finished)
	require.Equal(t, uint64(5), fin.NumProcessedFrames)
}

// demandSink only wants one frame per call to Signal
type demandSink struct {
	need    *event.Flag
	lock    sync.Mutex
	pushes  int
	signals int
}

func (s *demandSink) Signal() {
	s.lock.Lock()
	s.signals++
	s.need.Set()
	s.lock.Unlock()
}

func (s *demandSink) Push(f *Frame) error {
	s.lock.Lock()
	s.pushes++
	s.need.Clear()
	s.lock.Unlock()
	return nil
}

func (s *demandSink) counts() (pushes, signals int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pushes, s.signals
}

func (s *demandSink) SetFormat(Format) error { return nil }
func (s *demandSink) NeedData() *event.Flag  { return s.need }
func (s *demandSink) EndOfStream() error     { return nil }

func TestPumpBackpressure(t *testing.T) {
	sink := &demandSink{need: event.NewFlag(false)}
	worker := WorkerFunc(func(f *Frame) (*Frame, error) { return f, nil })
	p, _ := newTestPump(t, Config{Source: &endlessSource{}, Sink: sink, Worker: worker})
	p.Go()
	p.Start()

	time.Sleep(50 * time.Millisecond)
	pushes, _ := sink.counts()
	require.Equal(t, 0, pushes)
	require.Equal(t, uint64(0), p.NumProcessedFrames())

	for i := 0; i < 5; i++ {
		sink.Signal()
		time.Sleep(10 * time.Millisecond)
		pushes, signals := sink.counts()
		require.LessOrEqual(t, pushes, signals)
	}
	time.Sleep(50 * time.Millisecond)
	pushes, signals := sink.counts()
	require.LessOrEqual(t, pushes, signals)
	require.GreaterOrEqual(t, pushes, 1)
	require.Equal(t, uint64(pushes), p.NumProcessedFrames())

	require.NoError(t, p.Close(time.Second))
}

func TestPumpStopUnblocks(t *testing.T) {
	noop := WorkerFunc(func(f *Frame) (*Frame, error) { return f, nil })
	cases := []struct {
		name  string
		setup func(t *testing.T) *Pump
	}{
		{"waiting for start", func(t *testing.T) *Pump {
			p, _ := newTestPump(t, Config{Source: NewChanSource(1), Worker: noop})
			return p
		}},
		{"paused", func(t *testing.T) *Pump {
			p, _ := newTestPump(t, Config{Source: &endlessSource{}, Worker: noop})
			p.Start()
			p.Pause(true)
			return p
		}},
		{"source not ready", func(t *testing.T) *Pump {
			src := NewChanSource(1)
			src.SetReady(false)
			p, _ := newTestPump(t, Config{Source: src, Worker: noop})
			p.Start()
			return p
		}},
		{"sink has enough data", func(t *testing.T) *Pump {
			sink := &demandSink{need: event.NewFlag(false)}
			p, _ := newTestPump(t, Config{Source: &endlessSource{}, Sink: sink, Worker: noop})
			p.Start()
			return p
		}},
		{"pulling", func(t *testing.T) *Pump {
			p, _ := newTestPump(t, Config{Source: NewChanSource(1), Worker: noop, PullTimeout: time.Hour})
			p.Start()
			return p
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := c.setup(t)
			p.Go()
			time.Sleep(30 * time.Millisecond)
			select {
			case <-p.Done():
				t.Fatal("pump exited before stop")
			default:
			}
			start := time.Now()
			p.Stop()
			p.Stop()
			select {
			case <-p.Done():
			case <-time.After(time.Second):
				t.Fatal("pump did not exit after stop")
			}
			require.Less(t, time.Since(start), 100*time.Millisecond)
			require.Equal(t, StateStopped, p.State())
		})
	}
}

// gatedWorker blocks inside Forward on the first frame until the gate is opened
type gatedWorker struct {
	conf    float32
	seen    [][2]float32 // threshold at entry and exit of Forward
	entered chan uint64
	gate    chan struct{}
}

func (w *gatedWorker) Setup() error { return nil }
func (w *gatedWorker) Cleanup()     {}

func (w *gatedWorker) Forward(f *Frame) (*Frame, error) {
	entry := w.conf
	w.entered <- f.Seq
	if f.Seq == 1 {
		<-w.gate
	}
	w.seen = append(w.seen, [2]float32{entry, w.conf})
	return f, nil
}

func (w *gatedWorker) ApplyCommand(cmd reconfig.Command) error {
	if cmd.Kind == reconfig.KindSetThresholds {
		w.conf = cmd.Thresholds.ConfidenceThreshold
	}
	return nil
}

func TestPumpUpdateAppliesToNextFrame(t *testing.T) {
	w := &gatedWorker{
		conf:    nn.DefaultConfidenceThreshold,
		entered: make(chan uint64, 2),
		gate:    make(chan struct{}),
	}
	p, _ := newTestPump(t, Config{Source: filledSource(t, 2), Worker: w})
	p.Go()
	p.Start()

	require.Equal(t, uint64(1), <-w.entered)
	p.UpdateLater(reconfig.SetThresholds(nn.DetectionParams{ConfidenceThreshold: 0.9}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, p.Stats().PendingUpdates)
	close(w.gate)
	require.Equal(t, uint64(2), <-w.entered)

	require.NoError(t, p.Close(time.Second))
	require.Equal(t, [2]float32{0.25, 0.25}, w.seen[0])
	require.Equal(t, [2]float32{0.9, 0.9}, w.seen[1])
}

type failingSetup struct {
	cleanedUp bool
}

func (w *failingSetup) Setup() error                     { return errors.New("model file not found") }
func (w *failingSetup) Forward(f *Frame) (*Frame, error) { return f, nil }
func (w *failingSetup) Cleanup()                         { w.cleanedUp = true }

func TestPumpSetupFailure(t *testing.T) {
	w := &failingSetup{}
	p, l := newTestPump(t, Config{Source: filledSource(t, 1), Worker: w})
	p.Go()
	p.Start()
	ev := waitForEvent(t, l, time.Second, isError).(Error)
	require.Contains(t, ev.Error(), "model file not found")
	waitForEvent(t, l, time.Second, isFinished)
	<-p.Done()
	require.False(t, w.cleanedUp)
	require.Equal(t, uint64(0), p.NumProcessedFrames())
}

func TestPumpForwardFailures(t *testing.T) {
	worker := WorkerFunc(func(f *Frame) (*Frame, error) {
		switch f.Seq {
		case 2:
			return nil, nn.ErrInvalidShape
		case 3:
			panic("boom")
		}
		return f, nil
	})
	sink := NewChanSink(10)
	p, l := newTestPump(t, Config{Source: filledSource(t, 4), Sink: sink, Worker: worker})
	p.Go()
	p.Start()
	errEv := waitForEvent(t, l, time.Second, isError).(Error)
	require.Contains(t, errEv.Error(), "boom")
	waitForEvent(t, l, time.Second, isEOS)

	// Every frame went through forward, including the failures
	require.Equal(t, uint64(4), p.NumProcessedFrames())
	require.Equal(t, uint64(2), p.Stats().ForwardErrors)
	require.Equal(t, uint64(2), p.Stats().Pushed)
	require.NoError(t, p.Close(time.Second))
}

func TestPumpCloseWedged(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	worker := WorkerFunc(func(f *Frame) (*Frame, error) {
		close(entered)
		<-release
		return f, nil
	})
	p, _ := newTestPump(t, Config{Source: filledSource(t, 1), Worker: worker})
	p.Go()
	p.Start()
	<-entered
	err := p.Close(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrWorkerWedged)

	// Let the abandoned goroutine finish before the test's logger goes away
	close(release)
	<-p.Done()
}

func TestPumpStateTransitions(t *testing.T) {
	p, _ := newTestPump(t, Config{Source: NewChanSource(1), Worker: WorkerFunc(func(f *Frame) (*Frame, error) { return f, nil })})
	p.Pause(true)
	require.Equal(t, StateCreated, p.State())
	p.Start()
	p.Start()
	require.Equal(t, StateRunning, p.State())
	p.Pause(true)
	require.Equal(t, StatePaused, p.State())
	p.TogglePause()
	require.Equal(t, StateRunning, p.State())
	p.Stop()
	p.Pause(true)
	require.Equal(t, StateStopped, p.State())
	require.False(t, p.IsPaused())
	// Never ran, so there is nothing to wait for
	require.NoError(t, p.Close(time.Second))
}

func TestPumpUnsupportedUpdate(t *testing.T) {
	src := NewChanSource(4)
	p, _ := newTestPump(t, Config{Source: src, Worker: WorkerFunc(func(f *Frame) (*Frame, error) { return f, nil })})
	p.UpdateLater(reconfig.SetDevice("cuda:0"))
	p.Go()
	p.Start()
	require.NoError(t, src.Write(context.Background(), testFrame(2, 2)))
	require.Eventually(t, func() bool { return p.NumProcessedFrames() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, p.Stats().PendingUpdates)
	require.NoError(t, p.Close(time.Second))
}

// panicWorker panics on its first update, and records the rest
type panicWorker struct {
	lock    sync.Mutex
	applied []reconfig.Kind
}

func (w *panicWorker) Setup() error                     { return nil }
func (w *panicWorker) Cleanup()                         {}
func (w *panicWorker) Forward(f *Frame) (*Frame, error) { return f, nil }

func (w *panicWorker) ApplyCommand(cmd reconfig.Command) error {
	if cmd.Kind == reconfig.KindSetDevice {
		panic("no such device")
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	w.applied = append(w.applied, cmd.Kind)
	return nil
}

func (w *panicWorker) kinds() []reconfig.Kind {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]reconfig.Kind(nil), w.applied...)
}

func TestPumpUpdatePanicKeepsLaterUpdates(t *testing.T) {
	src := NewChanSource(4)
	w := &panicWorker{}
	p, l := newTestPump(t, Config{Source: src, Worker: w})
	p.UpdateLater(reconfig.SetDevice("cuda:7"))
	p.UpdateLater(reconfig.SetThresholds(nn.DetectionParams{ConfidenceThreshold: 0.5}))
	p.UpdateLater(reconfig.SetAlignCenter(false))
	p.Go()
	p.Start()
	require.NoError(t, src.Write(context.Background(), testFrame(2, 2)))
	require.Eventually(t, func() bool { return p.NumProcessedFrames() == 1 }, time.Second, 5*time.Millisecond)

	errEv := waitForEvent(t, l, time.Second, isError).(Error)
	require.Contains(t, errEv.Error(), "no such device")
	require.Equal(t, []reconfig.Kind{reconfig.KindSetThresholds, reconfig.KindSetAlignCenter}, w.kinds())
	require.Equal(t, 0, p.Stats().PendingUpdates)
	require.NoError(t, p.Close(time.Second))
}

func TestPumpStartPaused(t *testing.T) {
	src := NewChanSource(4)
	var forwards atomic.Int64
	worker := WorkerFunc(func(f *Frame) (*Frame, error) {
		forwards.Add(1)
		return f, nil
	})
	p, _ := newTestPump(t, Config{Source: src, Worker: worker, StartPaused: true, PullTimeout: 5 * time.Millisecond})
	require.Equal(t, StateCreated, p.State())
	require.NoError(t, src.Write(context.Background(), testFrame(2, 2)))
	p.Go()
	p.Start()
	require.Equal(t, StatePaused, p.State())

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, forwards.Load())
	require.Zero(t, p.Stats().Pulled)

	p.Pause(false)
	require.Eventually(t, func() bool { return forwards.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close(time.Second))
}
