// Package pump moves frames from a Source, through a Worker, and into an optional Sink,
// one frame at a time, on a single dedicated goroutine.
//
// Every point where the loop blocks (waiting to be started, unpaused, for the source,
// or for the sink to want more data) is released immediately by Stop.
package pump

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/log"
	"github.com/cyclopcam/livedetect/pkg/perfstats"
	"github.com/cyclopcam/livedetect/pkg/reconfig"
	"github.com/cyclopcam/logs"
)

// DefaultPullTimeout is how long a single pull waits for a frame before re-checking pause and stop
const DefaultPullTimeout = 100 * time.Millisecond

// DefaultCloseTimeout is how long Close waits for the loop to exit
const DefaultCloseTimeout = 10 * time.Second

// ErrWorkerWedged is returned by Close when the loop does not exit in time.
// This typically means that Forward is stuck inside an inference call.
var ErrWorkerWedged = errors.New("pump worker did not exit in time")

type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	Source      Source        // Required
	Worker      Worker        // Required
	Sink        Sink          // Optional
	Events      *event.Sender // Optional. Created if nil.
	PullTimeout time.Duration // Zero means DefaultPullTimeout
	StartPaused bool          // Hold the loop after Start, until Pause(false)
}

// Stats is a snapshot of the pump's counters
type Stats struct {
	State          string        `json:"state"`
	Processed      uint64        `json:"processed"`
	Pulled         uint64        `json:"pulled"`
	PullTimeouts   uint64        `json:"pullTimeouts"`
	ForwardErrors  uint64        `json:"forwardErrors"`
	Pushed         uint64        `json:"pushed"`
	EndOfStreams   uint64        `json:"endOfStreams"`
	PendingUpdates int           `json:"pendingUpdates"`
	AvgForward     time.Duration `json:"avgForward"`
	P95Forward     time.Duration `json:"p95Forward"`
}

type Pump struct {
	Log    *log.PrefixLogger
	events *event.Sender

	source      Source
	sink        Sink
	worker      Worker
	pullTimeout atomic.Int64 // nanoseconds

	ctx    context.Context
	cancel context.CancelFunc

	started  *event.Flag
	unpaused *event.Flag
	stopped  *event.Flag
	running  atomic.Bool // Run has been called
	done     chan struct{}

	updates  reconfig.Queue
	throttle log.Throttle

	processed     atomic.Uint64
	pulled        atomic.Uint64
	pullTimeouts  atomic.Uint64
	forwardErrors atomic.Uint64
	pushed        atomic.Uint64
	endOfStreams  atomic.Uint64
	avgForwardNS  atomic.Int64
	forwardTimes  *perfstats.Window

	sinkFormat    Format // Only touched by the pump goroutine
	sinkFormatSet bool
}

func New(logger logs.Log, cfg Config) (*Pump, error) {
	if cfg.Source == nil {
		return nil, errors.New("pump needs a source")
	}
	if cfg.Worker == nil {
		return nil, errors.New("pump needs a worker")
	}
	if cfg.Events == nil {
		cfg.Events = &event.Sender{}
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pump{
		Log:          log.NewPrefixLogger(logger, "Pump:"),
		events:       cfg.Events,
		source:       cfg.Source,
		sink:         cfg.Sink,
		worker:       cfg.Worker,
		ctx:          ctx,
		cancel:       cancel,
		started:      event.NewFlag(false),
		unpaused:     event.NewFlag(!cfg.StartPaused),
		stopped:      event.NewFlag(false),
		done:         make(chan struct{}),
		forwardTimes: perfstats.NewWindow(128),
	}
	p.pullTimeout.Store(int64(cfg.PullTimeout))
	return p, nil
}

// Events is where the pump sends Error, Warning, EndOfStream and Finished
func (p *Pump) Events() *event.Sender {
	return p.events
}

// Start releases the loop. Calling Start more than once has no further effect.
func (p *Pump) Start() {
	if p.stopped.IsSet() {
		return
	}
	p.started.Set()
}

// Pause or resume the loop. Has no effect before Start, or after Stop.
// A frame that is already being processed runs to completion.
func (p *Pump) Pause(paused bool) {
	if !p.started.IsSet() || p.stopped.IsSet() {
		return
	}
	p.unpaused.SetTo(!paused)
}

func (p *Pump) TogglePause() {
	p.Pause(!p.IsPaused())
}

// Stop the loop. Safe to call multiple times, from any goroutine.
// Stop does not wait for the loop to exit. Use Close or Done for that.
func (p *Pump) Stop() {
	p.stopped.Set()
	p.cancel()
	// Leave every wait in its "proceed" state, so that nothing can block again after stop
	p.started.Set()
	p.unpaused.Set()
}

// UpdateLater queues a change to the worker. It is applied on the pump goroutine,
// before the next frame is pulled, and never while Forward is running.
func (p *Pump) UpdateLater(cmd reconfig.Command) {
	p.updates.Enqueue(cmd)
}

// SetPullTimeout changes how long each pull waits for a frame. Zero restores the default.
func (p *Pump) SetPullTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultPullTimeout
	}
	p.pullTimeout.Store(int64(timeout))
}

func (p *Pump) NumProcessedFrames() uint64 {
	return p.processed.Load()
}

func (p *Pump) IsStarted() bool {
	return p.started.IsSet()
}

func (p *Pump) IsPaused() bool {
	return !p.unpaused.IsSet()
}

func (p *Pump) IsStopped() bool {
	return p.stopped.IsSet()
}

func (p *Pump) State() State {
	switch {
	case p.stopped.IsSet():
		return StateStopped
	case !p.started.IsSet():
		return StateCreated
	case !p.unpaused.IsSet():
		return StatePaused
	}
	return StateRunning
}

// Done is closed when Run returns
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) Stats() Stats {
	return Stats{
		State:          p.State().String(),
		Processed:      p.processed.Load(),
		Pulled:         p.pulled.Load(),
		PullTimeouts:   p.pullTimeouts.Load(),
		ForwardErrors:  p.forwardErrors.Load(),
		Pushed:         p.pushed.Load(),
		EndOfStreams:   p.endOfStreams.Load(),
		PendingUpdates: p.updates.Len(),
		AvgForward:     time.Duration(p.avgForwardNS.Load()),
		P95Forward:     p.forwardTimes.Percentile(0.95),
	}
}

// Go runs the loop on a new goroutine
func (p *Pump) Go() {
	if !p.running.CompareAndSwap(false, true) {
		p.Log.Errorf("Pump is already running")
		return
	}
	go p.run()
}

// Close stops the pump and waits up to 'timeout' for the loop to exit.
// If the loop is wedged, it is abandoned, and ErrWorkerWedged is returned.
// Go has no way of killing a goroutine, so an abandoned worker keeps whatever resources it holds.
func (p *Pump) Close(timeout time.Duration) error {
	p.Stop()
	if !p.running.Load() {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		p.Log.Criticalf("Worker did not exit within %v. Abandoning it.", timeout)
		return ErrWorkerWedged
	}
}

// Run is the pump loop. It returns after Stop, or if the worker's Setup fails.
// Run may only be called once.
func (p *Pump) Run() {
	if !p.running.CompareAndSwap(false, true) {
		p.Log.Errorf("Pump is already running")
		return
	}
	p.run()
}

func (p *Pump) run() {
	defer close(p.done)
	defer func() {
		p.events.SendEvent(Finished{NumProcessedFrames: p.processed.Load()})
	}()

	if p.started.Wait(p.ctx) != nil || p.stopped.IsSet() {
		return
	}

	if err := p.guard("setup", p.worker.Setup); err != nil {
		p.Log.Errorf("Setup failed: %v", err)
		p.events.SendEvent(Error{Message: "Worker setup failed", Err: err})
		return
	}
	defer func() {
		p.guard("cleanup", func() error {
			p.worker.Cleanup()
			return nil
		})
	}()

	p.Log.Infof("Running")
	for p.iterate() {
	}
	p.Log.Infof("Stopped after %v frames", p.processed.Load())
}

// One iteration of the loop. Returns false when the loop must exit.
func (p *Pump) iterate() bool {
	if p.stopped.IsSet() {
		return false
	}
	if p.unpaused.Wait(p.ctx) != nil {
		return false
	}
	if ready := p.source.Ready(); ready != nil {
		if ready.Wait(p.ctx) != nil {
			return false
		}
	}
	if p.sink != nil {
		if need := p.sink.NeedData(); need != nil {
			if need.Wait(p.ctx) != nil {
				return false
			}
		}
	}
	if p.stopped.IsSet() {
		return false
	}

	p.applyUpdates()

	frame := p.source.TryPull(p.ctx, time.Duration(p.pullTimeout.Load()))
	if frame == nil {
		if p.source.IsEndOfStream() {
			p.onEndOfStream()
		} else {
			p.pullTimeouts.Add(1)
		}
		return true
	}
	p.pulled.Add(1)

	start := time.Now()
	result, err := p.forward(frame)
	elapsed := time.Since(start)
	p.processed.Add(1)
	perfstats.UpdateMovingAverage(&p.avgForwardNS, elapsed.Nanoseconds())
	p.forwardTimes.Add(elapsed)

	if err != nil {
		p.forwardErrors.Add(1)
		p.warn(frame.Seq, "Forward failed", err)
		return true
	}
	if p.sink == nil {
		return true
	}
	if result == nil {
		p.warn(frame.Seq, "Worker produced no output frame", nil)
		return true
	}
	if result != frame {
		result.CopyMetadata(frame)
	}
	if err := p.push(result); err != nil {
		p.warn(frame.Seq, "Sink rejected frame", err)
	}
	return true
}

func (p *Pump) onEndOfStream() {
	p.Log.Infof("End of stream")
	p.endOfStreams.Add(1)
	p.unpaused.Clear()
	if p.sink != nil {
		if err := p.sink.EndOfStream(); err != nil {
			p.Log.Warnf("Sink end of stream failed: %v", err)
		}
	}
	p.events.SendEvent(EndOfStream{})
}

func (p *Pump) push(frame *Frame) error {
	format := frame.Format()
	if !p.sinkFormatSet || format != p.sinkFormat {
		if err := p.sink.SetFormat(format); err != nil {
			return fmt.Errorf("set format %v: %w", format, err)
		}
		p.sinkFormat = format
		p.sinkFormatSet = true
	}
	if err := p.sink.Push(frame); err != nil {
		return err
	}
	p.pushed.Add(1)
	return nil
}

func (p *Pump) applyUpdates() {
	if p.updates.Len() == 0 {
		return
	}
	applier, ok := p.worker.(reconfig.Applier)
	if !ok {
		for _, cmd := range p.updates.Drain(discard{}) {
			p.Log.Warnf("Worker cannot apply updates, discarding: %v", cmd)
		}
		return
	}
	for _, err := range p.updates.Drain(&guardedApplier{p: p, applier: applier}) {
		p.Log.Errorf("Update failed: %v", err)
		p.events.SendEvent(Error{Message: "Update failed", Err: err})
	}
}

func (p *Pump) forward(frame *Frame) (result *Frame, err error) {
	err = p.guard("forward", func() error {
		var ferr error
		result, ferr = p.worker.Forward(frame)
		return ferr
	})
	return
}

func (p *Pump) warn(seq uint64, msg string, err error) {
	if ok, dropped := p.throttle.Allow(); ok {
		if dropped != 0 {
			p.Log.Warnf("%v on frame %v: %v (%v similar messages suppressed)", msg, seq, err, dropped)
		} else {
			p.Log.Warnf("%v on frame %v: %v", msg, seq, err)
		}
	}
	p.events.SendEvent(Warning{Seq: seq, Message: msg, Err: err})
}

// panicError is produced when the worker panics
type panicError struct {
	where string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in %v: %v", e.where, e.value)
}

// guard runs f, converting a panic into an error.
// A panic is also reported as an Error event, because it indicates a bug in the worker.
func (p *Pump) guard(where string, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &panicError{where: where, value: r}
			p.Log.Errorf("%v\n%s", perr, debug.Stack())
			p.events.SendEvent(Error{Message: "Worker panicked", Err: perr})
			err = perr
		}
	}()
	return f()
}

// guardedApplier turns a panic in one command into that command's error,
// so the commands queued behind it are still applied.
type guardedApplier struct {
	p       *Pump
	applier reconfig.Applier
}

func (g *guardedApplier) ApplyCommand(cmd reconfig.Command) error {
	return g.p.guard("update", func() error {
		return g.applier.ApplyCommand(cmd)
	})
}

type discard struct{}

func (discard) ApplyCommand(cmd reconfig.Command) error {
	return fmt.Errorf("discarded")
}
